// Package storage defines the key-value persistence boundary shared by the
// session store and the instance registry. Backends are selected explicitly
// by configuration, never by environment probing.
package storage

import (
	"context"
	"time"
)

// Store is the persistent key-value contract. Values are opaque bytes;
// callers own serialization. Keys are namespaced by a fixed prefix per
// consumer ("session:", "instance:") to avoid collisions.
type Store interface {
	// Save writes or overwrites the value for key.
	Save(ctx context.Context, key string, value []byte) error

	// SaveTTL writes the value with a time-to-live. A ttl of zero behaves
	// like Save. Backends without native expiry store the value unexpiring;
	// logical expiry stays the caller's responsibility.
	SaveTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Load returns the value for key, with found=false when absent.
	Load(ctx context.Context, key string) (value []byte, found bool, err error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
