package memory

import (
	"context"
	"testing"
	"time"
)

func TestSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.Save(ctx, "session:a", []byte("one")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	val, found, err := s.Load(ctx, "session:a")
	if err != nil || !found {
		t.Fatalf("Load = (%v, %v), want found", found, err)
	}
	if string(val) != "one" {
		t.Errorf("Load value = %q, want %q", val, "one")
	}

	if err := s.Delete(ctx, "session:a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := s.Load(ctx, "session:a"); found {
		t.Error("Load after Delete should report absent")
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "session:a"); err != nil {
		t.Errorf("Delete of absent key errored: %v", err)
	}
}

func TestValueIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	buf := []byte("abc")
	_ = s.Save(ctx, "k", buf)
	buf[0] = 'z'

	val, _, _ := s.Load(ctx, "k")
	if string(val) != "abc" {
		t.Errorf("stored value mutated through caller slice: %q", val)
	}

	val[0] = 'y'
	again, _, _ := s.Load(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_ = s.SaveTTL(ctx, "k", []byte("v"), time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	if _, found, _ := s.Load(ctx, "k"); found {
		t.Error("expired entry still loadable")
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_ = s.Save(ctx, "session:a", []byte("1"))
	_ = s.Save(ctx, "session:b", []byte("2"))
	_ = s.Save(ctx, "instance:x", []byte("3"))

	keys, err := s.List(ctx, "session:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List returned %d keys, want 2: %v", len(keys), keys)
	}
	for _, k := range keys {
		if k != "session:a" && k != "session:b" {
			t.Errorf("unexpected key %q", k)
		}
	}
}
