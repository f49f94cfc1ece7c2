// Package faults defines the error taxonomy shared by every component.
//
// A Fault carries a category plus two independent flags: Recoverable means
// the system is still consistent and the user may retry the broader action;
// Retryable means the retry executor may re-invoke the same operation
// automatically. A validation fault is typically recoverable but not
// retryable, a connection fault is both.
package faults

import (
	"errors"
	"fmt"
)

// Category classifies a fault for logging, user guidance, and retry decisions.
type Category string

const (
	CategoryConnection   Category = "connection"   // endpoint unreachable or refused
	CategoryValidation   Category = "validation"   // caller-supplied config/input violates a constraint
	CategoryGeneration   Category = "generation"   // remote call completed but reported failure
	CategoryFilesystem   Category = "filesystem"   // storage read/write failure
	CategoryDataContract Category = "datacontract" // response shape violates the expected schema
	CategoryTimeout      Category = "timeout"      // operation exceeded its allotted time
	CategoryUnknown      Category = "unknown"      // unclassified
)

// Fault is the tagged error type used across the orchestration core.
// It is immutable once constructed.
type Fault struct {
	Message     string
	Category    Category
	Recoverable bool
	Retryable   bool
	Details     map[string]any
	Cause       error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", f.Category, f.Message, f.Cause)
	}
	return fmt.Sprintf("[%s] %s", f.Category, f.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Detail returns a single detail value, or nil when absent.
func (f *Fault) Detail(key string) any {
	if f.Details == nil {
		return nil
	}
	return f.Details[key]
}

// Option mutates a fault during construction only.
type Option func(*Fault)

// WithDetails attaches structured detail for the presentation layer.
// The map is copied so later caller mutation cannot leak in.
func WithDetails(details map[string]any) Option {
	return func(f *Fault) {
		if len(details) == 0 {
			return
		}
		f.Details = make(map[string]any, len(details))
		for k, v := range details {
			f.Details[k] = v
		}
	}
}

// WithCause wraps an underlying error.
func WithCause(err error) Option {
	return func(f *Fault) { f.Cause = err }
}

// WithRetryable overrides the category's default retryability.
func WithRetryable(retryable bool) Option {
	return func(f *Fault) { f.Retryable = retryable }
}

// WithRecoverable overrides the category's default recoverability.
func WithRecoverable(recoverable bool) Option {
	return func(f *Fault) { f.Recoverable = recoverable }
}

// New builds a fault with the category's default flags applied.
// Construction never fails regardless of the inputs.
func New(category Category, message string, opts ...Option) *Fault {
	f := &Fault{
		Message:     message,
		Category:    category,
		Recoverable: true,
		Retryable:   defaultRetryable(category),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultRetryable(category Category) bool {
	switch category {
	case CategoryValidation, CategoryDataContract, CategoryFilesystem:
		return false
	default:
		return true
	}
}

// Connection builds a connection-category fault.
func Connection(message string, opts ...Option) *Fault {
	return New(CategoryConnection, message, opts...)
}

// Validation builds a validation-category fault.
func Validation(message string, opts ...Option) *Fault {
	return New(CategoryValidation, message, opts...)
}

// Generation builds a generation-category fault.
func Generation(message string, opts ...Option) *Fault {
	return New(CategoryGeneration, message, opts...)
}

// Filesystem builds a filesystem-category fault.
func Filesystem(message string, opts ...Option) *Fault {
	return New(CategoryFilesystem, message, opts...)
}

// DataContract builds a datacontract-category fault.
func DataContract(message string, opts ...Option) *Fault {
	return New(CategoryDataContract, message, opts...)
}

// Timeout builds a timeout-category fault.
func Timeout(message string, opts ...Option) *Fault {
	return New(CategoryTimeout, message, opts...)
}

// Classify returns the Fault carried by err, or wraps err as an unknown,
// retryable fault. Unknown errors default to retryable so a transient failure
// from an unannotated code path still gets backoff attempts.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{
		Message:     err.Error(),
		Category:    CategoryUnknown,
		Recoverable: true,
		Retryable:   true,
		Cause:       err,
	}
}

// IsCategory reports whether err carries a fault of the given category.
func IsCategory(err error, category Category) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	return f.Category == category
}

// IsRetryable reports whether the retry executor may re-invoke the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}
