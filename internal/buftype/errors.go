package buftype

import (
	"github.com/cockroachdb/errors"
)

// Error kinds from spec.md §7. Each is constructed with cockroachdb/errors
// so a Corruption or Invariant failure carries a stack trace usable by an
// fsck-style diagnostic, the same library pebble itself depends on.
var (
	ErrOutOfMemory = errors.New("coretux3: out of memory")
	ErrOutOfSpace  = errors.New("coretux3: out of space")
	ErrIoError     = errors.New("coretux3: i/o error")
	ErrCorruption  = errors.New("coretux3: corruption detected")
	ErrInvariant   = errors.New("coretux3: invariant violated")
)

// NewOutOfMemory wraps ErrOutOfMemory with context, e.g. a failed
// allocation inside the buffer cache or a cursor.
func NewOutOfMemory(context string) error {
	return errors.WithStack(errors.Wrap(ErrOutOfMemory, context))
}

// NewIoError wraps ErrIoError with context and the underlying cause.
func NewIoError(context string, cause error) error {
	return errors.WithStack(errors.Wrapf(ErrIoError, "%s: %v", context, cause))
}

func newCorruption(context string) error {
	return errors.WithStack(errors.Wrap(ErrCorruption, context))
}

// NewCorruption wraps ErrCorruption with context. Per spec.md §7 this
// should terminate the current mount read-only; callers surface it up to
// the backend, which is responsible for that policy.
func NewCorruption(context string) error { return newCorruption(context) }

// NewInvariant wraps ErrInvariant with context. Assert panics with it,
// and the B-tree and allocator code also return it for internal
// consistency failures.
func NewInvariant(context string) error {
	return errors.WithStack(errors.Wrap(ErrInvariant, context))
}

// IsOutOfSpace reports whether err is (or wraps) ErrOutOfSpace.
func IsOutOfSpace(err error) bool { return errors.Is(err, ErrOutOfSpace) }

// IsCorruption reports whether err is (or wraps) ErrCorruption.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
