// Package vsierr defines the error kinds the VSI core surfaces to callers.
//
// Every kind is a package-level sentinel so callers can branch with
// errors.Is; Wrap attaches operation context without losing the sentinel
// for Is/As.
package vsierr

import "errors"

var (
	// ErrInvalidArgument is returned for an argument the callee cannot accept,
	// such as an out-of-range degree, size, block size or pointer.
	ErrInvalidArgument = errors.New("vsi: invalid argument")

	// ErrNoData is returned by fetch/fetch_newest with wait=false and no matching record.
	ErrNoData = errors.New("vsi: no data")

	// ErrOutOfMemory is returned when the user region or system region is exhausted.
	ErrOutOfMemory = errors.New("vsi: out of memory")

	// ErrCorruption is returned when a chunk marker or offset fails validation.
	// The call that returns it is a no-op; the store's invariants are unaffected.
	ErrCorruption = errors.New("vsi: corruption detected")

	// ErrIO is returned when mapping, truncating, or locking primitives fail at init.
	// Callers should treat this as fatal.
	ErrIO = errors.New("vsi: io error")
)

// Wrap attaches op context to a sentinel while keeping it matchable via errors.Is.
func Wrap(kind error, op string, cause error) error {
	if cause == nil {
		return &wrapped{kind: kind, op: op}
	}
	return &wrapped{kind: kind, op: op, cause: cause}
}

type wrapped struct {
	kind  error
	op    string
	cause error
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.op + ": " + w.kind.Error()
	}
	return w.op + ": " + w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() error { return w.kind }

// Kind reports the sentinel kind behind err, or nil if err doesn't carry one.
func Kind(err error) error {
	for _, k := range []error{ErrInvalidArgument, ErrNoData, ErrOutOfMemory, ErrCorruption, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
