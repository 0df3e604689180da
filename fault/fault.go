// Package fault defines the fatal error taxonomy shared by every stage of the
// partition and redistribution pipeline.
//
// None of these errors is recoverable. A stage detects the condition locally,
// returns a *Error, and the caller propagates it to the top of the run, which
// terminates every rank.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal condition
type Kind uint8

const (
	KindUnknown      Kind = iota
	KindIO                // mesh source missing, unreadable or corrupt
	KindPartition         // partitioner could not produce the requested parts
	KindPlanMismatch      // exchange received something other than what the plan predicted
	KindAllocation        // requested buffer exceeds the allowed size
	KindProtocol          // peer sent an unexpected message or the link was lost
	KindConfig            // invalid run configuration
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindPartition:
		return "partition"
	case KindPlanMismatch:
		return "plan-mismatch"
	case KindAllocation:
		return "allocation"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a tagged fatal error. Op names the operation that detected it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind and op. A nil err stays nil, and an err that is
// already tagged keeps its original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first tagged error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CheckAlloc guards a buffer of n items of size bytes each against limit
// (limit <= 0 disables the ceiling).
func CheckAlloc(op string, n, size int, limit int64) error {
	if n < 0 {
		return Errorf(KindAllocation, op, "negative buffer length %d", n)
	}
	bytes := int64(n) * int64(size)
	if size != 0 && bytes/int64(size) != int64(n) {
		return Errorf(KindAllocation, op, "buffer of %d x %d bytes overflows", n, size)
	}
	if limit > 0 && bytes > limit {
		return Errorf(KindAllocation, op, "requested %d bytes exceeds limit of %d bytes", bytes, limit)
	}
	return nil
}
