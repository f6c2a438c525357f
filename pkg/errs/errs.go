// Package errs classifies the failure modes of storage and network
// operations so that callers can decide between "treat as miss", "retry"
// and "give up" without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
)

type Kind int

const (
	// KindOther is an unclassified error.
	KindOther Kind = iota

	// KindNotFound marks a cache/store miss. Callers translate it to a nil
	// payload, never propagate it as a failure.
	KindNotFound

	// KindUnavailable means no network and no usable cached copy.
	KindUnavailable

	// KindTransient marks a retryable network failure.
	KindTransient

	// KindQuota marks an out-of-space condition. Not retried.
	KindQuota

	// KindPermission marks a permission failure. Not retried.
	KindPermission

	// KindCorrupt marks undecodable stored data. Treated as a miss, the
	// offending entry is deleted.
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	case KindQuota:
		return "quota exceeded"
	case KindPermission:
		return "permission denied"
	case KindCorrupt:
		return "corrupt data"
	default:
		return "other"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error. err may be nil.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err. Untagged os / fs / net errors are mapped to
// the closest kind, everything else is KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermission
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return KindQuota
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	return KindOther
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsRetryable reports whether a task failure should be retried. Only
// transient network failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
