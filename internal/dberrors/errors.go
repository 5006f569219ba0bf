// Package dberrors implements the error taxonomy for the storage core:
// UserInput, ResourceExhausted, Transient, Corruption and FatalInvariant,
// each a sentinel that callers mark onto a wrapped cause and later test
// for with errors.Is.
package dberrors

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
)

// Class identifies which of the taxonomy's five buckets an error falls
// into. It is attached to an error via Mark and recovered with ClassOf.
type Class int

const (
	// ClassNone means the error has not been classified by this package.
	ClassNone Class = iota
	ClassUserInput
	ClassResourceExhausted
	ClassTransient
	ClassCorruption
	ClassFatalInvariant
)

func (c Class) String() string {
	switch c {
	case ClassUserInput:
		return "UserInput"
	case ClassResourceExhausted:
		return "ResourceExhausted"
	case ClassTransient:
		return "Transient"
	case ClassCorruption:
		return "Corruption"
	case ClassFatalInvariant:
		return "FatalInvariant"
	default:
		return "None"
	}
}

// Sentinels. Compare with errors.Is, never with string matching.
var (
	ErrKeyTooLarge   = errors.New("pagestore: key too large")
	ErrValueTooLarge = errors.New("pagestore: value too large")
	ErrInvalidRange  = errors.New("pagestore: invalid scan range")
	ErrInvalidConfig = errors.New("pagestore: invalid configuration")

	ErrOutOfSpace     = errors.New("pagestore: out of space")
	ErrCacheExhausted = errors.New("pagestore: cache exhausted")

	ErrShuttingDown = errors.New("pagestore: engine is shutting down")
	ErrBusy         = errors.New("pagestore: commit queue is full")

	ErrCorruption = errors.New("pagestore: corruption detected")

	ErrFatalInvariant = errors.New("pagestore: fatal invariant violated")

	// ErrNotFound is returned by GetStrict for an absent key. Plain Get
	// reports absence via its bool return instead (see spec §4.7: "absence,
	// not an error, unless the API is get_strict").
	ErrNotFound = errors.New("pagestore: key not found")
)

var classBySentinel = map[error]Class{
	ErrKeyTooLarge:    ClassUserInput,
	ErrValueTooLarge:  ClassUserInput,
	ErrInvalidRange:   ClassUserInput,
	ErrInvalidConfig:  ClassUserInput,
	ErrOutOfSpace:     ClassResourceExhausted,
	ErrCacheExhausted: ClassResourceExhausted,
	ErrShuttingDown:   ClassTransient,
	ErrBusy:           ClassTransient,
	ErrCorruption:     ClassCorruption,
	ErrFatalInvariant: ClassFatalInvariant,
}

// Wrap attaches sentinel to cause (via errors.Mark, preserving cause's
// message and stack) so that errors.Is(result, sentinel) succeeds while
// errors.Cause(result) still yields the original error.
func Wrap(sentinel error, cause error) error {
	if cause == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(cause, sentinel.Error()), sentinel)
}

// Newf builds a fresh sentinel-marked error with a formatted message,
// e.g. dberrors.Newf(ErrCorruption, "page %d: crc mismatch", id).
func Newf(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), sentinel)
}

// ClassOf reports the taxonomy bucket for err, walking Is() against each
// sentinel. Returns ClassNone if err doesn't match any of them.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	for sentinel, class := range classBySentinel {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return ClassNone
}

func IsCorruption(err error) bool     { return errors.Is(err, ErrCorruption) }
func IsFatalInvariant(err error) bool { return errors.Is(err, ErrFatalInvariant) }
func IsTransient(err error) bool      { return errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrBusy) }

// Reporter sends FatalInvariant/Corruption errors to Sentry through a
// sentry-go Hub built from the configured DSN. A zero-value Reporter (no DSN) is
// a no-op, so engines that don't configure one pay nothing.
type Reporter struct {
	dsn  string
	hub  *sentry.Hub
	init bool
}

// NewReporter configures Sentry reporting with the given DSN. An empty
// dsn yields a Reporter whose ReportFatal is a no-op.
func NewReporter(dsn string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{Dsn: dsn})
	if err != nil {
		return nil, errors.Wrap(err, "dberrors: configure sentry client")
	}
	return &Reporter{dsn: dsn, hub: sentry.NewHub(client, sentry.NewScope()), init: true}, nil
}

// ReportFatal sends err (expected to be a FatalInvariant or Corruption)
// to the configured Sentry project. It never returns an error itself;
// reporting failures are logged by the caller, not propagated, since a
// poisoned engine must still be able to report on itself.
func (r *Reporter) ReportFatal(ctx context.Context, err error) {
	if r == nil || !r.init || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("class", ClassOf(err).String())
		scope.SetExtra("safe_details", errors.GetSafeDetails(err).SafeDetails)
		r.hub.CaptureException(err)
	})
	r.hub.Flush(0)
}
