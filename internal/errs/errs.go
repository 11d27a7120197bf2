// Package errs classifies orchestrator errors into the four kinds the
// scheduler and orchestrator phases dispatch on: validation errors are
// surfaced to the caller, transient errors are retried, permanent errors
// are terminal for the task or run, and invariant violations fail the run.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindValidation is bad input from the caller: a cycle in the DAG,
	// an unknown machine, an invalid label. Never retried.
	KindValidation Kind = iota
	// KindTransient is a connectivity timeout, a saturated remote slot,
	// or event-bus back-pressure. Retried by the Scheduler with backoff.
	KindTransient
	// KindPermanent is a non-retryable executor failure, a quality score
	// below threshold, or an approver rejection. Terminal for the task/run.
	KindPermanent
	// KindInvariant means a guarantee was violated. Fails the run with
	// exit code 5.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Classified wraps a cause with the Kind that decides how callers react.
type Classified struct {
	Kind  Kind
	Cause error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Kind, c.Cause)
}

func (c *Classified) Unwrap() error { return c.Cause }

func classify(kind Kind, format string, args ...interface{}) *Classified {
	return &Classified{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Validation constructs a KindValidation error.
func Validation(format string, args ...interface{}) error { return classify(KindValidation, format, args...) }

// Transient constructs a KindTransient error.
func Transient(format string, args ...interface{}) error { return classify(KindTransient, format, args...) }

// Permanent constructs a KindPermanent error.
func Permanent(format string, args ...interface{}) error { return classify(KindPermanent, format, args...) }

// Invariant constructs a KindInvariant error.
func Invariant(format string, args ...interface{}) error { return classify(KindInvariant, format, args...) }

// KindOf returns the Kind of err, defaulting to KindPermanent if err was
// never classified (an unclassified failure is treated as non-retryable).
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried by the Scheduler.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
