package gmail

import (
	"context"
	"errors"
)

// Kind is the outcome class of a failed remote call.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindRateLimited
	// KindNotDispatched means the request never reached Gmail, so no quota was
	// consumed on the provider side.
	KindNotDispatched
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindNotDispatched:
		return "not-dispatched"
	default:
		return "permanent"
	}
}

// Retryable reports whether a call failing with this kind may be retried.
func (k Kind) Retryable() bool {
	return k != KindPermanent
}

var (
	ErrTransient     = errors.New("transient gmail failure")
	ErrRateLimited   = errors.New("gmail rate limit exceeded")
	ErrPermanent     = errors.New("permanent gmail failure")
	ErrNotDispatched = errors.New("request not dispatched")
)

// Classify maps an error returned by a Client to its outcome class. Adapters
// mark errors by wrapping one of the sentinels above; anything unmarked is
// permanent.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotDispatched):
		return KindNotDispatched
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindPermanent
	}
}
