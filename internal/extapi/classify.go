package extapi

import (
	"time"
)

// Kind is the failure category of an external-service error.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindAuthExpired Kind = "auth_expired"
	KindGeneric     Kind = "external_error"
)

// Classification describes how a caller should react to an external error.
type Classification struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration
}

// Classify maps HTTP status errors onto the failure taxonomy. Anything it
// cannot recognise is generic and retryable.
func Classify(err error) Classification {
	if se, ok := AsStatusError(err); ok {
		switch {
		case se.RateLimited():
			return Classification{Kind: KindRateLimited, Retryable: true, RetryAfter: se.RetryAfter}
		case se.Unauthorized():
			return Classification{Kind: KindAuthExpired}
		}
	}
	return Classification{Kind: KindGeneric, Retryable: true}
}
