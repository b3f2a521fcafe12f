package fetcher

import (
	"errors"
	"time"

	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
)

// Kind tags a fetch outcome. Retry logic is a pure function of Kind plus
// the attempt number, which keeps the 429-vs-5xx distinction impossible
// to conflate.
type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindServerError
	KindClientError
	KindTimeout
	KindNetworkError
	KindCircuitOpen
	KindValidation
	KindBlocked
	KindBodyTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate-limited"
	case KindServerError:
		return "server-error"
	case KindClientError:
		return "client-error"
	case KindTimeout:
		return "timeout"
	case KindNetworkError:
		return "network-error"
	case KindCircuitOpen:
		return "circuit-open"
	case KindValidation:
		return "validation"
	case KindBlocked:
		return "blocked"
	case KindBodyTooLarge:
		return "body-too-large"
	default:
		return "unknown"
	}
}

// ErrTooManyRedirects marks a redirect chain exceeding the hop cap. It
// surfaces as a NetworkError outcome with this error as the cause.
var ErrTooManyRedirects = errors.New("too many redirects")

// Outcome is the tagged result of one logical Fetch. Exactly the fields
// relevant to the Kind are populated.
type Outcome struct {
	Kind       Kind
	StatusCode int

	// RetryAfter is the server-suggested delay for KindRateLimited;
	// zero means the header was absent or unusable.
	RetryAfter time.Duration

	// Reason explains KindValidation and KindBlocked.
	Reason string

	// Err carries the underlying cause for KindTimeout / KindNetworkError.
	Err error

	// Response is set only for KindSuccess. The caller owns it and must
	// release it back to the pool.
	Response *ResponseDetails

	// Attempts is how many HTTP attempts the fetch actually made.
	Attempts int
}

// Retryable reports whether this outcome participates in the retry loop.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case KindRateLimited, KindServerError, KindTimeout, KindNetworkError:
		return true
	}
	return false
}

// Success reports a 2xx terminal outcome.
func (o Outcome) Success() bool {
	return o.Kind == KindSuccess
}

// Category maps the outcome to the error-report bucket used by the batch
// processor. Success has no category.
func (o Outcome) Category() errtrack.Category {
	switch o.Kind {
	case KindRateLimited:
		return errtrack.CategoryRateLimitExhausted
	case KindServerError:
		return errtrack.CategoryHTTP5xx
	case KindClientError:
		return errtrack.CategoryHTTP4xx
	case KindTimeout:
		return errtrack.CategoryTimeout
	case KindNetworkError, KindCircuitOpen:
		return errtrack.CategoryNetwork
	case KindValidation:
		return errtrack.CategoryValidation
	case KindBlocked, KindBodyTooLarge:
		return errtrack.CategoryBlocked
	default:
		return errtrack.CategoryUnknown
	}
}

func successOutcome(resp *ResponseDetails, attempts int) Outcome {
	return Outcome{Kind: KindSuccess, StatusCode: resp.StatusCode, Response: resp, Attempts: attempts}
}

func validationOutcome(reason string) Outcome {
	return Outcome{Kind: KindValidation, Reason: reason}
}

func blockedOutcome(reason string) Outcome {
	return Outcome{Kind: KindBlocked, Reason: reason}
}
