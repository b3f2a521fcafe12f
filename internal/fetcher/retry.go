package fetcher

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value as either delta
// seconds or an HTTP-date. The result is clamped to [base, max]; a past
// date or nonsense value yields (0, false) so callers fall back to the
// backoff schedule. A parseable past date floors to base rather than
// going negative.
func ParseRetryAfter(value string, base, max time.Duration) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return clampDelay(time.Duration(secs)*time.Second, base, max), true
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return clampDelay(d, base, max), true
	}

	return 0, false
}

func clampDelay(d, base, max time.Duration) time.Duration {
	if d < base {
		return base
	}
	if d > max {
		return max
	}
	return d
}

// BackoffDelay computes the exponential backoff for attempt (0-based) with
// symmetric jitter: min(max, base*2^attempt) * (1 ± jitter*rand).
func BackoffDelay(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	if jitter > 0 {
		d *= 1 + jitter*(2*rand.Float64()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// retryDelay picks the delay before the next attempt for a retryable
// outcome. Rate-limited outcomes prefer the server's Retry-After.
func retryDelay(o Outcome, attempt int, base, max time.Duration, jitter float64) time.Duration {
	if o.Kind == KindRateLimited && o.RetryAfter > 0 {
		return clampDelay(o.RetryAfter, base, max)
	}
	return BackoffDelay(attempt, base, max, jitter)
}
