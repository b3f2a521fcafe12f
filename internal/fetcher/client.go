package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/scrapebatch/scrapebatch/internal/hostpolicy"
	"github.com/scrapebatch/scrapebatch/internal/metrics"
	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
	"github.com/scrapebatch/scrapebatch/internal/utils/helpers"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

const (
	minAttemptTimeout = 100 * time.Millisecond
	maxAttemptTimeout = 60 * time.Second
	maxRetriesCap     = 10
	defaultUserAgent  = "scrapebatch/1.0"
)

// Options tunes one logical Fetch. Zero values defer to the host policy.
type Options struct {
	// Method defaults to GET. HEAD is the only other supported method.
	Method string
	// Timeout is the per-attempt deadline, validated to [100ms, 60s].
	Timeout time.Duration
	// MaxRetries overrides the policy when >= 0; use -1 to inherit.
	MaxRetries int
	// Headers are added to every attempt.
	Headers map[string]string
	// CorrelationID tags logs and error records; generated when empty.
	CorrelationID string
	// MaxRedirects caps manual redirect following for this call.
	MaxRedirects int
	// BlockDowngrade rejects HTTPS -> HTTP redirect hops.
	BlockDowngrade bool
	// MaxBodyBytes rejects larger responses; 0 inherits the client cap.
	MaxBodyBytes int64
	// HeadPreflight checks Content-Length with a HEAD before the GET.
	HeadPreflight bool
}

// DefaultOptions returns an Options that inherits everything from the
// host policy and client configuration.
func DefaultOptions() Options {
	return Options{Method: fasthttp.MethodGet, MaxRetries: -1}
}

// ClientOptions configures the shared fetcher.
type ClientOptions struct {
	MaxBodyBytes    int64
	MaxRedirects    int
	BlockDowngrade  bool
	UserAgent       string
	DialTimeout     time.Duration
	MaxConnsPerHost int
	MaxIdleConnTime time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MaxBodyBytes:    10 << 20,
		MaxRedirects:    5,
		UserAgent:       defaultUserAgent,
		DialTimeout:     5 * time.Second,
		MaxConnsPerHost: 512,
		MaxIdleConnTime: 30 * time.Second,
	}
}

// Fetcher executes resilient HTTP requests: breaker admission, token
// acquisition, attempt-scoped deadline, outcome classification, retries.
type Fetcher struct {
	opts     ClientOptions
	client   *fasthttp.Client
	registry *hostpolicy.Registry
	guard    *Guard
	metrics  *metrics.Collector
	errors   *errtrack.Tracker
}

func NewFetcher(reg *hostpolicy.Registry, guard *Guard, coll *metrics.Collector, tracker *errtrack.Tracker, opts ClientOptions) *Fetcher {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultClientOptions().MaxBodyBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultClientOptions().MaxRedirects
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultClientOptions().DialTimeout
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = DefaultClientOptions().MaxConnsPerHost
	}

	f := &Fetcher{
		opts:     opts,
		registry: reg,
		guard:    guard,
		metrics:  coll,
		errors:   tracker,
	}
	f.client = &fasthttp.Client{
		Dial:                          f.dial,
		MaxResponseBodySize:           int(opts.MaxBodyBytes),
		MaxConnsPerHost:               opts.MaxConnsPerHost,
		MaxIdleConnDuration:           opts.MaxIdleConnTime,
		NoDefaultUserAgentHeader:      true,
		DisableHeaderNamesNormalizing: false,
		ReadBufferSize:                16 * 1024,
	}
	return f
}

// dial resolves through the guard and connects to the pinned address, so
// the address that passed validation is the address we talk to.
func (f *Fetcher) dial(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.DialTimeout)
	defer cancel()

	ip, err := f.guard.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: f.opts.DialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
}

// Fetch executes one logical request against rawURL and classifies the
// result. Invalid input returns a Validation outcome with zero network
// activity. CircuitOpen is terminal for the call and never consumes a
// retry budget.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) Outcome {
	u, reason := validateRequest(rawURL, &opts)
	if reason != "" {
		return validationOutcome(reason)
	}

	host := hostpolicy.NormalizeHost(u.Host)
	policy := f.registry.GetPolicy(host)

	attemptTimeout := opts.Timeout
	if attemptTimeout == 0 {
		attemptTimeout = policy.Deadline
	}
	maxRetries := policy.MaxRetries
	if opts.MaxRetries >= 0 {
		maxRetries = opts.MaxRetries
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = f.opts.MaxRedirects
	}
	blockDowngrade := opts.BlockDowngrade || f.opts.BlockDowngrade
	bodyCap := opts.MaxBodyBytes
	if bodyCap <= 0 {
		bodyCap = f.opts.MaxBodyBytes
	}
	corr := opts.CorrelationID
	if corr == "" {
		corr = helpers.GenerateRandomString(8)
	}

	var last Outcome
	for attempt := 0; ; attempt++ {
		out := f.attempt(ctx, u, host, opts, attemptTimeout, maxRedirects, blockDowngrade, bodyCap, corr)
		out.Attempts = attempt + 1

		logger.Debug().CorrelationID(corr).Host(host).
			Msgf("attempt %d: %s status=%d", attempt+1, out.Kind, out.StatusCode)

		if out.Kind == KindCircuitOpen {
			// A breaker that opened mid-retry short-circuits the loop;
			// the already classified outcome is the informative one.
			if attempt == 0 {
				last = out
			}
			break
		}
		last = out
		if !out.Retryable() || attempt >= maxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		f.metrics.RecordRetry(retryReason(out))
		delay := retryDelay(out, attempt, policy.BaseBackoff, policy.MaxBackoff, policy.JitterFactor)
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	if !last.Success() && last.Kind != KindCircuitOpen {
		f.errors.Record(outcomeErr(last), errtrack.ErrorContext{
			Host:          host,
			URL:           rawURL,
			ErrorSource:   "fetcher",
			Category:      last.Category(),
			StatusCode:    last.StatusCode,
			CorrelationID: corr,
		})
	}
	return last
}

// attempt runs one admission + HTTP exchange and classifies it.
func (f *Fetcher) attempt(ctx context.Context, u *url.URL, host string, opts Options,
	timeout time.Duration, maxRedirects int, blockDowngrade bool, bodyCap int64, corr string) Outcome {

	breaker := f.registry.GetBreaker(host)
	call, err := breaker.Allow()
	if err != nil {
		return Outcome{Kind: KindCircuitOpen}
	}

	release, err := f.registry.AcquireSlot(ctx, host)
	if err != nil {
		call.Ignore()
		return Outcome{Kind: KindTimeout, Err: err}
	}
	defer release()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := f.registry.GetLimiter(host)
	if limiter.Tokens() < 1 {
		f.metrics.RecordDeferral()
	}
	if err := limiter.Wait(attemptCtx); err != nil {
		call.Ignore()
		f.metrics.RecordTimeout()
		return Outcome{Kind: KindTimeout, Err: fmt.Errorf("token wait: %w", err)}
	}

	f.metrics.IncActive()
	start := time.Now()
	out := f.exchange(attemptCtx, u, opts, timeout, maxRedirects, blockDowngrade, bodyCap)
	elapsed := time.Since(start)
	f.metrics.DecActive()

	// Breaker bookkeeping. Successes and non-429 4xx reset the failure
	// count; 5xx, timeouts, and network errors count against it; 429 and
	// guard blocks say nothing about host health.
	switch out.Kind {
	case KindSuccess, KindClientError:
		call.Success()
	case KindServerError, KindTimeout, KindNetworkError:
		call.Failure()
	default:
		call.Ignore()
	}

	failed := out.Kind != KindSuccess
	f.metrics.RecordRequest(host, out.StatusCode, elapsed, failed)
	switch out.Kind {
	case KindRateLimited:
		f.metrics.RecordRateLimitHit()
	case KindTimeout:
		f.metrics.RecordTimeout()
	}
	if out.Response != nil {
		out.Response.ElapsedMS = elapsed.Milliseconds()
	}
	return out
}

// exchange performs the HTTP call with manual redirect following. Every
// hop re-runs the guard; a downgrade hop is rejected when configured.
func (f *Fetcher) exchange(ctx context.Context, u *url.URL, opts Options,
	timeout time.Duration, maxRedirects int, blockDowngrade bool, bodyCap int64) Outcome {

	if opts.HeadPreflight && opts.Method == fasthttp.MethodGet {
		if out, reject := f.headPreflight(ctx, u, opts, timeout, bodyCap); reject {
			return out
		}
	}

	current := u
	redirects := 0
	deadline, _ := ctx.Deadline()

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: KindTimeout, Err: err}
		}
		if _, err := f.guard.Resolve(ctx, current.Hostname()); err != nil {
			return blockedOutcome(err.Error())
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI(current.String())
		req.Header.SetMethod(opts.Method)
		req.Header.SetUserAgent(f.opts.UserAgent)
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}

		err := f.client.DoTimeout(req, resp, time.Until(deadline))
		fasthttp.ReleaseRequest(req)

		if err != nil {
			fasthttp.ReleaseResponse(resp)
			return classifyTransportErr(err)
		}

		status := resp.StatusCode()
		if isRedirect(status) {
			loc := string(resp.Header.Peek(fasthttp.HeaderLocation))
			fasthttp.ReleaseResponse(resp)
			if loc == "" {
				return Outcome{Kind: KindNetworkError, StatusCode: status,
					Err: fmt.Errorf("redirect %d without location", status)}
			}
			redirects++
			if redirects > maxRedirects {
				return Outcome{Kind: KindNetworkError, StatusCode: status, Err: ErrTooManyRedirects}
			}
			next, err := current.Parse(loc)
			if err != nil {
				return Outcome{Kind: KindNetworkError, StatusCode: status,
					Err: fmt.Errorf("bad redirect target %q: %w", loc, err)}
			}
			if blockDowngrade && current.Scheme == "https" && next.Scheme == "http" {
				return blockedOutcome(fmt.Sprintf("https->http downgrade to %s rejected", next.Host))
			}
			current = next
			continue
		}

		out := f.classifyResponse(resp, u, current, redirects, bodyCap)
		fasthttp.ReleaseResponse(resp)
		return out
	}
}

func (f *Fetcher) headPreflight(ctx context.Context, u *url.URL, opts Options,
	timeout time.Duration, bodyCap int64) (Outcome, bool) {

	headOpts := opts
	headOpts.Method = fasthttp.MethodHead
	headOpts.HeadPreflight = false
	out := f.exchange(ctx, u, headOpts, timeout, 2, false, bodyCap)
	if out.Kind == KindSuccess {
		if cl := out.Response.ContentLength; cl > bodyCap {
			reason := fmt.Sprintf("content-length %s exceeds cap %s",
				helpers.FormatBytesH(cl), helpers.FormatBytesH(bodyCap))
			ReleaseResponseDetails(out.Response)
			return Outcome{Kind: KindBodyTooLarge, StatusCode: out.StatusCode, Reason: reason}, true
		}
		ReleaseResponseDetails(out.Response)
	}
	// Preflight failures never reject the GET; servers commonly mishandle
	// HEAD.
	return Outcome{}, false
}

func (f *Fetcher) classifyResponse(resp *fasthttp.Response, original, final *url.URL, redirects int, bodyCap int64) Outcome {
	status := resp.StatusCode()

	switch {
	case status == fasthttp.StatusTooManyRequests:
		ra, _ := ParseRetryAfter(string(resp.Header.Peek(fasthttp.HeaderRetryAfter)), 0, maxAttemptTimeout)
		return Outcome{Kind: KindRateLimited, StatusCode: status, RetryAfter: ra}

	case status >= 500:
		return Outcome{Kind: KindServerError, StatusCode: status}

	case status >= 400:
		return Outcome{Kind: KindClientError, StatusCode: status}

	case status >= 200 && status < 300:
		if int64(len(resp.Body())) > bodyCap {
			return Outcome{Kind: KindBodyTooLarge, StatusCode: status,
				Reason: fmt.Sprintf("body %s exceeds cap %s",
					helpers.FormatBytesH(int64(len(resp.Body()))), helpers.FormatBytesH(bodyCap))}
		}
		rd := AcquireResponseDetails()
		rd.URL = original.String()
		rd.FinalURL = final.String()
		rd.RedirectCount = redirects
		rd.fill(resp)
		return successOutcome(rd, 0)

	default:
		return Outcome{Kind: KindNetworkError, StatusCode: status,
			Err: fmt.Errorf("unexpected status %d", status)}
	}
}

func classifyTransportErr(err error) Outcome {
	switch {
	case errors.Is(err, ErrBlockedHost), errors.Is(err, ErrRebindDetected):
		return blockedOutcome(err.Error())
	case errors.Is(err, fasthttp.ErrBodyTooLarge):
		return Outcome{Kind: KindBodyTooLarge, Reason: "response exceeded configured body cap"}
	case errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, fasthttp.ErrTLSHandshakeTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return Outcome{Kind: KindTimeout, Err: err}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Outcome{Kind: KindTimeout, Err: err}
		}
		return Outcome{Kind: KindNetworkError, Err: err}
	}
}

func validateRequest(rawURL string, opts *Options) (*url.URL, string) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, "empty url"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Sprintf("unparseable url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Sprintf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, "url missing host"
	}

	if opts.Method == "" {
		opts.Method = fasthttp.MethodGet
	}
	if opts.Method != fasthttp.MethodGet && opts.Method != fasthttp.MethodHead {
		return nil, fmt.Sprintf("unsupported method %q", opts.Method)
	}
	if opts.Timeout != 0 && (opts.Timeout < minAttemptTimeout || opts.Timeout > maxAttemptTimeout) {
		return nil, fmt.Sprintf("timeout %s outside [%s, %s]", opts.Timeout, minAttemptTimeout, maxAttemptTimeout)
	}
	if opts.MaxRetries > maxRetriesCap {
		return nil, fmt.Sprintf("max retries %d exceeds cap %d", opts.MaxRetries, maxRetriesCap)
	}
	if opts.MaxRedirects < 0 || opts.MaxRedirects > 10 {
		return nil, fmt.Sprintf("max redirects %d outside [0, 10]", opts.MaxRedirects)
	}
	for k, v := range opts.Headers {
		if strings.ContainsAny(k, "\r\n") || strings.ContainsAny(v, "\r\n") || k == "" {
			return nil, fmt.Sprintf("malformed header %q", k)
		}
	}
	return u, ""
}

func isRedirect(status int) bool {
	switch status {
	case fasthttp.StatusMovedPermanently, fasthttp.StatusFound, fasthttp.StatusSeeOther,
		fasthttp.StatusTemporaryRedirect, fasthttp.StatusPermanentRedirect:
		return true
	}
	return false
}

func retryReason(o Outcome) string {
	switch o.Kind {
	case KindRateLimited:
		return "429"
	case KindServerError:
		return "5xx"
	case KindTimeout:
		return "timeout"
	case KindNetworkError:
		return "network"
	default:
		return o.Kind.String()
	}
}

func outcomeErr(o Outcome) error {
	if o.Err != nil {
		return o.Err
	}
	if o.Reason != "" {
		return errors.New(o.Reason)
	}
	return fmt.Errorf("%s (status %d)", o.Kind, o.StatusCode)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
