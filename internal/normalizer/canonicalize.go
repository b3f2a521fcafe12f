package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projectdiscovery/gcache"
	"github.com/valyala/fasthttp"

	"github.com/scrapebatch/scrapebatch/internal/fetcher"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// ErrAllVariantsFailed is returned when no candidate produced a 2xx. The
// CanonResult carries the per-variant attempts for diagnosis.
var ErrAllVariantsFailed = errors.New("all variants failed")

// VariantAttempt records one probe during canonicalization.
type VariantAttempt struct {
	URL        string       `json:"url"`
	Method     string       `json:"method"`
	Kind       fetcher.Kind `json:"-"`
	Outcome    string       `json:"outcome"`
	StatusCode int          `json:"status_code,omitempty"`
}

// CanonResult is the outcome of Canonicalize.
type CanonResult struct {
	CanonicalURL string           `json:"canonical_url,omitempty"`
	Attempts     []VariantAttempt `json:"attempts"`
	FromCache    bool             `json:"from_cache"`
	Err          error            `json:"-"`
}

// Options tunes the normalizer.
type Options struct {
	MaxVariants int
	CacheTTL    time.Duration
	CacheSize   int
	// Pagination knobs.
	MaxPages               int
	Consecutive404Stop     int
	MaxPaginationCandidate int
}

func DefaultOptions() Options {
	return Options{
		MaxVariants:            8,
		CacheTTL:               5 * time.Minute,
		CacheSize:              4096,
		MaxPages:               10,
		Consecutive404Stop:     3,
		MaxPaginationCandidate: 40,
	}
}

// Normalizer canonicalizes URLs through HEAD-then-GET preflights and caches
// the winning form per origin-path.
type Normalizer struct {
	fetcher *fetcher.Fetcher
	opts    Options
	cache   gcache.Cache[string, string]
}

func New(f *fetcher.Fetcher, opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = def.MaxVariants
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = def.MaxPages
	}
	if opts.Consecutive404Stop <= 0 {
		opts.Consecutive404Stop = def.Consecutive404Stop
	}
	if opts.MaxPaginationCandidate <= 0 {
		opts.MaxPaginationCandidate = def.MaxPaginationCandidate
	}

	return &Normalizer{
		fetcher: f,
		opts:    opts,
		cache: gcache.New[string, string](opts.CacheSize).
			LRU().
			Expiration(opts.CacheTTL).
			Build(),
	}
}

// Canonicalize finds the preferred URL form for raw. The original is tried
// first, then each generated variant, HEAD before GET. The first 2xx wins
// and is cached for every variant of the same origin-path; repeat calls hit
// the cache with zero network activity. Idempotent: canonicalizing a
// canonical URL returns it unchanged.
func (n *Normalizer) Canonicalize(ctx context.Context, raw string) CanonResult {
	key := CacheKey(raw)
	if cached, err := n.cache.Get(key); err == nil && cached != "" {
		return CanonResult{CanonicalURL: cached, FromCache: true}
	}

	candidates := append([]string{raw}, Variants(raw, n.opts.MaxVariants)...)
	res := CanonResult{Attempts: make([]VariantAttempt, 0, len(candidates)*2)}

	for _, cand := range candidates {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}

		ok, terminal := n.probeVariant(ctx, cand, &res)
		if ok {
			res.CanonicalURL = cand
			_ = n.cache.Set(key, cand)
			logger.Verbose().Msgf("canonicalized %s -> %s", raw, cand)
			return res
		}
		_ = terminal
	}

	res.Err = fmt.Errorf("%w: %s (%d attempts)", ErrAllVariantsFailed, raw, len(res.Attempts))
	return res
}

// probeVariant runs HEAD then, unless the HEAD failure was terminal, GET.
// Returns ok=true when the variant answered 2xx.
func (n *Normalizer) probeVariant(ctx context.Context, cand string, res *CanonResult) (ok, terminal bool) {
	headOut := n.fetcher.Fetch(ctx, cand, fetcher.Options{
		Method:     fasthttp.MethodHead,
		MaxRetries: 0,
	})
	res.Attempts = append(res.Attempts, attemptOf(cand, fasthttp.MethodHead, headOut))
	if headOut.Success() {
		fetcher.ReleaseResponseDetails(headOut.Response)
		return true, false
	}

	switch headOut.Kind {
	case fetcher.KindBlocked, fetcher.KindValidation:
		// No point retrying a blocked or malformed target with GET.
		return false, true
	case fetcher.KindClientError:
		// A 4xx is a definitive answer about the resource; only 405 and
		// 501 say anything about the method rather than the target.
		if headOut.StatusCode != fasthttp.StatusMethodNotAllowed &&
			headOut.StatusCode != fasthttp.StatusNotImplemented {
			return false, true
		}
	}

	getOut := n.fetcher.Fetch(ctx, cand, fetcher.Options{
		Method:     fasthttp.MethodGet,
		MaxRetries: 0,
	})
	res.Attempts = append(res.Attempts, attemptOf(cand, fasthttp.MethodGet, getOut))
	if getOut.Success() {
		fetcher.ReleaseResponseDetails(getOut.Response)
		return true, false
	}
	return false, false
}

func attemptOf(url, method string, out fetcher.Outcome) VariantAttempt {
	return VariantAttempt{
		URL:        url,
		Method:     method,
		Kind:       out.Kind,
		Outcome:    out.Kind.String(),
		StatusCode: out.StatusCode,
	}
}

// CachedCanonical returns the cached canonical form for raw, if present.
func (n *Normalizer) CachedCanonical(raw string) (string, bool) {
	v, err := n.cache.Get(CacheKey(raw))
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

// Purge drops all cached canonical forms.
func (n *Normalizer) Purge() {
	n.cache.Purge()
}
