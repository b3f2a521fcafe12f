package hostpolicy

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrapebatch/scrapebatch/internal/config"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// Policy is the resolved per-host parameter set.
type Policy struct {
	RPS              float64
	Burst            int
	Concurrency      int
	MaxRetries       int
	Deadline         time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	JitterFactor     float64
	BreakerThreshold int
	BreakerReset     time.Duration
	HalfOpenMaxCalls int
}

// hostEntry bundles the limiter, breaker, and concurrency gate for one host.
type hostEntry struct {
	policy      Policy
	limiter     *rate.Limiter
	breaker     *Breaker
	slots       chan struct{}
	lastTouched atomic.Int64
	inFlight    atomic.Int32
}

func (e *hostEntry) touch() {
	e.lastTouched.Store(time.Now().UnixNano())
}

// RegistryOptions configures the registry sweeper.
type RegistryOptions struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// OnBreakerTransition observes every breaker flip, for metrics.
	OnBreakerTransition func(host string, from, to BreakerState)
}

func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		IdleTTL:       20 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Registry owns per-host limiters and breakers, created lazily on first use
// and evicted after the idle TTL when nothing is in flight. Settings are
// swappable at runtime (policy file reloads); existing entries keep their
// policy until evicted or explicitly reset.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*hostEntry
	settings atomic.Pointer[config.Settings]
	opts     RegistryOptions

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(settings *config.Settings, opts RegistryOptions) *Registry {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultRegistryOptions().IdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultRegistryOptions().SweepInterval
	}
	r := &Registry{
		entries: make(map[string]*hostEntry),
		opts:    opts,
		stop:    make(chan struct{}),
	}
	r.settings.Store(settings)
	go r.sweepLoop()
	return r
}

// UpdateSettings swaps the settings used for hosts seen after this call.
func (r *Registry) UpdateSettings(s *config.Settings) {
	r.settings.Store(s)
}

// NormalizeHost lowercases and strips default ports. Non-default ports stay
// part of the key so :8080 and :443 traffic get independent budgets.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == "80" || port == "443" {
		return h
	}
	return host
}

// GetPolicy resolves the effective policy for host without creating state.
func (r *Registry) GetPolicy(host string) Policy {
	host = NormalizeHost(host)

	r.mu.RLock()
	if e, ok := r.entries[host]; ok {
		r.mu.RUnlock()
		return e.policy
	}
	r.mu.RUnlock()

	return r.resolvePolicy(host)
}

func (r *Registry) resolvePolicy(host string) Policy {
	s := r.settings.Load()
	p := Policy{
		RPS:              s.RateLimitPerSec,
		Burst:            s.Burst,
		Concurrency:      s.MaxConcurrency,
		MaxRetries:       s.MaxRetries,
		Deadline:         s.Deadline(),
		BaseBackoff:      s.BaseBackoff(),
		MaxBackoff:       s.MaxBackoff(),
		JitterFactor:     s.JitterFactor,
		BreakerThreshold: s.BreakerThreshold,
		BreakerReset:     s.BreakerReset(),
		HalfOpenMaxCalls: s.HalfOpenMaxCalls,
	}

	// Strip any port before the override lookup; overrides are keyed by name.
	bare := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		bare = h
	}
	if ov, ok := s.OverrideFor(bare); ok {
		applyOverride(&p, ov)
	}
	return p
}

func applyOverride(p *Policy, ov config.HostOverride) {
	if ov.RPS != nil && *ov.RPS > 0 {
		p.RPS = *ov.RPS
	}
	if ov.Burst != nil && *ov.Burst > 0 {
		p.Burst = *ov.Burst
	}
	if ov.Concurrency != nil && *ov.Concurrency > 0 {
		p.Concurrency = *ov.Concurrency
	}
	if ov.MaxRetries != nil && *ov.MaxRetries >= 0 {
		p.MaxRetries = *ov.MaxRetries
	}
	if ov.DeadlineMS != nil && *ov.DeadlineMS > 0 {
		p.Deadline = time.Duration(*ov.DeadlineMS) * time.Millisecond
	}
	if ov.BaseBackoffMS != nil && *ov.BaseBackoffMS > 0 {
		p.BaseBackoff = time.Duration(*ov.BaseBackoffMS) * time.Millisecond
	}
	if ov.MaxBackoffMS != nil && *ov.MaxBackoffMS > 0 {
		p.MaxBackoff = time.Duration(*ov.MaxBackoffMS) * time.Millisecond
	}
	if ov.JitterFactor != nil && *ov.JitterFactor >= 0 && *ov.JitterFactor <= 1 {
		p.JitterFactor = *ov.JitterFactor
	}
	if ov.BreakerThreshold != nil && *ov.BreakerThreshold > 0 {
		p.BreakerThreshold = *ov.BreakerThreshold
	}
	if ov.BreakerResetMS != nil && *ov.BreakerResetMS > 0 {
		p.BreakerReset = time.Duration(*ov.BreakerResetMS) * time.Millisecond
	}
	if ov.HalfOpenMaxCalls != nil && *ov.HalfOpenMaxCalls > 0 {
		p.HalfOpenMaxCalls = *ov.HalfOpenMaxCalls
	}
}

func (r *Registry) entry(host string) *hostEntry {
	host = NormalizeHost(host)

	r.mu.RLock()
	e, ok := r.entries[host]
	r.mu.RUnlock()
	if ok {
		e.touch()
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[host]; ok {
		e.touch()
		return e
	}

	p := r.resolvePolicy(host)
	e = &hostEntry{
		policy:  p,
		limiter: rate.NewLimiter(rate.Limit(p.RPS), p.Burst),
		breaker: NewBreaker(p.BreakerThreshold, p.BreakerReset, p.HalfOpenMaxCalls),
		slots:   make(chan struct{}, p.Concurrency),
	}
	if r.opts.OnBreakerTransition != nil {
		h := host
		e.breaker.OnTransition(func(from, to BreakerState) {
			r.opts.OnBreakerTransition(h, from, to)
		})
	}
	e.touch()
	r.entries[host] = e
	return e
}

// GetLimiter returns the host's token bucket, creating it on first use.
func (r *Registry) GetLimiter(host string) *rate.Limiter {
	return r.entry(host).limiter
}

// GetBreaker returns the host's circuit breaker, creating it on first use.
func (r *Registry) GetBreaker(host string) *Breaker {
	return r.entry(host).breaker
}

// AcquireSlot blocks until a per-host concurrency slot is free or ctx ends.
// The returned release func must be called exactly once.
func (r *Registry) AcquireSlot(ctx context.Context, host string) (func(), error) {
	e := r.entry(host)
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.inFlight.Add(1)
	e.touch()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slots
			e.inFlight.Add(-1)
			e.touch()
		})
	}, nil
}

// InFlight reports the current in-flight count for host. Zero for unknown.
func (r *Registry) InFlight(host string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[NormalizeHost(host)]; ok {
		return int(e.inFlight.Load())
	}
	return 0
}

// Hosts returns the hosts currently tracked.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	return out
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.opts.IdleTTL).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()
	for host, e := range r.entries {
		if e.inFlight.Load() != 0 {
			continue
		}
		if e.lastTouched.Load() < cutoff {
			delete(r.entries, host)
			logger.Debug().Host(host).Msgf("evicted idle host policy entry")
		}
	}
}

// Close stops the idle sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
