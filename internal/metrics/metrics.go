package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// responseTimeWindow keeps the last N response times for one host.
const responseTimeWindow = 64

// Collector aggregates engine counters. Hot-path increments are atomic or
// take a narrow per-host lock; Snapshot copies everything out for reporting.
// Every counter is mirrored into Prometheus so the /metrics endpoint and the
// in-process snapshot never disagree.
type Collector struct {
	requestsTotal      atomic.Uint64
	rateLimitHits      atomic.Uint64
	retriesTotal       atomic.Uint64
	deferralsTotal     atomic.Uint64
	timeoutsTotal      atomic.Uint64
	circuitOpenedTotal atomic.Uint64
	circuitClosedTotal atomic.Uint64
	activeRequests     atomic.Int64

	mu         sync.RWMutex
	byHost     map[string]*hostCounters
	byClass    map[string]uint64
	retryByWhy map[string]uint64

	promRequests    *prometheus.CounterVec
	promRetries     *prometheus.CounterVec
	promRateLimit   prometheus.Counter
	promDeferrals   prometheus.Counter
	promTimeouts    prometheus.Counter
	promCircuit     *prometheus.CounterVec
	promActive      prometheus.Gauge
	promRespLatency *prometheus.HistogramVec
}

type hostCounters struct {
	requests      uint64
	failures      uint64
	responseTimes [responseTimeWindow]time.Duration
	rtCount       int
	rtNext        int
}

// HostSnapshot is the per-host view handed to reports.
type HostSnapshot struct {
	Requests        uint64        `json:"requests"`
	Failures        uint64        `json:"failures"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	RequestsTotal      uint64                  `json:"requests_total"`
	RateLimitHits      uint64                  `json:"rate_limit_hits"`
	RetriesTotal       uint64                  `json:"retries_total"`
	DeferralsTotal     uint64                  `json:"deferrals_total"`
	TimeoutsTotal      uint64                  `json:"timeouts_total"`
	CircuitOpenedTotal uint64                  `json:"circuit_opened_total"`
	CircuitClosedTotal uint64                  `json:"circuit_closed_total"`
	ActiveRequests     int64                   `json:"active_requests"`
	ByStatusClass      map[string]uint64       `json:"by_status_class"`
	RetriesByReason    map[string]uint64       `json:"retries_by_reason"`
	Hosts              map[string]HostSnapshot `json:"hosts"`
}

// NewCollector builds a collector and registers its Prometheus mirror on reg.
// A nil reg skips registration (tests that only want the snapshot side).
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		byHost:     make(map[string]*hostCounters),
		byClass:    make(map[string]uint64),
		retryByWhy: make(map[string]uint64),

		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapebatch_requests_total",
			Help: "HTTP requests issued, by host and status class.",
		}, []string{"host", "class"}),
		promRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapebatch_retries_total",
			Help: "Retry attempts, by reason.",
		}, []string{"reason"}),
		promRateLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapebatch_rate_limit_hits_total",
			Help: "Responses with status 429.",
		}),
		promDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapebatch_deferrals_total",
			Help: "Requests deferred waiting for a host token.",
		}),
		promTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapebatch_timeouts_total",
			Help: "Requests that exceeded their deadline.",
		}),
		promCircuit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapebatch_circuit_transitions_total",
			Help: "Circuit breaker transitions, by direction.",
		}, []string{"transition"}),
		promActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapebatch_active_requests",
			Help: "Requests currently in flight.",
		}),
		promRespLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapebatch_response_seconds",
			Help:    "Response time per host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.promRequests, c.promRetries, c.promRateLimit, c.promDeferrals,
			c.promTimeouts, c.promCircuit, c.promActive, c.promRespLatency,
		)
	}
	return c
}

func statusClass(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "5xx"
	case statusCode >= 400:
		return "4xx"
	case statusCode >= 300:
		return "3xx"
	case statusCode >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// RecordRequest tracks one completed request attempt.
func (c *Collector) RecordRequest(host string, statusCode int, elapsed time.Duration, failed bool) {
	c.requestsTotal.Add(1)
	class := statusClass(statusCode)

	c.mu.Lock()
	c.byClass[class]++
	hc := c.byHost[host]
	if hc == nil {
		hc = &hostCounters{}
		c.byHost[host] = hc
	}
	hc.requests++
	if failed {
		hc.failures++
	}
	hc.responseTimes[hc.rtNext] = elapsed
	hc.rtNext = (hc.rtNext + 1) % responseTimeWindow
	if hc.rtCount < responseTimeWindow {
		hc.rtCount++
	}
	c.mu.Unlock()

	c.promRequests.WithLabelValues(host, class).Inc()
	c.promRespLatency.WithLabelValues(host).Observe(elapsed.Seconds())
}

func (c *Collector) RecordRateLimitHit() {
	c.rateLimitHits.Add(1)
	c.promRateLimit.Inc()
}

func (c *Collector) RecordRetry(reason string) {
	c.retriesTotal.Add(1)
	c.mu.Lock()
	c.retryByWhy[reason]++
	c.mu.Unlock()
	c.promRetries.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordDeferral() {
	c.deferralsTotal.Add(1)
	c.promDeferrals.Inc()
}

func (c *Collector) RecordTimeout() {
	c.timeoutsTotal.Add(1)
	c.promTimeouts.Inc()
}

// RecordCircuitTransition tracks opened/closed flips per host breaker.
func (c *Collector) RecordCircuitTransition(opened bool) {
	if opened {
		c.circuitOpenedTotal.Add(1)
		c.promCircuit.WithLabelValues("opened").Inc()
	} else {
		c.circuitClosedTotal.Add(1)
		c.promCircuit.WithLabelValues("closed").Inc()
	}
}

func (c *Collector) IncActive() {
	c.activeRequests.Add(1)
	c.promActive.Inc()
}

func (c *Collector) DecActive() {
	c.activeRequests.Add(-1)
	c.promActive.Dec()
}

func (c *Collector) ActiveRequests() int64 {
	return c.activeRequests.Load()
}

// Snapshot copies all counters into a report-friendly struct.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		RequestsTotal:      c.requestsTotal.Load(),
		RateLimitHits:      c.rateLimitHits.Load(),
		RetriesTotal:       c.retriesTotal.Load(),
		DeferralsTotal:     c.deferralsTotal.Load(),
		TimeoutsTotal:      c.timeoutsTotal.Load(),
		CircuitOpenedTotal: c.circuitOpenedTotal.Load(),
		CircuitClosedTotal: c.circuitClosedTotal.Load(),
		ActiveRequests:     c.activeRequests.Load(),
		ByStatusClass:      make(map[string]uint64),
		RetriesByReason:    make(map[string]uint64),
		Hosts:              make(map[string]HostSnapshot),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for k, v := range c.byClass {
		snap.ByStatusClass[k] = v
	}
	for k, v := range c.retryByWhy {
		snap.RetriesByReason[k] = v
	}
	for host, hc := range c.byHost {
		var total time.Duration
		for i := 0; i < hc.rtCount; i++ {
			total += hc.responseTimes[i]
		}
		hs := HostSnapshot{Requests: hc.requests, Failures: hc.failures}
		if hc.rtCount > 0 {
			hs.AvgResponseTime = total / time.Duration(hc.rtCount)
		}
		snap.Hosts[host] = hs
	}
	return snap
}
