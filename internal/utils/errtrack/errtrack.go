package errtrack

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

// Category buckets every per-item failure for reporting. Keep these in sync
// with the recommendation thresholds in the batch processor.
type Category string

const (
	CategoryNetwork            Category = "network"
	CategoryTimeout            Category = "timeout"
	CategoryRateLimitExhausted Category = "rate-limit-exhausted"
	CategoryHTTP4xx            Category = "http-4xx"
	CategoryHTTP5xx            Category = "http-5xx"
	CategoryParse              Category = "parse"
	CategoryValidation         Category = "validation"
	CategoryBlocked            Category = "blocked"
	CategoryUnknown            Category = "unknown"
)

// ErrorContext holds metadata about where/when the error occurred.
type ErrorContext struct {
	Host          string    `json:"host"`
	URL           string    `json:"url"`
	JobID         string    `json:"job_id,omitempty"`
	ErrorSource   string    `json:"error_source"`
	Category      Category  `json:"category"`
	StatusCode    int       `json:"status_code,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HostStats tracks per-host error statistics.
type HostStats struct {
	FirstError     time.Time           `json:"first_error"`
	LastError      time.Time           `json:"last_error"`
	ErrorCount     uint32              `json:"error_count"`
	ByCategory     map[Category]uint32 `json:"by_category"`
	LastStatusCode int                 `json:"last_status_code"`
}

// Stats holds aggregate counters across all hosts.
type Stats struct {
	TotalErrors    uint64    `json:"total_errors"`
	FirstErrorTime time.Time `json:"first_error"`
	LastErrorTime  time.Time `json:"last_error"`
	UniqueHosts    uint64    `json:"unique_hosts"`
}

// Tracker records categorized errors with bounded context retention.
// Contexts live in a fastcache sized at construction; counters are exact.
type Tracker struct {
	cache       *fastcache.Cache
	mu          sync.RWMutex
	stats       Stats
	byCategory  map[Category]uint64
	hostStats   map[string]*HostStats
	whitelist   map[string]struct{}
	whitelistMu sync.RWMutex
	seq         atomic.Uint64
}

func NewTracker(cacheSizeMB int) *Tracker {
	if cacheSizeMB <= 0 {
		cacheSizeMB = 32
	}
	t := &Tracker{
		cache:      fastcache.New(cacheSizeMB * 1024 * 1024),
		byCategory: make(map[Category]uint64),
		hostStats:  make(map[string]*HostStats),
		whitelist:  make(map[string]struct{}),
	}
	return t
}

// AddWhitelistedErrors marks error strings that should be recorded nowhere.
func (t *Tracker) AddWhitelistedErrors(errs ...string) {
	t.whitelistMu.Lock()
	defer t.whitelistMu.Unlock()

	for _, e := range errs {
		t.whitelist[e] = struct{}{}
	}
}

func (t *Tracker) IsWhitelisted(err error) bool {
	if err == nil {
		return true
	}
	t.whitelistMu.RLock()
	defer t.whitelistMu.RUnlock()

	_, ok := t.whitelist[err.Error()]
	return ok
}

// Record tracks one categorized error occurrence.
func (t *Tracker) Record(err error, ctx ErrorContext) {
	if err == nil || t.IsWhitelisted(err) {
		return
	}

	ctx.Timestamp = time.Now()
	if ctx.Category == "" {
		ctx.Category = CategoryUnknown
	}

	t.mu.Lock()
	t.stats.TotalErrors++
	if t.stats.FirstErrorTime.IsZero() {
		t.stats.FirstErrorTime = ctx.Timestamp
	}
	t.stats.LastErrorTime = ctx.Timestamp
	t.byCategory[ctx.Category]++

	hs := t.hostStats[ctx.Host]
	if hs == nil {
		hs = &HostStats{
			FirstError: ctx.Timestamp,
			ByCategory: make(map[Category]uint32),
		}
		t.hostStats[ctx.Host] = hs
		t.stats.UniqueHosts++
	}
	hs.LastError = ctx.Timestamp
	hs.ErrorCount++
	hs.ByCategory[ctx.Category]++
	if ctx.StatusCode != 0 {
		hs.LastStatusCode = ctx.StatusCode
	}
	t.mu.Unlock()

	contextJSON, _ := json.Marshal(ctx)
	key := fmt.Sprintf("%s:%d", err.Error(), t.seq.Add(1))
	t.cache.Set([]byte(key), contextJSON)
}

// CategoryCounts returns a copy of the per-category totals.
func (t *Tracker) CategoryCounts() map[Category]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[Category]uint64, len(t.byCategory))
	for k, v := range t.byCategory {
		out[k] = v
	}
	return out
}

// HostCounts returns per-host error totals.
func (t *Tracker) HostCounts() map[string]uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]uint32, len(t.hostStats))
	for host, hs := range t.hostStats {
		out[host] = hs.ErrorCount
	}
	return out
}

// GetHostStats returns statistics for a single host, or nil.
func (t *Tracker) GetHostStats(host string) *HostStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hostStats[host]
}

// ExportStats serializes all statistics as indented JSON.
func (t *Tracker) ExportStats() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	export := struct {
		GlobalStats Stats                 `json:"global_stats"`
		ByCategory  map[Category]uint64   `json:"by_category"`
		HostStats   map[string]*HostStats `json:"host_stats"`
		Timestamp   time.Time             `json:"timestamp"`
	}{
		GlobalStats: t.stats,
		ByCategory:  t.byCategory,
		HostStats:   t.hostStats,
		Timestamp:   time.Now(),
	}

	return json.MarshalIndent(export, "", "  ")
}

// Reset clears all counters and cached contexts.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stats = Stats{}
	t.byCategory = make(map[Category]uint64)
	t.hostStats = make(map[string]*HostStats)
	t.mu.Unlock()
	t.cache.Reset()
}

func (t *Tracker) Close() {
	if t.cache != nil {
		t.cache.Reset()
	}
}
