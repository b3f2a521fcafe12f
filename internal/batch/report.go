package batch

import (
	"fmt"
	"sort"
	"time"

	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
)

// DefaultSampleLimit bounds detailed failure samples in a report.
const DefaultSampleLimit = 50

// FailureSample is one detailed failure kept for the report.
type FailureSample struct {
	URL        string            `json:"url"`
	Host       string            `json:"host"`
	Category   errtrack.Category `json:"category"`
	StatusCode int               `json:"status_code,omitempty"`
	Message    string            `json:"message"`
	Attempts   int               `json:"attempts"`
	At         time.Time         `json:"at"`
}

// ErrorReport aggregates per-item failures for one batch.
type ErrorReport struct {
	ByCategory      map[errtrack.Category]int `json:"by_category"`
	ByHost          map[string]int            `json:"by_host"`
	Samples         []FailureSample           `json:"samples"`
	Recommendations []string                  `json:"recommendations"`
}

func newErrorReport() ErrorReport {
	return ErrorReport{
		ByCategory: make(map[errtrack.Category]int),
		ByHost:     make(map[string]int),
	}
}

func (r *ErrorReport) record(s FailureSample, sampleLimit int) {
	r.ByCategory[s.Category]++
	if s.Host != "" {
		r.ByHost[s.Host]++
	}
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	if len(r.Samples) < sampleLimit {
		r.Samples = append(r.Samples, s)
	}
}

// Total counts all recorded failures across categories.
func (r *ErrorReport) Total() int {
	n := 0
	for _, c := range r.ByCategory {
		n += c
	}
	return n
}

// recommendationThresholds trigger a suggestion when a category's share of
// processed items crosses the ratio (with a minimum absolute count).
var recommendationRules = []struct {
	category errtrack.Category
	minCount int
	ratio    float64
	advice   string
}{
	{errtrack.CategoryTimeout, 3, 0.2, "many timeouts: raise HTTP_DEADLINE_MS or reduce concurrency"},
	{errtrack.CategoryRateLimitExhausted, 3, 0.1, "rate limiting exhausted retries: lower HTTP_RATE_LIMIT_PER_SEC or add a per-host override"},
	{errtrack.CategoryHTTP5xx, 3, 0.2, "frequent 5xx responses: the target may be overloaded, retry the batch later"},
	{errtrack.CategoryNetwork, 3, 0.2, "network errors dominate: check connectivity and host circuit breakers"},
	{errtrack.CategoryBlocked, 1, 0.05, "blocked destinations present: review FETCH_URL_DENYLIST and private-host rules"},
	{errtrack.CategoryParse, 5, 0.3, "extraction failing often: the site layout may have changed for this mode"},
	{errtrack.CategoryHTTP4xx, 5, 0.3, "many 4xx responses: the URL list may be stale"},
}

// buildRecommendations inspects category counts against the processed total.
func buildRecommendations(report *ErrorReport, processed int) {
	if processed == 0 {
		return
	}
	for _, rule := range recommendationRules {
		count := report.ByCategory[rule.category]
		if count >= rule.minCount && float64(count) >= rule.ratio*float64(processed) {
			report.Recommendations = append(report.Recommendations, rule.advice)
		}
	}

	// One dominant failing host gets its own callout.
	type hostCount struct {
		host  string
		count int
	}
	hosts := make([]hostCount, 0, len(report.ByHost))
	for h, c := range report.ByHost {
		hosts = append(hosts, hostCount{h, c})
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].count > hosts[j].count })
	if len(hosts) > 0 && hosts[0].count >= 5 && float64(hosts[0].count) >= 0.5*float64(report.Total()) {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("host %s accounts for most failures: consider a HOST_LIMIT__ override or excluding it", hosts[0].host))
	}
}
