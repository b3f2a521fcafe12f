package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
)

func sampleFor(host string, cat errtrack.Category) FailureSample {
	return FailureSample{
		URL:      "http://" + host + "/x",
		Host:     host,
		Category: cat,
		Message:  "boom",
		At:       time.Now(),
	}
}

func TestErrorReportCounts(t *testing.T) {
	r := newErrorReport()
	r.record(sampleFor("a.example.com", errtrack.CategoryTimeout), 0)
	r.record(sampleFor("a.example.com", errtrack.CategoryTimeout), 0)
	r.record(sampleFor("b.example.com", errtrack.CategoryHTTP5xx), 0)

	assert.Equal(t, 3, r.Total())
	assert.Equal(t, 2, r.ByCategory[errtrack.CategoryTimeout])
	assert.Equal(t, 1, r.ByCategory[errtrack.CategoryHTTP5xx])
	assert.Equal(t, 2, r.ByHost["a.example.com"])
	assert.Len(t, r.Samples, 3)
}

func TestErrorReportSampleLimit(t *testing.T) {
	r := newErrorReport()
	for i := 0; i < 10; i++ {
		r.record(sampleFor(fmt.Sprintf("h%d.example.com", i), errtrack.CategoryNetwork), 4)
	}

	assert.Equal(t, 10, r.Total(), "counts keep going past the sample limit")
	assert.Len(t, r.Samples, 4)
}

func TestRecommendationsTimeouts(t *testing.T) {
	r := newErrorReport()
	for i := 0; i < 4; i++ {
		r.record(sampleFor(fmt.Sprintf("h%d.example.com", i), errtrack.CategoryTimeout), 0)
	}

	buildRecommendations(&r, 10)
	assert.Len(t, r.Recommendations, 1)
	assert.Contains(t, r.Recommendations[0], "HTTP_DEADLINE_MS")
}

func TestRecommendationsBelowThreshold(t *testing.T) {
	r := newErrorReport()
	r.record(sampleFor("h.example.com", errtrack.CategoryTimeout), 0)

	buildRecommendations(&r, 100)
	assert.Empty(t, r.Recommendations)
}

func TestRecommendationsDominantHost(t *testing.T) {
	r := newErrorReport()
	for i := 0; i < 6; i++ {
		r.record(sampleFor("flaky.example.com", errtrack.CategoryHTTP5xx), 0)
	}
	r.record(sampleFor("other.example.com", errtrack.CategoryHTTP4xx), 0)

	buildRecommendations(&r, 20)

	var found bool
	for _, rec := range r.Recommendations {
		if rec == "host flaky.example.com accounts for most failures: consider a HOST_LIMIT__ override or excluding it" {
			found = true
		}
	}
	assert.True(t, found, "recommendations: %v", r.Recommendations)
}

func TestRecommendationsNoProcessedItems(t *testing.T) {
	r := newErrorReport()
	r.record(sampleFor("h.example.com", errtrack.CategoryBlocked), 0)
	buildRecommendations(&r, 0)
	assert.Empty(t, r.Recommendations)
}
