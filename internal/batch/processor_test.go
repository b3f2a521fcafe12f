package batch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapebatch/scrapebatch/internal/config"
	"github.com/scrapebatch/scrapebatch/internal/extract"
	"github.com/scrapebatch/scrapebatch/internal/fetcher"
	"github.com/scrapebatch/scrapebatch/internal/hostpolicy"
	"github.com/scrapebatch/scrapebatch/internal/metrics"
	"github.com/scrapebatch/scrapebatch/internal/normalizer"
	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
)

type stubExtractor struct{}

func (stubExtractor) Mode() string { return "stub" }

func (stubExtractor) Extract(_ []byte, pageURL string) (*extract.Record, error) {
	return &extract.Record{URL: pageURL, Mode: "stub", Title: "stub title"}, nil
}

func newBatchFetcher(t *testing.T, mutate func(*config.Settings)) *fetcher.Fetcher {
	t.Helper()

	s := config.DefaultSettings()
	s.RateLimitPerSec = 1000
	s.Burst = 100
	s.BaseBackoffMS = 10
	s.MaxBackoffMS = 100
	if mutate != nil {
		mutate(s)
	}

	reg := hostpolicy.NewRegistry(s, hostpolicy.RegistryOptions{})
	t.Cleanup(reg.Close)
	tracker := errtrack.NewTracker(8)
	t.Cleanup(tracker.Close)

	return fetcher.NewFetcher(reg,
		fetcher.NewGuard(fetcher.GuardOptions{AllowPrivate: true}),
		metrics.NewCollector(nil), tracker, fetcher.ClientOptions{})
}

func newTestProcessor(t *testing.T, opts Options, mutate func(*config.Settings)) *Processor {
	t.Helper()
	opts.AllowPrivateHosts = true
	if opts.ItemBackoffBase == 0 {
		opts.ItemBackoffBase = 10 * time.Millisecond
	}
	f := newBatchFetcher(t, mutate)
	return NewProcessor(f, normalizer.New(f, normalizer.Options{}), opts)
}

func okServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		fmt.Fprint(w, "<html><body>ok</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Mixed batch across five independent hosts: one clean success, one 429
// that recovers after Retry-After, two clean successes, and one host whose
// 500 trips its breaker immediately. The other hosts stay unaffected and
// results come back in input order with the expected total request count.
func TestProcessMixedBatch(t *testing.T) {
	var total atomic.Int32
	srvA := okServer(t, &total, http.StatusOK)
	srvM := okServer(t, &total, http.StatusOK)
	srvC := okServer(t, &total, http.StatusOK)

	var bCalls atomic.Int32
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		total.Add(1)
		if bCalls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	srvW := okServer(t, &total, http.StatusInternalServerError)

	proc := newTestProcessor(t, Options{Concurrency: 4}, func(s *config.Settings) {
		s.BreakerThreshold = 1
	})

	input := []string{
		srvA.URL + "/a",
		srvB.URL + "/b",
		srvM.URL + "/m",
		srvW.URL + "/w",
		srvC.URL + "/c",
	}
	res, err := proc.Process(context.Background(), input, stubExtractor{})
	require.NoError(t, err)
	require.Len(t, res.Items, 5)

	assert.Equal(t, StateCompleted, proc.State())
	assert.Equal(t, input, res.SourceURLs)
	assert.Equal(t, input, res.ProcessedURLs)

	// Results keep input order regardless of completion order.
	for i, item := range res.Items {
		assert.Equal(t, input[i], item.URL, "slot %d", i)
	}

	assert.Len(t, res.Records, 4)
	for _, i := range []int{0, 1, 2, 4} {
		assert.False(t, res.Items[i].Failed(), "item %d: %s", i, res.Items[i].Error)
		assert.NotNil(t, res.Items[i].Record, "item %d", i)
	}

	failed := res.Items[3]
	assert.True(t, failed.Failed())
	assert.Equal(t, "host circuit open", failed.Error)
	assert.Equal(t, 1, res.ErrorReport.Total())

	// A=1, B=2 (429 then 200), M=1, W=1 (breaker short-circuits the retry), C=1.
	assert.Equal(t, int32(6), total.Load())
	assert.Equal(t, int32(2), bCalls.Load())
}

func TestProcessInputOrderUnderConcurrency(t *testing.T) {
	srv := okServer(t, nil, http.StatusOK)

	var input []string
	for i := 0; i < 16; i++ {
		input = append(input, fmt.Sprintf("%s/item/%d", srv.URL, i))
	}

	proc := newTestProcessor(t, Options{Concurrency: 8}, nil)
	res, err := proc.Process(context.Background(), input, stubExtractor{})
	require.NoError(t, err)

	require.Len(t, res.Items, 16)
	for i, item := range res.Items {
		assert.Equal(t, input[i], item.URL)
		assert.Equal(t, i, item.Index)
	}
}

func TestProcessPaginationDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a rel="next" href="/page/2">next</a></body></html>`)
		case "/page/2":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body>page two</body></html>")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	proc := newTestProcessor(t, Options{Concurrency: 2, DiscoverPagination: true}, nil)
	res, err := proc.Process(context.Background(), []string{srv.URL + "/start"}, stubExtractor{})
	require.NoError(t, err)

	assert.Equal(t, []string{srv.URL + "/page/2"}, res.DiscoveredURLs)
	require.Len(t, res.Items, 2)
	assert.Equal(t, srv.URL+"/start", res.Items[0].URL)
	assert.Equal(t, srv.URL+"/page/2", res.Items[1].URL)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, []string{srv.URL + "/start", srv.URL + "/page/2"}, res.ProcessedURLs)
}

func TestProcessPauseResume(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc := newTestProcessor(t, Options{Concurrency: 1}, nil)

	done := make(chan *Result, 1)
	go func() {
		res, _ := proc.Process(context.Background(), []string{srv.URL + "/1", srv.URL + "/2"}, stubExtractor{})
		done <- res
	}()

	// First request is in flight; pause, then let it finish.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	proc.Pause()
	assert.Equal(t, StatePaused, proc.State())
	close(release)

	// The second item must not start while paused.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	proc.Resume()
	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, StateCompleted, proc.State())
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessStopRetainsCompleted(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc := newTestProcessor(t, Options{Concurrency: 1}, nil)

	input := []string{srv.URL + "/1", srv.URL + "/2", srv.URL + "/3", srv.URL + "/4", srv.URL + "/5"}
	done := make(chan *Result, 1)
	go func() {
		res, _ := proc.Process(context.Background(), input, stubExtractor{})
		done <- res
	}()

	// Item 1 is fully done once item 2 is in flight; stop mid-batch.
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	proc.Stop()
	close(release)

	// Queued items must fast-fail; Process may not sit out the stop timeout.
	var res *Result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Process did not return after Stop")
	}

	require.NotNil(t, res)
	assert.Equal(t, StateStopped, proc.State())
	require.Len(t, res.Items, 5)

	var succeeded, cancelled int
	for i, item := range res.Items {
		assert.Equal(t, input[i], item.URL, "slot %d left unpopulated", i)
		if item.Record != nil {
			succeeded++
		}
		if item.Error == "cancelled" {
			cancelled++
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1, "completed work must be retained")
	assert.GreaterOrEqual(t, cancelled, 2, "pending items must be cancelled")
}

func TestProcessRejectsEmptyAndInvalidInput(t *testing.T) {
	proc := newTestProcessor(t, Options{}, nil)
	_, err := proc.Process(context.Background(), nil, stubExtractor{})
	require.ErrorIs(t, err, ErrNoInput)
	assert.Equal(t, StateFailed, proc.State())

	proc = newTestProcessor(t, Options{}, nil)
	res, err := proc.Process(context.Background(), []string{"javascript:alert(1)", ""}, stubExtractor{})
	require.ErrorIs(t, err, ErrNoInput)
	assert.Nil(t, res)
}

func TestProcessSingleUse(t *testing.T) {
	srv := okServer(t, nil, http.StatusOK)
	proc := newTestProcessor(t, Options{}, nil)

	_, err := proc.Process(context.Background(), []string{srv.URL + "/x"}, stubExtractor{})
	require.NoError(t, err)

	_, err = proc.Process(context.Background(), []string{srv.URL + "/x"}, stubExtractor{})
	require.Error(t, err)
}

func TestProcessProgressEvents(t *testing.T) {
	srv := okServer(t, nil, http.StatusOK)
	proc := newTestProcessor(t, Options{Concurrency: 2}, nil)

	input := []string{srv.URL + "/1", srv.URL + "/2", srv.URL + "/3"}
	res, err := proc.Process(context.Background(), input, stubExtractor{})
	require.NoError(t, err)
	require.NotNil(t, res)

	var events []ProgressEvent
	for ev := range proc.Progress() {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "completed", last.Phase)
	assert.Equal(t, 3, last.Completed)
	assert.Equal(t, 3, last.Total)
	assert.InDelta(t, 100.0, last.Percentage, 0.01)

	for _, ev := range events {
		assert.LessOrEqual(t, ev.Completed, ev.Total)
	}
}

func TestProcessItemCallbacks(t *testing.T) {
	srv := okServer(t, nil, http.StatusOK)

	var mu sync.Mutex
	var starts []string
	var dones []ItemResult
	proc := newTestProcessor(t, Options{
		Concurrency: 2,
		OnItemStart: func(url string) {
			mu.Lock()
			starts = append(starts, url)
			mu.Unlock()
		},
		OnItemDone: func(item ItemResult) {
			mu.Lock()
			dones = append(dones, item)
			mu.Unlock()
		},
	}, nil)

	input := []string{srv.URL + "/1", srv.URL + "/2", srv.URL + "/3"}
	_, err := proc.Process(context.Background(), input, stubExtractor{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, input, starts)
	require.Len(t, dones, 3)
	for _, d := range dones {
		assert.False(t, d.Failed(), "%s: %s", d.URL, d.Error)
	}
}

func TestProcessInvalidEntriesReported(t *testing.T) {
	srv := okServer(t, nil, http.StatusOK)
	proc := newTestProcessor(t, Options{}, nil)

	res, err := proc.Process(context.Background(), []string{
		srv.URL + "/ok",
		"ftp://example.com/file",
		srv.URL + "/ok",
	}, stubExtractor{})
	require.NoError(t, err)

	assert.Len(t, res.Items, 1)
	assert.Len(t, res.Invalid, 1)
	assert.Equal(t, 1, res.Duplicates)
}
