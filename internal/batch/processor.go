package batch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/scrapebatch/scrapebatch/internal/extract"
	"github.com/scrapebatch/scrapebatch/internal/fetcher"
	"github.com/scrapebatch/scrapebatch/internal/normalizer"
	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
	"github.com/scrapebatch/scrapebatch/internal/utils/helpers"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// State is the processor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateRunning
	StatePaused
	StateCompleted
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNoInput is returned for an empty or fully invalid URL list.
var ErrNoInput = errors.New("no processable urls")

// ProgressEvent is one entry in the processor's progress stream.
type ProgressEvent struct {
	Phase      string    `json:"phase"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	Percentage float64   `json:"percentage"`
	Errors     int       `json:"errors"`
	ETAMs      int64     `json:"estimated_time_remaining_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Options tunes one batch run.
type Options struct {
	Concurrency         int
	InputCap            int
	MaxURLLength        int
	MaxItemRetries      int
	ItemBackoffBase     time.Duration
	ItemBackoffMax      time.Duration
	JitterFactor        float64
	SampleLimit         int
	GracefulStopTimeout time.Duration
	Canonicalize        bool
	DiscoverPagination  bool
	// AllowPrivateHosts skips the name-level private-host rejection. Meant
	// for loopback targets during testing; the dial-time guard still runs.
	AllowPrivateHosts bool
	MaxDiscovered       int
	MemoryWarnBytes     uint64
	ProgressBuffer      int
	// OnItemStart and OnItemDone stream per-item lifecycle to the caller
	// as the batch runs. Either may be nil; both are invoked from worker
	// goroutines and must be safe for concurrent use.
	OnItemStart func(url string)
	OnItemDone  func(item ItemResult)
}

func DefaultOptions() Options {
	return Options{
		Concurrency:         8,
		InputCap:            DefaultInputCap,
		MaxURLLength:        DefaultMaxURLLength,
		MaxItemRetries:      2,
		ItemBackoffBase:     250 * time.Millisecond,
		ItemBackoffMax:      10 * time.Second,
		JitterFactor:        0.2,
		SampleLimit:         DefaultSampleLimit,
		GracefulStopTimeout: 10 * time.Second,
		MaxDiscovered:       100,
		MemoryWarnBytes:     512 << 20,
		ProgressBuffer:      64,
	}
}

// ItemResult is the per-URL outcome, delivered in input order.
type ItemResult struct {
	Index      int               `json:"index"`
	URL        string            `json:"url"`
	FinalURL   string            `json:"final_url,omitempty"`
	Record     *extract.Record   `json:"record,omitempty"`
	Category   errtrack.Category `json:"category,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	Discovered []string          `json:"discovered,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

func (r ItemResult) Failed() bool { return r.Error != "" }

// Result is the assembled batch outcome.
type Result struct {
	SourceURLs     []string          `json:"source_urls"`
	ProcessedURLs  []string          `json:"processed_urls"`
	DiscoveredURLs []string          `json:"discovered_urls"`
	Records        []*extract.Record `json:"records"`
	Items          []ItemResult      `json:"items"`
	ErrorReport    ErrorReport       `json:"error_report"`
	Invalid        []InvalidInput    `json:"invalid,omitempty"`
	Duplicates     int               `json:"duplicates"`
	Truncated      int               `json:"truncated"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
}

// Processor drives one batch through the worker pool. A Processor runs a
// single Process call; create a fresh one per batch.
type Processor struct {
	fetch *fetcher.Fetcher
	norm  *normalizer.Normalizer
	opts  Options

	state  atomic.Int32
	gate   *pauseGate
	cancel context.CancelFunc

	progress  chan ProgressEvent
	completed atomic.Int64
	failures  atomic.Int64
	total     atomic.Int64

	submittedTasks atomic.Uint64
	finishedTasks  atomic.Uint64
	peakRate       atomic.Uint64
	startedAt      time.Time

	durMu   sync.Mutex
	durRing [20]time.Duration
	durLen  int
	durNext int
}

func NewProcessor(f *fetcher.Fetcher, n *normalizer.Normalizer, opts Options) *Processor {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.InputCap <= 0 {
		opts.InputCap = def.InputCap
	}
	if opts.MaxURLLength <= 0 {
		opts.MaxURLLength = def.MaxURLLength
	}
	if opts.MaxItemRetries < 0 {
		opts.MaxItemRetries = def.MaxItemRetries
	}
	if opts.ItemBackoffBase <= 0 {
		opts.ItemBackoffBase = def.ItemBackoffBase
	}
	if opts.ItemBackoffMax <= 0 {
		opts.ItemBackoffMax = def.ItemBackoffMax
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = def.SampleLimit
	}
	if opts.GracefulStopTimeout <= 0 {
		opts.GracefulStopTimeout = def.GracefulStopTimeout
	}
	if opts.MaxDiscovered <= 0 {
		opts.MaxDiscovered = def.MaxDiscovered
	}
	if opts.MemoryWarnBytes == 0 {
		opts.MemoryWarnBytes = def.MemoryWarnBytes
	}
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = def.ProgressBuffer
	}

	return &Processor{
		fetch:    f,
		norm:     n,
		opts:     opts,
		gate:     newPauseGate(),
		progress: make(chan ProgressEvent, opts.ProgressBuffer),
	}
}

// Progress returns the event stream. Closed when Process finishes.
func (p *Processor) Progress() <-chan ProgressEvent { return p.progress }

func (p *Processor) State() State { return State(p.state.Load()) }

func (p *Processor) setState(s State) {
	p.state.Store(int32(s))
}

// Pause suspends item pickup. Idempotent; a no-op unless Running.
func (p *Processor) Pause() {
	if p.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		p.gate.pause()
		p.emit("paused")
	}
}

// Resume reverses Pause. Idempotent; a no-op unless Paused.
func (p *Processor) Resume() {
	if p.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		p.gate.resume()
		p.emit("running")
	}
}

// Stop initiates graceful shutdown: no new items start, in-flight work
// gets GracefulStopTimeout to drain before the context is cancelled.
// Idempotent; safe in any state.
func (p *Processor) Stop() {
	switch p.State() {
	case StateCompleted, StateFailed, StateStopped, StateIdle:
		return
	}
	p.setState(StateStopped)
	p.gate.resume()
	if p.cancel != nil {
		// Firing after Process already returned is harmless; the run
		// context is cancelled on exit anyway.
		time.AfterFunc(p.opts.GracefulStopTimeout, p.cancel)
	}
}

// Process runs the batch. Results arrive in input order for source URLs,
// with pagination-discovered URLs appended behind them.
func (p *Processor) Process(ctx context.Context, urls []string, ex extract.Extractor) (*Result, error) {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateValidating)) {
		return nil, fmt.Errorf("processor already used (state %s)", p.State())
	}
	p.startedAt = time.Now()
	defer close(p.progress)

	if len(urls) == 0 {
		p.setState(StateFailed)
		return nil, fmt.Errorf("%w: empty url list", ErrNoInput)
	}

	prep := prepareInput(urls, p.opts.InputCap, p.opts.MaxURLLength, p.opts.AllowPrivateHosts)
	if len(prep.Items) == 0 {
		p.setState(StateFailed)
		return nil, fmt.Errorf("%w: all %d urls invalid or duplicate", ErrNoInput, len(urls))
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	p.total.Store(int64(len(prep.Items)))
	p.setState(StateRunning)
	p.emit("running")

	stopProbe := p.startMemoryProbe(runCtx)
	defer stopProbe()

	// The pool deliberately runs without a context: a cancelled pond pool
	// abandons queued tasks and the group wait would never return. Queued
	// items instead fast-fail inside processItem, so every slot ends up
	// with a populated result and Wait always completes.
	pool := pond.NewPool(p.opts.Concurrency)

	// Wave 1: source URLs into pre-sized slots keyed by input index.
	items := make([]ItemResult, len(prep.Items))
	group := pool.NewGroup()
	for i, u := range prep.Items {
		i, u := i, u
		p.submittedTasks.Add(1)
		group.Submit(func() {
			items[i] = p.processItem(runCtx, i, u, ex)
			p.onItemDone(items[i])
		})
	}
	_ = group.Wait()

	// Wave 2: pagination-discovered URLs, deduped against the sources.
	discovered := p.collectDiscovered(prep, items)
	var extra []ItemResult
	if len(discovered) > 0 && runCtx.Err() == nil && p.State() != StateStopped {
		p.total.Add(int64(len(discovered)))
		extra = make([]ItemResult, len(discovered))
		g2 := pool.NewGroup()
		for i, u := range discovered {
			i, u := i, u
			p.submittedTasks.Add(1)
			g2.Submit(func() {
				extra[i] = p.processItem(runCtx, len(items)+i, u, ex)
				p.onItemDone(extra[i])
			})
		}
		_ = g2.Wait()
	}
	pool.StopAndWait()

	res := p.assemble(urls, prep, items, extra, discovered)

	if p.State() == StateStopped || runCtx.Err() != nil {
		if p.State() != StateStopped {
			p.setState(StateStopped)
		}
		p.emit("stopped")
	} else {
		p.setState(StateCompleted)
		p.emit("completed")
	}
	return res, nil
}

// processItem handles one URL: canonicalize when enabled, fetch with
// item-level retries, extract, optionally discover pagination.
func (p *Processor) processItem(ctx context.Context, index int, rawURL string, ex extract.Extractor) ItemResult {
	start := time.Now()
	item := ItemResult{Index: index, URL: rawURL}
	defer func() { item.Duration = time.Since(start) }()

	// Stopped is checked alongside the context: during the graceful drain
	// the context is still live, yet queued items must not start.
	if p.State() == StateStopped || !p.gate.wait(ctx) {
		item.Category = errtrack.CategoryUnknown
		item.Error = "cancelled"
		return item
	}
	if fn := p.opts.OnItemStart; fn != nil {
		fn(rawURL)
	}

	target := rawURL
	if p.opts.Canonicalize && p.norm != nil {
		if cr := p.norm.Canonicalize(ctx, rawURL); cr.CanonicalURL != "" {
			target = cr.CanonicalURL
		}
	}
	item.FinalURL = target

	corr := helpers.GenerateRandomString(8)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil || (attempt > 0 && p.State() == StateStopped) {
			item.Category = errtrack.CategoryUnknown
			item.Error = "cancelled"
			return item
		}

		out := p.fetch.Fetch(ctx, target, fetcher.Options{
			MaxRetries:    -1,
			CorrelationID: corr,
		})
		item.Attempts += out.Attempts
		item.StatusCode = out.StatusCode

		if out.Success() {
			p.finishItem(ctx, &item, out, ex)
			return item
		}

		item.Category = out.Category()
		item.Error = outcomeMessage(out)

		if out.Kind == fetcher.KindCircuitOpen {
			// Terminal for this batch; the host needs its reset window.
			item.Error = "host circuit open"
			return item
		}
		if !out.Retryable() || attempt >= p.opts.MaxItemRetries {
			return item
		}

		delay := fetcher.BackoffDelay(attempt, p.opts.ItemBackoffBase, p.opts.ItemBackoffMax, p.opts.JitterFactor)
		if !p.sleepPausable(ctx, delay) {
			item.Category = errtrack.CategoryUnknown
			item.Error = "cancelled"
			return item
		}
	}
}

func (p *Processor) finishItem(ctx context.Context, item *ItemResult, out fetcher.Outcome, ex extract.Extractor) {
	rd := out.Response
	defer fetcher.ReleaseResponseDetails(rd)

	item.FinalURL = rd.FinalURL
	item.StatusCode = rd.StatusCode

	if p.opts.DiscoverPagination && p.norm != nil && rd.IsHTML() {
		pr := p.norm.DiscoverPagination(ctx, rd.FinalURL, rd.Body)
		item.Discovered = pr.Pages
	}

	rec, err := ex.Extract(rd.Body, rd.FinalURL)
	if err != nil {
		item.Category = errtrack.CategoryParse
		item.Error = err.Error()
		return
	}
	item.Record = rec
	item.Category = ""
	item.Error = ""
}

// collectDiscovered gathers pagination pages not already in the batch.
func (p *Processor) collectDiscovered(prep PreparedInput, items []ItemResult) []string {
	known := make(map[string]struct{}, len(prep.Normalized))
	for _, n := range prep.Normalized {
		known[n] = struct{}{}
	}

	var out []string
	for _, item := range items {
		for _, d := range item.Discovered {
			u, err := url.Parse(d)
			if err != nil {
				continue
			}
			key := normalizeForDedup(u)
			if _, dup := known[key]; dup {
				continue
			}
			known[key] = struct{}{}
			out = append(out, d)
			if len(out) >= p.opts.MaxDiscovered {
				return out
			}
		}
	}
	return out
}

func (p *Processor) assemble(rawInput []string, prep PreparedInput, items, extra []ItemResult, discovered []string) *Result {
	res := &Result{
		SourceURLs:     append([]string(nil), rawInput...),
		DiscoveredURLs: discovered,
		Items:          append(items, extra...),
		ErrorReport:    newErrorReport(),
		Invalid:        prep.Invalid,
		Duplicates:     prep.Duplicates,
		Truncated:      prep.Truncated,
		StartedAt:      p.startedAt,
		EndedAt:        time.Now(),
	}

	for _, item := range res.Items {
		res.ProcessedURLs = append(res.ProcessedURLs, item.URL)
		if item.Record != nil {
			res.Records = append(res.Records, item.Record)
		}
		if item.Failed() {
			res.ErrorReport.record(FailureSample{
				URL:        item.URL,
				Host:       hostOf(item.URL),
				Category:   item.Category,
				StatusCode: item.StatusCode,
				Message:    item.Error,
				Attempts:   item.Attempts,
				At:         time.Now(),
			}, p.opts.SampleLimit)
		}
	}
	buildRecommendations(&res.ErrorReport, len(res.Items))
	return res
}

func (p *Processor) onItemDone(item ItemResult) {
	p.completed.Add(1)
	p.finishedTasks.Add(1)
	if item.Failed() {
		p.failures.Add(1)
	}
	if fn := p.opts.OnItemDone; fn != nil {
		fn(item)
	}

	p.durMu.Lock()
	p.durRing[p.durNext] = item.Duration
	p.durNext = (p.durNext + 1) % len(p.durRing)
	if p.durLen < len(p.durRing) {
		p.durLen++
	}
	p.durMu.Unlock()

	if rate := p.RequestRate(); rate > float64(p.peakRate.Load()) {
		p.peakRate.Store(uint64(rate))
	}
	p.emit(p.State().String())
}

// RequestRate reports finished items per second since the run started.
func (p *Processor) RequestRate() float64 {
	elapsed := time.Since(p.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.finishedTasks.Load()) / elapsed
}

// PeakRequestRate reports the highest observed rate.
func (p *Processor) PeakRequestRate() float64 { return float64(p.peakRate.Load()) }

func (p *Processor) emit(phase string) {
	completed := int(p.completed.Load())
	total := int(p.total.Load())
	ev := ProgressEvent{
		Phase:     phase,
		Completed: completed,
		Total:     total,
		Errors:    int(p.failures.Load()),
		Timestamp: time.Now(),
	}
	if total > 0 {
		ev.Percentage = 100 * float64(completed) / float64(total)
	}
	if eta := p.estimateETA(completed, total); eta > 0 {
		ev.ETAMs = eta.Milliseconds()
	}

	select {
	case p.progress <- ev:
	default:
		// Slow consumers lose intermediate events, never block workers.
	}
}

func (p *Processor) estimateETA(completed, total int) time.Duration {
	remaining := total - completed
	if remaining <= 0 {
		return 0
	}
	p.durMu.Lock()
	defer p.durMu.Unlock()
	if p.durLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.durLen; i++ {
		sum += p.durRing[i]
	}
	avg := sum / time.Duration(p.durLen)
	return avg * time.Duration(remaining) / time.Duration(p.opts.Concurrency)
}

// sleepPausable waits d, additionally honoring pause and cancellation.
func (p *Processor) sleepPausable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	return p.gate.wait(ctx)
}

func (p *Processor) startMemoryProbe(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				if ms.HeapAlloc > p.opts.MemoryWarnBytes {
					logger.Warning().Msgf("heap usage %s above threshold %s",
						helpers.FormatBytesH(int64(ms.HeapAlloc)),
						helpers.FormatBytesH(int64(p.opts.MemoryWarnBytes)))
					p.emit("memory-warning")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func outcomeMessage(out fetcher.Outcome) string {
	switch {
	case out.Err != nil:
		return out.Err.Error()
	case out.Reason != "":
		return out.Reason
	case out.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", out.Kind, out.StatusCode)
	default:
		return out.Kind.String()
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// pauseGate blocks workers while the processor is paused.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// Already paused.
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// wait returns false when ctx ended before the gate opened.
func (g *pauseGate) wait(ctx context.Context) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
