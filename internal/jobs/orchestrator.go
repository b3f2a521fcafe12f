package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/scrapebatch/scrapebatch/internal/batch"
	"github.com/scrapebatch/scrapebatch/internal/extract"
	"github.com/scrapebatch/scrapebatch/internal/fetcher"
	"github.com/scrapebatch/scrapebatch/internal/normalizer"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

var (
	// ErrJobNotFound is returned for unknown or evicted job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCompleted is returned when a download is requested before the
	// job reaches Completed.
	ErrNotCompleted = errors.New("job not completed")
)

// ValidationError carries field-level details for a rejected StartJob.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job input: %v", e.Details)
}

// Options configures the orchestrator.
type Options struct {
	ProcessorOptions batch.Options
	// Retention bounds how long terminal jobs stay readable.
	Retention time.Duration
	// MaxJobs caps stored jobs; oldest terminal jobs are evicted first.
	MaxJobs int
	// CancelWait bounds how long CancelJob waits for a graceful stop.
	CancelWait time.Duration
}

func DefaultOptions() Options {
	return Options{
		ProcessorOptions: batch.DefaultOptions(),
		Retention:        time.Hour,
		MaxJobs:          256,
		CancelWait:       10 * time.Second,
	}
}

// Orchestrator owns jobs: creation, lifecycle transitions, cancellation,
// and retention. Each job runs one batch processor in the background.
type Orchestrator struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	fetch      *fetcher.Fetcher
	norm       *normalizer.Normalizer
	extractors *extract.Registry
	log        *JobLog
	opts       Options

	stop     chan struct{}
	stopOnce sync.Once
}

func NewOrchestrator(f *fetcher.Fetcher, n *normalizer.Normalizer, reg *extract.Registry, log *JobLog, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = def.MaxJobs
	}
	if opts.CancelWait <= 0 {
		opts.CancelWait = def.CancelWait
	}
	o := &Orchestrator{
		jobs:       make(map[string]*Job),
		fetch:      f,
		norm:       n,
		extractors: reg,
		log:        log,
		opts:       opts,
		stop:       make(chan struct{}),
	}
	go o.retentionLoop()
	return o
}

// StartJob validates input, snapshots it, creates the job in Pending, and
// launches the background run. Returns the job id immediately.
func (o *Orchestrator) StartJob(input Input) (string, error) {
	var details []string
	if input.Mode == "" {
		details = append(details, "mode is required")
	}
	var ex extract.Extractor
	if input.Mode != "" {
		var err error
		ex, err = o.extractors.Get(input.Mode)
		if err != nil {
			details = append(details, err.Error())
		}
	}
	if len(input.URLs) == 0 {
		details = append(details, "urls must not be empty")
	}
	if len(details) > 0 {
		return "", &ValidationError{Details: details}
	}

	job := &Job{
		ID:            uuid.NewString(),
		Mode:          input.Mode,
		state:         StatePending,
		originalInput: input.clone(),
		workingInput:  input.clone(),
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	go o.run(job, ex)
	return job.ID, nil
}

func (o *Orchestrator) run(job *Job, ex extract.Extractor) {
	defer close(job.done)

	if !job.transition(StatePending, StateRunning) {
		// Cancelled before the run started.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Per-item events stream into the job log as the batch runs, not as a
	// summary after it finishes.
	procOpts := o.opts.ProcessorOptions
	procOpts.OnItemStart = func(url string) {
		o.log.Event(job.ID, EventURLProcessing, map[string]any{"url": url})
	}
	procOpts.OnItemDone = func(item batch.ItemResult) {
		if item.Failed() {
			o.log.Event(job.ID, EventURLFailed, map[string]any{
				"url":      item.URL,
				"category": string(item.Category),
				"error":    item.Error,
				"attempts": item.Attempts,
			})
			return
		}
		o.log.Event(job.ID, EventURLSuccess, map[string]any{
			"url":    item.URL,
			"status": item.StatusCode,
		})
	}
	proc := batch.NewProcessor(o.fetch, o.norm, procOpts)

	job.mu.Lock()
	job.cancel = cancel
	job.proc = proc
	job.mu.Unlock()

	o.log.Event(job.ID, EventJobStarted, map[string]any{
		"mode": job.Mode,
		"urls": len(job.workingInput.URLs),
	})
	logger.Info().JobID(job.ID).Msgf("job started: mode=%s urls=%d", job.Mode, len(job.workingInput.URLs))

	// Mirror processor progress into the job while it runs.
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for ev := range proc.Progress() {
			job.setProgress(Progress{Completed: ev.Completed, Total: ev.Total, Errors: ev.Errors})
		}
	}()

	result, err := proc.Process(ctx, job.workingInput.URLs, ex)
	cancel()
	<-progressDone

	job.setResult(result, err)
	if result != nil {
		o.assertSourceIntegrity(job, result)
	}

	switch {
	case err != nil:
		job.transition(StateRunning, StateFailed)
		o.log.Event(job.ID, EventJobFailed, map[string]any{"error": err.Error()})
		logger.Error().JobID(job.ID).Msgf("job failed: %v", err)

	case proc.State() == batch.StateStopped:
		job.transition(StateRunning, StateCancelled)
		o.log.Event(job.ID, EventJobCancelled, nil)
		logger.Warning().JobID(job.ID).Msgf("job cancelled")

	default:
		job.transition(StateRunning, StateCompleted)
		o.log.Event(job.ID, EventJobCompleted, map[string]any{
			"records":    len(result.Records),
			"errors":     result.ErrorReport.Total(),
			"discovered": len(result.DiscoveredURLs),
		})
		logger.Success().JobID(job.ID).Msgf("job completed: %d records, %d errors",
			len(result.Records), result.ErrorReport.Total())
	}
}

// assertSourceIntegrity verifies result.sourceUrls still deep-equals the
// original snapshot after completion.
func (o *Orchestrator) assertSourceIntegrity(job *Job, result *batch.Result) {
	orig := job.OriginalInput().URLs
	if len(orig) != len(result.SourceURLs) {
		logger.Error().JobID(job.ID).Msgf("source url integrity violation: %d != %d",
			len(result.SourceURLs), len(orig))
		return
	}
	for i := range orig {
		if orig[i] != result.SourceURLs[i] {
			logger.Error().JobID(job.ID).Msgf("source url integrity violation at %d: %q != %q",
				i, result.SourceURLs[i], orig[i])
			return
		}
	}
}

func (o *Orchestrator) get(id string) (*Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetStatus returns a snapshot; no side effects.
func (o *Orchestrator) GetStatus(id string) (StatusSnapshot, error) {
	job, err := o.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// CancelJob requests cancellation. Pending jobs cancel directly; Running
// jobs get the cancel signal and a bounded graceful wait; terminal jobs
// report their current state unchanged.
func (o *Orchestrator) CancelJob(id string) (JobState, error) {
	job, err := o.get(id)
	if err != nil {
		return "", err
	}

	if job.transition(StatePending, StateCancelled) {
		o.log.Event(job.ID, EventJobCancelled, map[string]any{"while": "pending"})
		return StateCancelled, nil
	}

	if job.State() == StateRunning {
		job.mu.RLock()
		proc, cancel := job.proc, job.cancel
		job.mu.RUnlock()
		if proc != nil {
			proc.Stop()
		}
		select {
		case <-job.Done():
		case <-time.After(o.opts.CancelWait):
			logger.Warning().JobID(job.ID).Msgf("graceful stop timed out after %s, cancelling hard", o.opts.CancelWait)
			if cancel != nil {
				cancel()
			}
		}
	}
	return job.State(), nil
}

// GetResult renders the completed job's result in the given format.
func (o *Orchestrator) GetResult(id, format string) ([]byte, string, error) {
	job, err := o.get(id)
	if err != nil {
		return nil, "", err
	}
	if job.State() != StateCompleted {
		return nil, "", fmt.Errorf("%w: state is %s", ErrNotCompleted, job.State())
	}
	result := job.Result()
	if result == nil {
		return nil, "", fmt.Errorf("%w: no result attached", ErrNotCompleted)
	}

	switch format {
	case "", "json":
		data, err := exportJSON(result)
		return data, fmt.Sprintf("scrape-%s.json", id), err
	case "csv":
		data, err := exportCSV(result)
		return data, fmt.Sprintf("scrape-%s.csv", id), err
	default:
		return nil, "", fmt.Errorf("unsupported format %q", format)
	}
}

// Jobs lists snapshots of all stored jobs.
func (o *Orchestrator) Jobs() []StatusSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]StatusSnapshot, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

func (o *Orchestrator) retentionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.evict()
		}
	}
}

// evict drops terminal jobs past retention, then trims over MaxJobs
// starting with the oldest terminal ones.
func (o *Orchestrator) evict() {
	cutoff := time.Now().Add(-o.opts.Retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	for id, job := range o.jobs {
		snap := job.Snapshot()
		if snap.Status.Terminal() && snap.EndedAt != nil && snap.EndedAt.Before(cutoff) {
			delete(o.jobs, id)
		}
	}

	for len(o.jobs) > o.opts.MaxJobs {
		var oldestID string
		var oldestAt time.Time
		for id, job := range o.jobs {
			snap := job.Snapshot()
			if !snap.Status.Terminal() {
				continue
			}
			if oldestID == "" || (snap.EndedAt != nil && snap.EndedAt.Before(oldestAt)) {
				oldestID = id
				if snap.EndedAt != nil {
					oldestAt = *snap.EndedAt
				}
			}
		}
		if oldestID == "" {
			return
		}
		delete(o.jobs, oldestID)
	}
}

// Close stops the retention sweeper. Running jobs are unaffected.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
}
