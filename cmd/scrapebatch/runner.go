package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"

	"github.com/scrapebatch/scrapebatch/internal/batch"
	"github.com/scrapebatch/scrapebatch/internal/config"
	"github.com/scrapebatch/scrapebatch/internal/extract"
	"github.com/scrapebatch/scrapebatch/internal/fetcher"
	"github.com/scrapebatch/scrapebatch/internal/hostpolicy"
	"github.com/scrapebatch/scrapebatch/internal/jobs"
	"github.com/scrapebatch/scrapebatch/internal/metrics"
	"github.com/scrapebatch/scrapebatch/internal/normalizer"
	"github.com/scrapebatch/scrapebatch/internal/utils/errtrack"
	"github.com/scrapebatch/scrapebatch/internal/utils/helpers"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// engine bundles the wired components for one process.
type engine struct {
	settings   *config.Settings
	registry   *hostpolicy.Registry
	fetcher    *fetcher.Fetcher
	normalizer *normalizer.Normalizer
	extractors *extract.Registry
	collector  *metrics.Collector
	tracker    *errtrack.Tracker
}

func buildEngine(opts *cliOptions) (*engine, error) {
	settings := config.DefaultSettings()
	settings.LoadFromEnv()

	policyFile := opts.policyFile
	if policyFile == "" {
		policyFile = settings.PolicyFile
	}
	if policyFile != "" {
		if err := settings.LoadPolicyFile(policyFile); err != nil {
			return nil, err
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if opts.concurrency > 0 {
		settings.MaxConcurrency = opts.concurrency
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	tracker := errtrack.NewTracker(32)
	tracker.AddWhitelistedErrors("context canceled")

	registry := hostpolicy.NewRegistry(settings, hostpolicy.RegistryOptions{
		OnBreakerTransition: func(host string, from, to hostpolicy.BreakerState) {
			collector.RecordCircuitTransition(to == hostpolicy.StateOpen)
			logger.Warning().Host(host).Msgf("circuit breaker %s -> %s", from, to)
		},
	})

	guard := fetcher.NewGuard(fetcher.GuardOptions{
		Denylist:     settings.Denylist,
		AllowPrivate: opts.allowPrivate,
	})

	f := fetcher.NewFetcher(registry, guard, collector, tracker, fetcher.ClientOptions{
		MaxBodyBytes:   settings.MaxBodyBytes,
		MaxRedirects:   settings.MaxRedirects,
		BlockDowngrade: settings.BlockDowngrade,
	})

	return &engine{
		settings:   settings,
		registry:   registry,
		fetcher:    f,
		normalizer: normalizer.New(f, normalizer.DefaultOptions()),
		extractors: extract.DefaultRegistry(),
		collector:  collector,
		tracker:    tracker,
	}, nil
}

func (e *engine) close() {
	e.registry.Close()
	e.tracker.Close()
}

func run(opts *cliOptions) int {
	eng, err := buildEngine(opts)
	if err != nil {
		logger.Error().Msgf("setup failed: %v", err)
		return 1
	}
	defer eng.close()

	if opts.serve {
		return serveAPI(opts, eng)
	}
	return runBatch(opts, eng)
}

func serveAPI(opts *cliOptions, eng *engine) int {
	var jobLog *jobs.JobLog
	if opts.jobLogFile != "" {
		var err error
		jobLog, err = jobs.OpenJobLog(opts.jobLogFile)
		if err != nil {
			logger.Error().Msgf("%v", err)
			return 1
		}
		defer jobLog.Close()
	}

	procOpts := batch.DefaultOptions()
	procOpts.Concurrency = opts.concurrency
	procOpts.Canonicalize = opts.canonicalize
	procOpts.DiscoverPagination = opts.paginate
	procOpts.AllowPrivateHosts = opts.allowPrivate

	orch := jobs.NewOrchestrator(eng.fetcher, eng.normalizer, eng.extractors, jobLog, jobs.Options{
		ProcessorOptions: procOpts,
	})
	defer orch.Close()

	// Hot-reload the policy file while serving.
	policyFile := opts.policyFile
	if policyFile == "" {
		policyFile = eng.settings.PolicyFile
	}
	if policyFile != "" {
		watcher, err := config.NewWatcher(policyFile,
			func() *config.Settings {
				s := config.DefaultSettings()
				s.LoadFromEnv()
				return s
			},
			eng.registry.UpdateSettings,
		)
		if err != nil {
			logger.Warning().Msgf("policy watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           jobs.NewRouter(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info().Msgf("job api listening on %s", opts.addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error().Msgf("server: %v", err)
		return 1
	case s := <-sig:
		logger.Info().Msgf("received %s, shutting down", s)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		return 0
	}
}

func runBatch(opts *cliOptions, eng *engine) int {
	urls, err := gatherURLs(opts)
	if err != nil {
		logger.Error().Msgf("%v", err)
		return 1
	}
	if len(urls) == 0 {
		logger.Error().Msgf("no input: provide -u or -l")
		return 2
	}

	ex, err := eng.extractors.Get(opts.mode)
	if err != nil {
		logger.Error().Msgf("%v", err)
		return 2
	}

	procOpts := batch.DefaultOptions()
	procOpts.Concurrency = opts.concurrency
	procOpts.Canonicalize = opts.canonicalize
	procOpts.DiscoverPagination = opts.paginate
	procOpts.AllowPrivateHosts = opts.allowPrivate
	proc := batch.NewProcessor(eng.fetcher, eng.normalizer, procOpts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Warning().Msgf("interrupt received, stopping gracefully")
		proc.Stop()
		cancel()
	}()

	// Progress bar fed by the processor's event stream.
	bar, _ := pterm.DefaultProgressbar.WithTotal(len(urls)).WithTitle("scraping").Start()
	go func() {
		for ev := range proc.Progress() {
			if bar != nil {
				bar.Current = ev.Completed
				if ev.Total > bar.Total {
					bar.Total = ev.Total
				}
			}
		}
	}()

	started := time.Now()
	result, err := proc.Process(ctx, urls, ex)
	if bar != nil {
		_, _ = bar.Stop()
	}
	if err != nil {
		logger.Error().Msgf("batch failed: %v", err)
		return 1
	}

	printSummary(result, eng, time.Since(started))

	if opts.outputFile != "" {
		w, err := batch.NewResultsWriter(opts.outputFile)
		if err != nil {
			logger.Error().Msgf("%v", err)
			return 1
		}
		defer w.Close()
		if err := w.Append(result.Items); err != nil {
			logger.Error().Msgf("%v", err)
			return 1
		}
		logger.Success().Msgf("results written to %s", opts.outputFile)
	}

	if result.ErrorReport.Total() > 0 {
		return 3
	}
	return 0
}

func gatherURLs(opts *cliOptions) ([]string, error) {
	urls := append([]string(nil), opts.urls...)
	if opts.listFile != "" {
		f, err := os.Open(opts.listFile)
		if err != nil {
			return nil, fmt.Errorf("open url list: %w", err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				urls = append(urls, line)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read url list: %w", err)
		}
	}
	return helpers.MergeUnique(nil, urls), nil
}

func printSummary(result *batch.Result, eng *engine, elapsed time.Duration) {
	snap := eng.collector.Snapshot()

	rows := pterm.TableData{
		{"metric", "value"},
		{"urls processed", fmt.Sprintf("%d", len(result.Items))},
		{"records", fmt.Sprintf("%d", len(result.Records))},
		{"failures", fmt.Sprintf("%d", result.ErrorReport.Total())},
		{"discovered", fmt.Sprintf("%d", len(result.DiscoveredURLs))},
		{"duplicates", fmt.Sprintf("%d", result.Duplicates)},
		{"truncated", fmt.Sprintf("%d", result.Truncated)},
		{"http requests", fmt.Sprintf("%d", snap.RequestsTotal)},
		{"rate-limit hits", fmt.Sprintf("%d", snap.RateLimitHits)},
		{"retries", fmt.Sprintf("%d", snap.RetriesTotal)},
		{"elapsed", helpers.FormatDuration(elapsed.Milliseconds())},
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	for _, rec := range result.ErrorReport.Recommendations {
		logger.Warning().Msgf("recommendation: %s", rec)
	}
}
