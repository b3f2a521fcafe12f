package main

import (
	"fmt"
	"os"

	"github.com/projectdiscovery/goflags"

	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

type cliOptions struct {
	urls     goflags.StringSlice
	listFile string
	mode     string

	serve bool
	addr  string

	concurrency  int
	canonicalize bool
	paginate     bool
	allowPrivate bool

	outputFile string
	jobLogFile string
	policyFile string

	profileDir string
	debug      bool
	verbose    bool
}

func parseFlags() *cliOptions {
	opts := &cliOptions{}

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("scrapebatch - batch web scraping engine with per-host rate limiting and circuit breaking")

	flagSet.CreateGroup("input", "Input",
		flagSet.StringSliceVarP(&opts.urls, "url", "u", nil, "target URL (can be used multiple times)", goflags.StringSliceOptions),
		flagSet.StringVarP(&opts.listFile, "list", "l", "", "file containing URLs, one per line"),
		flagSet.StringVarP(&opts.mode, "mode", "m", "article", "extraction mode (article, player, company)"),
	)

	flagSet.CreateGroup("server", "Server",
		flagSet.BoolVar(&opts.serve, "serve", false, "start the job API instead of running a one-shot batch"),
		flagSet.StringVar(&opts.addr, "addr", ":8080", "listen address for -serve"),
	)

	flagSet.CreateGroup("processing", "Processing",
		flagSet.IntVarP(&opts.concurrency, "concurrency", "c", 8, "worker pool size"),
		flagSet.BoolVar(&opts.canonicalize, "canonicalize", false, "canonicalize URLs before fetching"),
		flagSet.BoolVar(&opts.paginate, "paginate", false, "discover and process pagination siblings"),
		flagSet.BoolVar(&opts.allowPrivate, "allow-private", false, "allow private destinations (local testing only)"),
	)

	flagSet.CreateGroup("output", "Output",
		flagSet.StringVarP(&opts.outputFile, "output", "o", "", "append item results as JSONL to this file"),
		flagSet.StringVar(&opts.jobLogFile, "job-log", "", "append NDJSON job events to this file"),
		flagSet.StringVar(&opts.policyFile, "policy", "", "YAML host-policy file (overrides SCRAPE_POLICY_FILE)"),
	)

	flagSet.CreateGroup("debug", "Debug",
		flagSet.StringVar(&opts.profileDir, "profile", "", "write cpu/heap profiles into this directory"),
		flagSet.BoolVar(&opts.debug, "debug", false, "enable debug logging"),
		flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging"),
	)

	if err := flagSet.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	return opts
}

func main() {
	opts := parseFlags()

	if opts.debug {
		logger.DefaultLogger.EnableDebug()
	}
	if opts.verbose {
		logger.DefaultLogger.EnableVerbose()
	}

	var stopProfiler func()
	if opts.profileDir != "" {
		var err error
		stopProfiler, err = startProfiler(opts.profileDir)
		if err != nil {
			logger.Error().Msgf("profiler: %v", err)
			os.Exit(1)
		}
	}

	exitCode := run(opts)

	if stopProfiler != nil {
		stopProfiler()
	}
	os.Exit(exitCode)
}
