package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// startProfiler begins CPU profiling into dir and returns a stop func that
// also snapshots the heap.
func startProfiler(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	cpuPath := filepath.Join(dir, "cpu.pprof")
	cpuFile, err := os.Create(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("create cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuFile); err != nil {
		cpuFile.Close()
		return nil, fmt.Errorf("start cpu profile: %w", err)
	}
	logger.Info().Msgf("cpu profiling to %s", cpuPath)

	return func() {
		pprof.StopCPUProfile()
		cpuFile.Close()

		heapPath := filepath.Join(dir, "heap.pprof")
		heapFile, err := os.Create(heapPath)
		if err != nil {
			logger.Error().Msgf("create heap profile: %v", err)
			return
		}
		defer heapFile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(heapFile); err != nil {
			logger.Error().Msgf("write heap profile: %v", err)
			return
		}
		logger.Info().Msgf("profiles written to %s", dir)
	}, nil
}
