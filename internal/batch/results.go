package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ResultsWriter appends item results as JSONL, one object per line. Used by
// the CLI runner so partial output survives an interrupted run.
type ResultsWriter struct {
	mu sync.Mutex
	f  *os.File
}

func NewResultsWriter(path string) (*ResultsWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results file %s: %w", path, err)
	}
	return &ResultsWriter{f: f}, nil
}

// Append writes the given items. Lines are buffered and flushed in one
// write so concurrent appends never interleave.
func (w *ResultsWriter) Append(items []ItemResult) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item %d: %w", item.Index, err)
		}
		_, _ = buf.Write(line)
		_ = buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(buf.B); err != nil {
		return fmt.Errorf("append results: %w", err)
	}
	return nil
}

func (w *ResultsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
