package jobs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Job log event names, one per lifecycle step.
const (
	EventJobStarted    = "job.started"
	EventURLProcessing = "url.processing"
	EventURLSuccess    = "url.success"
	EventURLFailed     = "url.failed"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventJobCancelled  = "job.cancelled"
)

// JobLog appends newline-delimited JSON events, one object per line:
// {"timestamp":..., "jobId":..., "event":..., ...fields}. Safe for
// concurrent use; write errors are swallowed after the first report since
// a broken log sink must never fail a job.
type JobLog struct {
	mu       sync.Mutex
	w        io.Writer
	f        *os.File
	reported bool
}

// OpenJobLog appends to the NDJSON file at path, creating it if needed.
func OpenJobLog(path string) (*JobLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log %s: %w", path, err)
	}
	return &JobLog{w: f, f: f}, nil
}

// NewJobLog writes to an arbitrary sink, mainly for tests.
func NewJobLog(w io.Writer) *JobLog {
	return &JobLog{w: w}
}

// Event appends one record. fields may be nil.
func (l *JobLog) Event(jobID, event string, fields map[string]any) {
	if l == nil {
		return
	}
	rec := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["jobId"] = jobID
	rec["event"] = event

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil && !l.reported {
		l.reported = true
		fmt.Fprintf(os.Stderr, "job log write failed: %v\n", err)
	}
}

func (l *JobLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}
