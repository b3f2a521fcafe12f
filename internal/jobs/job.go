package jobs

import (
	"sync"
	"time"

	"github.com/scrapebatch/scrapebatch/internal/batch"
)

// JobState is the lifecycle state of a scrape job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Input is the caller-supplied job request.
type Input struct {
	Mode string   `json:"mode"`
	URLs []string `json:"urls"`
}

// clone deep-copies the input so the original snapshot can never alias
// caller or worker memory.
func (in Input) clone() Input {
	return Input{Mode: in.Mode, URLs: append([]string(nil), in.URLs...)}
}

// Progress is the externally visible completion state.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Errors    int `json:"errors"`
}

// Job owns one batch run. originalInput is written once at creation and
// never mutated; every downstream read must see identical bytes.
type Job struct {
	mu sync.RWMutex

	ID    string
	Mode  string
	state JobState

	originalInput Input
	workingInput  Input

	progress  Progress
	startedAt time.Time
	endedAt   time.Time

	result *batch.Result
	proc   *batch.Processor
	cancel func()
	done   chan struct{}
	err    error
}

// StatusSnapshot is a point-in-time read of job state.
type StatusSnapshot struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	Status    JobState   `json:"status"`
	Progress  Progress   `json:"progress"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// transition applies from -> to atomically. Returns false when the current
// state is not from.
func (j *Job) transition(from, to JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != from {
		return false
	}
	j.state = to
	if to.Terminal() {
		j.endedAt = time.Now()
	}
	return true
}

func (j *Job) setProgress(p Progress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

func (j *Job) setResult(res *batch.Result, err error) {
	j.mu.Lock()
	j.result = res
	j.err = err
	j.mu.Unlock()
}

// OriginalInput returns a copy of the immutable input snapshot.
func (j *Job) OriginalInput() Input {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.originalInput.clone()
}

func (j *Job) Result() *batch.Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

func (j *Job) Snapshot() StatusSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	snap := StatusSnapshot{
		ID:        j.ID,
		Mode:      j.Mode,
		Status:    j.state,
		Progress:  j.progress,
		StartedAt: j.startedAt,
	}
	if !j.endedAt.IsZero() {
		t := j.endedAt
		snap.EndedAt = &t
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	return snap
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }
