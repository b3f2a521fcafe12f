package extract

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrParse marks extraction failures caused by the document itself, so the
// batch processor can bucket them apart from transport errors.
var ErrParse = errors.New("parse error")

// Record is one structured item produced from a fetched page.
type Record struct {
	URL       string            `json:"url"`
	Mode      string            `json:"mode"`
	Title     string            `json:"title,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Extractor turns one HTML document into a Record.
type Extractor interface {
	Mode() string
	Extract(html []byte, pageURL string) (*Record, error)
}

// Registry maps mode names to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[e.Mode()] = e
}

func (r *Registry) Get(mode string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[mode]
	if !ok {
		return nil, fmt.Errorf("unknown extraction mode %q (known: %v)", mode, r.modesLocked())
	}
	return e, nil
}

func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modesLocked()
}

func (r *Registry) modesLocked() []string {
	modes := make([]string, 0, len(r.extractors))
	for m := range r.extractors {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// DefaultRegistry returns a registry with the built-in extractors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ArticleExtractor{})
	r.Register(&PlayerExtractor{})
	r.Register(&CompanyExtractor{})
	return r
}
