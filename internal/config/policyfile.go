package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// policyFileDoc is the on-disk YAML shape:
//
//	hosts:
//	  api.example.com:
//	    rps: 0.5
//	    burst: 2
//	denylist:
//	  - .internal
type policyFileDoc struct {
	Hosts    map[string]HostOverride `yaml:"hosts"`
	Denylist []string                `yaml:"denylist"`
}

// LoadPolicyFile merges a YAML host-policy file into s. Env-provided
// overrides win over file entries for the same host.
func (s *Settings) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var doc policyFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	for host, ov := range doc.Hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		if existing, ok := s.HostOverrides[host]; ok {
			s.HostOverrides[host] = mergeOverride(existing, ov)
		} else {
			s.HostOverrides[host] = ov
		}
	}
	for _, entry := range doc.Denylist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			s.Denylist = append(s.Denylist, entry)
		}
	}
	return nil
}

// mergeOverride keeps base's set fields, filling gaps from extra.
func mergeOverride(base, extra HostOverride) HostOverride {
	if base.RPS == nil {
		base.RPS = extra.RPS
	}
	if base.Burst == nil {
		base.Burst = extra.Burst
	}
	if base.Concurrency == nil {
		base.Concurrency = extra.Concurrency
	}
	if base.MaxRetries == nil {
		base.MaxRetries = extra.MaxRetries
	}
	if base.DeadlineMS == nil {
		base.DeadlineMS = extra.DeadlineMS
	}
	if base.BaseBackoffMS == nil {
		base.BaseBackoffMS = extra.BaseBackoffMS
	}
	if base.MaxBackoffMS == nil {
		base.MaxBackoffMS = extra.MaxBackoffMS
	}
	if base.JitterFactor == nil {
		base.JitterFactor = extra.JitterFactor
	}
	if base.BreakerThreshold == nil {
		base.BreakerThreshold = extra.BreakerThreshold
	}
	if base.BreakerResetMS == nil {
		base.BreakerResetMS = extra.BreakerResetMS
	}
	if base.HalfOpenMaxCalls == nil {
		base.HalfOpenMaxCalls = extra.HalfOpenMaxCalls
	}
	return base
}

// Watcher re-reads the policy file on change and hands the merged settings
// to onReload. Editors replace files via rename, so Create events on the
// watched path count as changes too.
type Watcher struct {
	path     string
	base     func() *Settings
	onReload func(*Settings)
	fsw      *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once
}

// NewWatcher starts watching path. base must return a fresh Settings to
// merge the file into (typically DefaultSettings + LoadFromEnv).
func NewWatcher(path string, base func() *Settings, onReload func(*Settings)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     path,
		base:     base,
		onReload: onReload,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Debounce: editors fire write bursts for a single save.
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warning().Msgf("policy watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	s := w.base()
	if err := s.LoadPolicyFile(w.path); err != nil {
		logger.Warning().Msgf("policy reload skipped: %v", err)
		return
	}
	logger.Info().Msgf("host policy file reloaded: %s (%d host overrides)", w.path, len(s.HostOverrides))
	w.onReload(s)
}

func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.fsw.Close()
}
