package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds the resolved engine configuration. Zero values are never
// used directly; build one with DefaultSettings then apply LoadFromEnv
// and/or a policy file on top.
type Settings struct {
	// Client defaults (hardened profile).
	DeadlineMS       int
	MaxRetries       int
	BaseBackoffMS    int
	MaxBackoffMS     int
	JitterFactor     float64
	BreakerThreshold int
	BreakerResetMS   int
	HalfOpenMaxCalls int
	MaxConcurrency   int
	RateLimitPerSec  float64
	Burst            int

	// Fetch-URL guard knobs.
	MaxBodyBytes   int64
	MaxRedirects   int
	BlockDowngrade bool
	Denylist       []string

	// Per-host overrides keyed by canonical env form (lowercase,
	// dots/hyphens replaced with underscores).
	HostOverrides map[string]HostOverride

	// Optional YAML host-policy file path (SCRAPE_POLICY_FILE).
	PolicyFile string
}

// HostOverride carries the subset of policy fields settable per host.
// Nil fields inherit the defaults.
type HostOverride struct {
	RPS              *float64 `yaml:"rps"`
	Burst            *int     `yaml:"burst"`
	Concurrency      *int     `yaml:"concurrency"`
	MaxRetries       *int     `yaml:"max_retries"`
	DeadlineMS       *int     `yaml:"deadline_ms"`
	BaseBackoffMS    *int     `yaml:"base_backoff_ms"`
	MaxBackoffMS     *int     `yaml:"max_backoff_ms"`
	JitterFactor     *float64 `yaml:"jitter_factor"`
	BreakerThreshold *int     `yaml:"breaker_threshold"`
	BreakerResetMS   *int     `yaml:"breaker_reset_ms"`
	HalfOpenMaxCalls *int     `yaml:"half_open_max_calls"`
}

const (
	defaultDeadlineMS       = 15000
	maxDeadlineMS           = 30000
	defaultMaxRetries       = 3
	capMaxRetries           = 10
	defaultBaseBackoffMS    = 250
	defaultMaxBackoffMS     = 10000
	defaultJitterFactor     = 0.2
	defaultBreakerThreshold = 5
	defaultBreakerResetMS   = 30000
	defaultHalfOpenMax      = 2
	defaultMaxConcurrency   = 10
	defaultRateLimitPerSec  = 2.0
	defaultBurst            = 4
	defaultMaxBodyBytes     = 10 << 20
	defaultMaxRedirects     = 5
	capMaxRedirects         = 10
)

func DefaultSettings() *Settings {
	return &Settings{
		DeadlineMS:       defaultDeadlineMS,
		MaxRetries:       defaultMaxRetries,
		BaseBackoffMS:    defaultBaseBackoffMS,
		MaxBackoffMS:     defaultMaxBackoffMS,
		JitterFactor:     defaultJitterFactor,
		BreakerThreshold: defaultBreakerThreshold,
		BreakerResetMS:   defaultBreakerResetMS,
		HalfOpenMaxCalls: defaultHalfOpenMax,
		MaxConcurrency:   defaultMaxConcurrency,
		RateLimitPerSec:  defaultRateLimitPerSec,
		Burst:            defaultBurst,
		MaxBodyBytes:     defaultMaxBodyBytes,
		MaxRedirects:     defaultMaxRedirects,
		HostOverrides:    make(map[string]HostOverride),
	}
}

// hostOverridePrefix matches HOST_LIMIT__<host>__RPS and __BURST keys.
const hostOverridePrefix = "HOST_LIMIT__"

// LoadFromEnv overlays environment values on s. Out-of-range values are
// clamped to their caps rather than rejected; unparseable values are ignored.
func (s *Settings) LoadFromEnv() {
	s.DeadlineMS = clampInt(envInt("HTTP_DEADLINE_MS", s.DeadlineMS), 100, maxDeadlineMS)
	s.MaxRetries = clampInt(envInt("HTTP_MAX_RETRIES", s.MaxRetries), 0, capMaxRetries)
	s.BaseBackoffMS = max(1, envInt("HTTP_BASE_BACKOFF_MS", s.BaseBackoffMS))
	s.MaxBackoffMS = max(s.BaseBackoffMS, envInt("HTTP_MAX_BACKOFF_MS", s.MaxBackoffMS))
	s.JitterFactor = clampFloat(envFloat("HTTP_JITTER_FACTOR", s.JitterFactor), 0, 1)
	s.BreakerThreshold = max(1, envInt("HTTP_CIRCUIT_BREAKER_THRESHOLD", s.BreakerThreshold))
	s.BreakerResetMS = max(1, envInt("HTTP_CIRCUIT_BREAKER_RESET_MS", s.BreakerResetMS))
	s.HalfOpenMaxCalls = max(1, envInt("HTTP_CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS", s.HalfOpenMaxCalls))
	s.MaxConcurrency = max(1, envInt("HTTP_MAX_CONCURRENCY", s.MaxConcurrency))
	s.RateLimitPerSec = envFloat("HTTP_RATE_LIMIT_PER_SEC", s.RateLimitPerSec)
	if s.RateLimitPerSec <= 0 {
		s.RateLimitPerSec = defaultRateLimitPerSec
	}

	s.MaxBodyBytes = envInt64("FETCH_URL_MAX_BYTES", s.MaxBodyBytes)
	s.MaxRedirects = clampInt(envInt("FETCH_URL_MAX_REDIRECTS", s.MaxRedirects), 0, capMaxRedirects)
	s.BlockDowngrade = envBool("FETCH_URL_BLOCK_DOWNGRADE", s.BlockDowngrade)
	if v := os.Getenv("FETCH_URL_DENYLIST"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			entry = strings.ToLower(strings.TrimSpace(entry))
			if entry != "" {
				s.Denylist = append(s.Denylist, entry)
			}
		}
	}

	s.PolicyFile = os.Getenv("SCRAPE_POLICY_FILE")

	s.loadHostOverrides()
}

// loadHostOverrides scans the environment for HOST_LIMIT__<host>__RPS|BURST
// keys. The host segment keeps its env form; lookups normalize with HostKey.
func (s *Settings) loadHostOverrides() {
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, hostOverridePrefix) {
			continue
		}
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		rest := strings.TrimPrefix(key, hostOverridePrefix)
		hostPart, field, ok := strings.Cut(rest, "__")
		if !ok || hostPart == "" {
			continue
		}
		hk := strings.ToLower(hostPart)
		ov := s.HostOverrides[hk]
		switch field {
		case "RPS":
			if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 {
				ov.RPS = &f
			}
		case "BURST":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				ov.Burst = &n
			}
		default:
			continue
		}
		s.HostOverrides[hk] = ov
	}
}

// HostKey converts a hostname to the env-override key form: lowercase with
// dots and hyphens replaced by underscores. "news.example-site.com" and the
// env segment NEWS_EXAMPLE_SITE_COM resolve to the same key.
func HostKey(host string) string {
	host = strings.ToLower(host)
	host = strings.ReplaceAll(host, ".", "_")
	host = strings.ReplaceAll(host, "-", "_")
	return host
}

// OverrideFor returns the per-host override for host, if any. Host keys from
// the YAML policy file are stored verbatim so both forms are checked.
func (s *Settings) OverrideFor(host string) (HostOverride, bool) {
	host = strings.ToLower(host)
	if ov, ok := s.HostOverrides[host]; ok {
		return ov, true
	}
	ov, ok := s.HostOverrides[HostKey(host)]
	return ov, ok
}

// Deadline returns the per-attempt deadline as a Duration.
func (s *Settings) Deadline() time.Duration {
	return time.Duration(s.DeadlineMS) * time.Millisecond
}

func (s *Settings) BaseBackoff() time.Duration {
	return time.Duration(s.BaseBackoffMS) * time.Millisecond
}

func (s *Settings) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMS) * time.Millisecond
}

func (s *Settings) BreakerReset() time.Duration {
	return time.Duration(s.BreakerResetMS) * time.Millisecond
}

// Validate reports configuration combinations that cannot work.
func (s *Settings) Validate() error {
	if s.BaseBackoffMS > s.MaxBackoffMS {
		return fmt.Errorf("base backoff %dms exceeds max backoff %dms", s.BaseBackoffMS, s.MaxBackoffMS)
	}
	if s.JitterFactor < 0 || s.JitterFactor > 1 {
		return fmt.Errorf("jitter factor %.2f outside [0,1]", s.JitterFactor)
	}
	if s.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency %d must be positive", s.MaxConcurrency)
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
