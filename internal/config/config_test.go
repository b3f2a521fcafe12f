package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 15000, s.DeadlineMS)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, 250, s.BaseBackoffMS)
	assert.Equal(t, 10000, s.MaxBackoffMS)
	assert.Equal(t, 0.2, s.JitterFactor)
	assert.Equal(t, 5, s.BreakerThreshold)
	assert.Equal(t, 30000, s.BreakerResetMS)
	assert.Equal(t, 2, s.HalfOpenMaxCalls)
	assert.Equal(t, 10, s.MaxConcurrency)
	assert.Equal(t, 2.0, s.RateLimitPerSec)
	assert.Equal(t, 4, s.Burst)
	assert.EqualValues(t, 10<<20, s.MaxBodyBytes)
	assert.Equal(t, 5, s.MaxRedirects)
	require.NoError(t, s.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_DEADLINE_MS", "5000")
	t.Setenv("HTTP_MAX_RETRIES", "1")
	t.Setenv("HTTP_RATE_LIMIT_PER_SEC", "0.5")
	t.Setenv("HTTP_CIRCUIT_BREAKER_THRESHOLD", "9")
	t.Setenv("FETCH_URL_MAX_REDIRECTS", "2")
	t.Setenv("FETCH_URL_BLOCK_DOWNGRADE", "true")
	t.Setenv("FETCH_URL_DENYLIST", ".Corp.Example, blocked.example.com ,")

	s := DefaultSettings()
	s.LoadFromEnv()

	assert.Equal(t, 5000, s.DeadlineMS)
	assert.Equal(t, 1, s.MaxRetries)
	assert.Equal(t, 0.5, s.RateLimitPerSec)
	assert.Equal(t, 9, s.BreakerThreshold)
	assert.Equal(t, 2, s.MaxRedirects)
	assert.True(t, s.BlockDowngrade)
	assert.Equal(t, []string{".corp.example", "blocked.example.com"}, s.Denylist)
}

func TestLoadFromEnvClampsOutOfRange(t *testing.T) {
	t.Setenv("HTTP_DEADLINE_MS", "99999")
	t.Setenv("HTTP_MAX_RETRIES", "50")
	t.Setenv("HTTP_JITTER_FACTOR", "3.5")
	t.Setenv("FETCH_URL_MAX_REDIRECTS", "100")

	s := DefaultSettings()
	s.LoadFromEnv()

	assert.Equal(t, 30000, s.DeadlineMS)
	assert.Equal(t, 10, s.MaxRetries)
	assert.Equal(t, 1.0, s.JitterFactor)
	assert.Equal(t, 10, s.MaxRedirects)
}

func TestLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("HTTP_DEADLINE_MS", "soon")
	t.Setenv("HTTP_RATE_LIMIT_PER_SEC", "-1")

	s := DefaultSettings()
	s.LoadFromEnv()

	assert.Equal(t, 15000, s.DeadlineMS)
	assert.Equal(t, 2.0, s.RateLimitPerSec, "non-positive rate falls back to default")
}

func TestHostOverridesFromEnv(t *testing.T) {
	t.Setenv("HOST_LIMIT__api_example_com__RPS", "0.5")
	t.Setenv("HOST_LIMIT__api_example_com__BURST", "2")
	t.Setenv("HOST_LIMIT__other_host__RPS", "junk")

	s := DefaultSettings()
	s.LoadFromEnv()

	ov, ok := s.OverrideFor("api.example.com")
	require.True(t, ok)
	require.NotNil(t, ov.RPS)
	assert.Equal(t, 0.5, *ov.RPS)
	require.NotNil(t, ov.Burst)
	assert.Equal(t, 2, *ov.Burst)

	_, ok = s.OverrideFor("unknown.example.com")
	assert.False(t, ok)
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "news_example_site_com", HostKey("news.example-site.com"))
	assert.Equal(t, "api_example_com", HostKey("API.Example.Com"))
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  api.example.com:
    rps: 0.25
    burst: 1
    breaker_threshold: 2
denylist:
  - .Internal
`), 0o644))

	s := DefaultSettings()
	require.NoError(t, s.LoadPolicyFile(path))

	ov, ok := s.OverrideFor("api.example.com")
	require.True(t, ok)
	assert.Equal(t, 0.25, *ov.RPS)
	assert.Equal(t, 1, *ov.Burst)
	assert.Equal(t, 2, *ov.BreakerThreshold)
	assert.Equal(t, []string{".internal"}, s.Denylist)
}

func TestPolicyFileDoesNotOverrideEnv(t *testing.T) {
	t.Setenv("HOST_LIMIT__api_example_com__RPS", "5")

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  api_example_com:
    rps: 0.25
    burst: 7
`), 0o644))

	s := DefaultSettings()
	s.LoadFromEnv()
	require.NoError(t, s.LoadPolicyFile(path))

	ov, ok := s.OverrideFor("api.example.com")
	require.True(t, ok)
	assert.Equal(t, 5.0, *ov.RPS, "env wins over the file")
	require.NotNil(t, ov.Burst)
	assert.Equal(t, 7, *ov.Burst, "file fills fields env left unset")
}

func TestLoadPolicyFileErrors(t *testing.T) {
	s := DefaultSettings()
	require.Error(t, s.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("hosts: [not a map"), 0o644))
	require.Error(t, s.LoadPolicyFile(bad))
}

func TestValidateRejectsBadCombos(t *testing.T) {
	s := DefaultSettings()
	s.BaseBackoffMS = 5000
	s.MaxBackoffMS = 100
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.JitterFactor = 1.5
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.MaxConcurrency = 0
	require.Error(t, s.Validate())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  a.example.com:\n    rps: 1\n"), 0o644))

	var mu sync.Mutex
	var reloaded *Settings
	w, err := NewWatcher(path, DefaultSettings, func(s *Settings) {
		mu.Lock()
		reloaded = s
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  b.example.com:\n    rps: 3\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if reloaded == nil {
			return false
		}
		_, ok := reloaded.OverrideFor("b.example.com")
		return ok
	}, 3*time.Second, 25*time.Millisecond)
}
