package batch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareInputDedupVariants(t *testing.T) {
	p := PrepareInput([]string{
		"http://Example.com/page/1",
		"http://example.com/page/1/",
		"http://example.com:80/page/1",
		"http://example.com/page/1#section",
		"http://example.com/page/1?utm_source=x&utm_campaign=y",
		"http://example.com/page/2",
	}, 0, 0)

	assert.Equal(t, []string{"http://Example.com/page/1", "http://example.com/page/2"}, p.Items)
	assert.Equal(t, 4, p.Duplicates)
	assert.Empty(t, p.Invalid)
	assert.Zero(t, p.Truncated)
}

func TestPrepareInputKeepsMeaningfulQuery(t *testing.T) {
	p := PrepareInput([]string{
		"http://example.com/search?q=go",
		"http://example.com/search?q=rust",
	}, 0, 0)
	assert.Len(t, p.Items, 2)
}

func TestPrepareInputCapAppliesFirst(t *testing.T) {
	var urls []string
	for i := 0; i < 10; i++ {
		urls = append(urls, fmt.Sprintf("http://example.com/p/%d", i))
	}

	p := PrepareInput(urls, 6, 0)
	require.Len(t, p.Items, 6)
	// Truncation counts against the raw input, before validation and dedup.
	assert.Equal(t, 4, p.Truncated)
	assert.Equal(t, urls[:6], p.Items)
}

func TestPrepareInputInvalidReasons(t *testing.T) {
	cases := []struct {
		url    string
		reason string
	}{
		{"", "empty url"},
		{"   ", "empty url"},
		{"/relative/path", "not absolute"},
		{"ftp://example.com/file", `unsupported scheme "ftp"`},
		{"javascript:alert(1)", "unsupported scheme"},
		{"http://localhost/admin", "private host"},
		{"http://db.svc.internal/x", "private host"},
		{"http://printer.local/x", "private host"},
		{"http://127.0.0.1/x", "private address"},
		{"http://192.168.1.5/x", "private address"},
		{"http://-bad-.com/x", "invalid hostname"},
		{"http://foo..bar/x", "invalid hostname"},
	}

	for _, tc := range cases {
		p := PrepareInput([]string{tc.url}, 0, 0)
		require.Empty(t, p.Items, "url %q accepted", tc.url)
		require.Len(t, p.Invalid, 1, "url %q", tc.url)
		assert.Equal(t, tc.reason, p.Invalid[0].Reason, "url %q", tc.url)
	}
}

func TestPrepareInputLengthLimit(t *testing.T) {
	long := "http://example.com/" + strings.Repeat("a", 60)
	p := PrepareInput([]string{long}, 0, 40)
	require.Len(t, p.Invalid, 1)
	assert.Contains(t, p.Invalid[0].Reason, "longer than 40")
}

func TestPrepareInputIdempotent(t *testing.T) {
	first := PrepareInput([]string{
		"http://example.com/a",
		"http://example.com/a/",
		"http://example.com/b",
	}, 0, 0)

	second := PrepareInput(first.Items, 0, 0)
	assert.Equal(t, first.Items, second.Items)
	assert.Zero(t, second.Duplicates)
	assert.Empty(t, second.Invalid)
}

func TestPrepareInputEmpty(t *testing.T) {
	p := PrepareInput(nil, 0, 0)
	assert.Empty(t, p.Items)
	assert.Empty(t, p.Invalid)
}
