package normalizer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageServer(t *testing.T, live map[string]bool, probes *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && probes != nil {
			probes.Add(1)
		}
		if live[r.URL.Path] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverPaginationFromLinksAndTemplates(t *testing.T) {
	srv := pageServer(t, map[string]bool{"/list/2": true, "/list/3": true}, nil)
	n := newTestNormalizer(t, Options{})

	html := []byte(fmt.Sprintf(`<html><body>
		<a rel="next" href="/list/2">older</a>
		<a aria-label="Next page" href="%s/list/3">3</a>
		<div class="pagination"><a href="/list/2">2</a><a href="/list/3">3</a></div>
	</body></html>`, srv.URL))

	res := n.DiscoverPagination(context.Background(), srv.URL+"/list/1", html)

	require.Empty(t, res.Errors)
	assert.Equal(t, []string{srv.URL + "/list/2", srv.URL + "/list/3"}, res.Pages)
}

func TestDiscoverPaginationNumericTemplateOnly(t *testing.T) {
	var probes atomic.Int32
	srv := pageServer(t, map[string]bool{"/p/2": true, "/p/3": true, "/p/4": true}, &probes)
	n := newTestNormalizer(t, Options{})

	res := n.DiscoverPagination(context.Background(), srv.URL+"/p/1", []byte("<html></html>"))

	assert.Equal(t, []string{srv.URL + "/p/2", srv.URL + "/p/3", srv.URL + "/p/4"}, res.Pages)
}

func TestDiscoverPaginationConsecutiveMissStop(t *testing.T) {
	var probes atomic.Int32
	srv := pageServer(t, nil, &probes)
	n := newTestNormalizer(t, Options{Consecutive404Stop: 3})

	res := n.DiscoverPagination(context.Background(), srv.URL+"/p/1", []byte("<html></html>"))

	assert.Empty(t, res.Pages)
	// Templates yield /p/2../p/6 but probing stops after three straight misses.
	assert.Equal(t, int32(3), probes.Load())
}

func TestDiscoverPaginationMaxPages(t *testing.T) {
	var probes atomic.Int32
	srv := pageServer(t, map[string]bool{
		"/n/2": true, "/n/3": true, "/n/4": true, "/n/5": true, "/n/6": true,
	}, &probes)
	n := newTestNormalizer(t, Options{MaxPages: 2})

	res := n.DiscoverPagination(context.Background(), srv.URL+"/n/1", []byte("<html></html>"))

	assert.Len(t, res.Pages, 2)
	assert.Equal(t, int32(2), probes.Load())
}

func TestDiscoverPaginationLetterTemplate(t *testing.T) {
	srv := pageServer(t, map[string]bool{"/dir/b": true}, nil)
	n := newTestNormalizer(t, Options{})

	res := n.DiscoverPagination(context.Background(), srv.URL+"/dir/a", []byte("<html></html>"))
	assert.Equal(t, []string{srv.URL + "/dir/b"}, res.Pages)
}

func TestDiscoverPaginationBadBase(t *testing.T) {
	n := newTestNormalizer(t, Options{})
	res := n.DiscoverPagination(context.Background(), "::not-a-url", nil)
	assert.Empty(t, res.Pages)
	assert.NotEmpty(t, res.Errors)
}

func TestNumericTemplates(t *testing.T) {
	base, _ := url.Parse("http://example.com/page/7")
	got := numericTemplates(base)
	want := []string{
		"http://example.com/page/8",
		"http://example.com/page/9",
		"http://example.com/page/10",
		"http://example.com/page/11",
		"http://example.com/page/12",
	}
	assert.Equal(t, want, got)

	base, _ = url.Parse("http://example.com/about")
	assert.Empty(t, numericTemplates(base))
}

func TestDedupeCandidatesKeepsQueryPages(t *testing.T) {
	got := dedupeCandidates("http://example.com/list", []string{
		"http://example.com/list?page=2",
		"http://example.com/list?page=3",
		"http://example.com/list?page=2", // repeat collapses
	}, 10)
	assert.Equal(t, []string{
		"http://example.com/list?page=2",
		"http://example.com/list?page=3",
	}, got)
}

func TestDiscoverPaginationQueryLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "2", "3":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	n := newTestNormalizer(t, Options{})

	html := []byte(`<html><body>
		<a rel="next" href="?page=2">next</a>
		<div class="pagination"><a href="?page=3">3</a></div>
	</body></html>`)

	res := n.DiscoverPagination(context.Background(), srv.URL+"/list", html)

	require.Empty(t, res.Errors)
	assert.Equal(t, []string{srv.URL + "/list?page=2", srv.URL + "/list?page=3"}, res.Pages)
}

func TestDedupeCandidatesExcludesSelfAndVariants(t *testing.T) {
	got := dedupeCandidates("http://e.com/a", []string{
		"http://e.com/a/",   // variant of self
		"http://e.com/b",
		"https://www.e.com/b", // variant of previous
		"http://e.com/c",
	}, 2)
	assert.Equal(t, []string{"http://e.com/b", "http://e.com/c"}, got)
}
