package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return out
}

func TestAPIStartRejectsBadRequests(t *testing.T) {
	o, _ := newTestOrchestrator(t, Options{})
	api := httptest.NewServer(NewRouter(o))
	defer api.Close()

	resp, err := http.Post(api.URL+"/scrape/start", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := postJSON(t, api.URL+"/scrape/start", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation failed", body["error"])
	assert.Len(t, body["details"], 2)

	resp, body = postJSON(t, api.URL+"/scrape/start", map[string]any{
		"mode": "nope", "urls": []string{"http://example.com"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, body["details"], 1)
}

func TestAPIJobLifecycle(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	o, _ := newTestOrchestrator(t, Options{})
	api := httptest.NewServer(NewRouter(o))
	defer api.Close()

	resp, body := postJSON(t, api.URL+"/scrape/start", map[string]any{
		"mode": "stub",
		"urls": []string{backend.URL + "/a", backend.URL + "/b"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["jobId"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		r, err := http.Get(api.URL + "/scrape/status/" + id)
		if err != nil {
			return false
		}
		snap := decodeBody(t, r)
		return r.StatusCode == http.StatusOK && snap["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Get(api.URL + "/scrape/download/" + id + "?format=json")
	require.NoError(t, err)
	payload := decodeBody(t, r)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("scrape-%s.json", id)),
		r.Header.Get("Content-Disposition"))
	assert.Len(t, payload["records"], 2)

	r, err = http.Get(api.URL + "/scrape/download/" + id + "?format=csv")
	require.NoError(t, err)
	io.Copy(io.Discard, r.Body)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "text/csv", r.Header.Get("Content-Type"))

	resp, body = postJSON(t, api.URL+"/scrape/cancel/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["state"], "terminal job reports its state unchanged")
}

func TestAPIUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, Options{})
	api := httptest.NewServer(NewRouter(o))
	defer api.Close()

	r, err := http.Get(api.URL + "/scrape/status/does-not-exist")
	require.NoError(t, err)
	decodeBody(t, r)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	resp, _ := postJSON(t, api.URL+"/scrape/cancel/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	r, err = http.Get(api.URL + "/scrape/download/does-not-exist")
	require.NoError(t, err)
	decodeBody(t, r)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestAPIDownloadBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	defer close(release)

	o, _ := newTestOrchestrator(t, Options{})
	api := httptest.NewServer(NewRouter(o))
	defer api.Close()

	resp, body := postJSON(t, api.URL+"/scrape/start", map[string]any{
		"mode": "stub", "urls": []string{backend.URL + "/slow"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["jobId"].(string)

	r, err := http.Get(api.URL + "/scrape/download/" + id)
	require.NoError(t, err)
	got := decodeBody(t, r)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	assert.Contains(t, got["error"], "job not completed")
}
