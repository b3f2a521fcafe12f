package fetcher

import (
	"net/textproto"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
)

// hopByHopHeaders are stripped when copying response headers out, together
// with Set-Cookie. Proxy-style callers must never see connection metadata
// or upstream cookies.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Set-Cookie":          {},
}

// ResponseDetails is the pooled envelope handed to extractors. Acquire one
// via AcquireResponseDetails and return it with ReleaseResponseDetails once
// the record has been built.
type ResponseDetails struct {
	URL           string
	FinalURL      string
	StatusCode    int
	ContentType   string
	ContentLength int64
	Headers       map[string]string
	Body          []byte
	RedirectCount int
	ElapsedMS     int64
}

var responseDetailsPool = sync.Pool{
	New: func() any {
		return &ResponseDetails{
			Headers: make(map[string]string, 16),
			Body:    make([]byte, 0, 4096),
		}
	},
}

func AcquireResponseDetails() *ResponseDetails {
	return responseDetailsPool.Get().(*ResponseDetails)
}

func ReleaseResponseDetails(rd *ResponseDetails) {
	if rd == nil {
		return
	}
	rd.URL = ""
	rd.FinalURL = ""
	rd.StatusCode = 0
	rd.ContentType = ""
	rd.ContentLength = 0
	for k := range rd.Headers {
		delete(rd.Headers, k)
	}
	rd.Body = rd.Body[:0]
	rd.RedirectCount = 0
	rd.ElapsedMS = 0
	responseDetailsPool.Put(rd)
}

// fill copies the fasthttp response into rd with header hygiene applied.
// The body is copied because resp is released back to fasthttp's pool.
func (rd *ResponseDetails) fill(resp *fasthttp.Response) {
	rd.StatusCode = resp.StatusCode()
	rd.ContentType = string(resp.Header.ContentType())
	rd.ContentLength = int64(resp.Header.ContentLength())

	resp.Header.VisitAll(func(key, value []byte) {
		name := textproto.CanonicalMIMEHeaderKey(string(key))
		if _, hop := hopByHopHeaders[name]; hop {
			return
		}
		rd.Headers[name] = string(value)
	})

	rd.Body = append(rd.Body[:0], resp.Body()...)
}

// BodyString returns the body as a string without retaining the buffer.
func (rd *ResponseDetails) BodyString() string {
	return string(rd.Body)
}

// Header returns a response header by canonical name, empty if absent.
func (rd *ResponseDetails) Header(name string) string {
	return rd.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// IsHTML reports whether the content type looks like an HTML document.
func (rd *ResponseDetails) IsHTML() bool {
	ct := strings.ToLower(rd.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
