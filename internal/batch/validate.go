package batch

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/scrapebatch/scrapebatch/internal/utils/helpers"
)

const (
	// DefaultInputCap bounds how many URLs one batch will accept.
	DefaultInputCap = 1500
	// DefaultMaxURLLength rejects absurdly long inputs before parsing.
	DefaultMaxURLLength = 2048
)

// trackingParams are stripped during dedup normalization so the same page
// shared through different campaigns counts once.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {},
	"utm_term": {}, "utm_content": {}, "utm_id": {},
	"gclid": {}, "fbclid": {}, "msclkid": {}, "igshid": {},
	"mc_cid": {}, "mc_eid": {}, "ref": {},
}

var privateNameSuffixes = []string{".internal", ".local", ".localhost", ".localdomain", ".home.arpa"}

// InvalidInput pairs a rejected URL with the reason.
type InvalidInput struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// PreparedInput is the validated, deduplicated, capped work list.
type PreparedInput struct {
	// Items holds the URLs to process, original form, input order.
	Items []string
	// Normalized holds the dedup-normalized form for each item.
	Normalized []string
	Invalid    []InvalidInput
	Duplicates int
	Truncated  int
}

// PrepareInput validates, deduplicates, and caps urls. The cap applies to
// the raw input first so truncation is predictable; validation and dedup
// run over the kept prefix. Idempotent: preparing a prepared list changes
// nothing.
func PrepareInput(urls []string, inputCap, maxLen int) PreparedInput {
	return prepareInput(urls, inputCap, maxLen, false)
}

func prepareInput(urls []string, inputCap, maxLen int, allowPrivate bool) PreparedInput {
	if inputCap <= 0 {
		inputCap = DefaultInputCap
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxURLLength
	}

	var p PreparedInput
	if len(urls) > inputCap {
		p.Truncated = len(urls) - inputCap
		urls = urls[:inputCap]
	}

	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		norm, reason := validateAndNormalize(raw, maxLen, allowPrivate)
		if reason != "" {
			p.Invalid = append(p.Invalid, InvalidInput{URL: raw, Reason: reason})
			continue
		}
		if _, dup := seen[norm]; dup {
			p.Duplicates++
			continue
		}
		seen[norm] = struct{}{}
		p.Items = append(p.Items, raw)
		p.Normalized = append(p.Normalized, norm)
	}
	return p
}

// validateAndNormalize rejects unusable URLs and returns the dedup key:
// lowercase scheme/host, default port stripped, fragment dropped, tracking
// params removed, trailing slash stripped except at root.
func validateAndNormalize(raw string, maxLen int, allowPrivate bool) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "empty url"
	}
	if len(raw) > maxLen {
		return "", fmt.Sprintf("url longer than %d characters", maxLen)
	}

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "data:") {
		return "", "unsupported scheme"
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Sprintf("unparseable: %v", err)
	}
	if !u.IsAbs() {
		return "", "not absolute"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Sprintf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "missing host"
	}
	if h := u.Hostname(); !helpers.IsIP(h) && !helpers.IsDNSName(h) {
		return "", "invalid hostname"
	}
	if !allowPrivate {
		if reason := rejectPrivateHost(u.Hostname()); reason != "" {
			return "", reason
		}
	}

	return normalizeForDedup(u), ""
}

// rejectPrivateHost is a name-level check only; the fetcher's guard does
// the resolved-address check at dial time.
func rejectPrivateHost(host string) string {
	host = strings.ToLower(host)
	if host == "localhost" || host == "metadata" {
		return "private host"
	}
	for _, sfx := range privateNameSuffixes {
		if strings.HasSuffix(host, sfx) {
			return "private host"
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		a := addr.Unmap()
		if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsUnspecified() {
			return "private address"
		}
	}
	return ""
}

func normalizeForDedup(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""

	if h, port, ok := strings.Cut(c.Host, ":"); ok {
		if (c.Scheme == "http" && port == "80") || (c.Scheme == "https" && port == "443") {
			c.Host = h
		}
	}

	if c.RawQuery != "" {
		q := c.Query()
		for param := range q {
			if _, tracked := trackingParams[strings.ToLower(param)]; tracked {
				q.Del(param)
			}
		}
		c.RawQuery = q.Encode()
	}

	if c.Path != "/" && strings.HasSuffix(c.Path, "/") {
		c.Path = strings.TrimSuffix(c.Path, "/")
	}
	return c.String()
}
