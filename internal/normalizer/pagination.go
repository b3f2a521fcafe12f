package normalizer

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/valyala/fasthttp"

	"github.com/scrapebatch/scrapebatch/internal/fetcher"
	"github.com/scrapebatch/scrapebatch/internal/utils/logger"
)

// PaginationResult lists confirmed sibling pages plus non-fatal errors hit
// while discovering them.
type PaginationResult struct {
	Pages  []string `json:"pages"`
	Errors []string `json:"errors,omitempty"`
}

// DiscoverPagination extracts pagination candidates from html (fetched from
// pageURL) and confirms them with HEAD probes. Candidate sources in priority
// order: rel=next links, aria-label "next" anchors, anchors inside
// pagination containers, and numeric URL-path templates. Probing stops at
// MaxPages confirmed pages or after Consecutive404Stop consecutive non-2xx
// answers.
func (n *Normalizer) DiscoverPagination(ctx context.Context, pageURL string, html []byte) PaginationResult {
	var res PaginationResult

	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		res.Errors = append(res.Errors, fmt.Sprintf("bad base url %q", pageURL))
		return res
	}

	candidates := collectCandidates(base, html)
	candidates = append(candidates, numericTemplates(base)...)
	candidates = dedupeCandidates(pageURL, candidates, n.opts.MaxPaginationCandidate)

	consecutiveMisses := 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, "cancelled")
			break
		}
		if len(res.Pages) >= n.opts.MaxPages {
			break
		}
		if consecutiveMisses >= n.opts.Consecutive404Stop {
			logger.Debug().Msgf("pagination probing stopped after %d consecutive misses", consecutiveMisses)
			break
		}

		out := n.fetcher.Fetch(ctx, cand, fetcher.Options{Method: fasthttp.MethodHead, MaxRetries: 0})
		if out.Success() {
			fetcher.ReleaseResponseDetails(out.Response)
			res.Pages = append(res.Pages, cand)
			consecutiveMisses = 0
			continue
		}
		consecutiveMisses++
		if out.Kind != fetcher.KindClientError {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", cand, out.Kind))
		}
	}
	return res
}

// paginationContainers matches elements that typically wrap page links.
const paginationContainers = `.pagination a, .pager a, .page-numbers a, nav[aria-label*="pag" i] a, [role="navigation"] a, .paging a`

func collectCandidates(base *url.URL, html []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	var out []string
	add := func(href string) {
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			return
		}
		resolved.Fragment = ""
		out = append(out, resolved.String())
	}

	doc.Find(`a[rel="next"], link[rel="next"]`).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			add(href)
		}
	})

	doc.Find("a[aria-label]").Each(func(_ int, s *goquery.Selection) {
		label, _ := s.Attr("aria-label")
		if strings.Contains(strings.ToLower(label), "next") {
			if href, ok := s.Attr("href"); ok {
				add(href)
			}
		}
	})

	doc.Find(paginationContainers).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			add(href)
		}
	})

	return out
}

// numericTemplates derives sibling pages from the URL path itself: a
// trailing numeric segment ("/page/2") is incremented, and a single-letter
// final segment ("/directory/a") walks the alphabet one step.
func numericTemplates(base *url.URL) []string {
	segs := strings.Split(strings.Trim(base.Path, "/"), "/")
	if len(segs) == 0 || segs[len(segs)-1] == "" {
		return nil
	}
	last := segs[len(segs)-1]

	build := func(replacement string) string {
		c := *base
		segs2 := append(append([]string{}, segs[:len(segs)-1]...), replacement)
		c.Path = "/" + strings.Join(segs2, "/")
		if strings.HasSuffix(base.Path, "/") {
			c.Path += "/"
		}
		return c.String()
	}

	if page, err := strconv.Atoi(last); err == nil && page >= 0 {
		var out []string
		for i := 1; i <= 5; i++ {
			out = append(out, build(strconv.Itoa(page+i)))
		}
		return out
	}

	if len(last) == 1 && last[0] >= 'a' && last[0] < 'z' {
		return []string{build(string(last[0] + 1))}
	}
	return nil
}

// candidateKey is CacheKey plus the query string. Pagination regularly
// lives in the query ("?page=2"), so candidates must not collapse into
// the query-less origin-path entry.
func candidateKey(raw string) string {
	key := CacheKey(raw)
	if u, err := url.Parse(raw); err == nil && u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

func dedupeCandidates(self string, cands []string, limit int) []string {
	selfKey := candidateKey(self)
	seen := map[string]bool{selfKey: true}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		key := candidateKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
