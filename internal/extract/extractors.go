package extract

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

func parseDoc(html []byte, pageURL string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, pageURL, err)
	}
	return doc, nil
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// ArticleExtractor pulls headline, byline, and summary from news pages.
type ArticleExtractor struct{}

func (*ArticleExtractor) Mode() string { return "article" }

func (e *ArticleExtractor) Extract(html []byte, pageURL string) (*Record, error) {
	doc, err := parseDoc(html, pageURL)
	if err != nil {
		return nil, err
	}

	title := metaContent(doc, `meta[property="og:title"]`)
	if title == "" {
		title = firstText(doc, "article h1", "h1", "title")
	}
	if title == "" {
		return nil, fmt.Errorf("%w: %s: no article title found", ErrParse, pageURL)
	}

	rec := &Record{
		URL:       pageURL,
		Mode:      e.Mode(),
		Title:     title,
		Fields:    map[string]string{},
		FetchedAt: time.Now(),
	}
	if v := metaContent(doc, `meta[property="og:description"]`, `meta[name="description"]`); v != "" {
		rec.Fields["summary"] = v
	}
	if v := metaContent(doc, `meta[property="article:published_time"]`); v != "" {
		rec.Fields["published"] = v
	}
	if v := firstText(doc, `[rel="author"]`, ".byline", ".author"); v != "" {
		rec.Fields["author"] = v
	}
	return rec, nil
}

// PlayerExtractor pulls name and stat rows from sports profile pages.
type PlayerExtractor struct{}

func (*PlayerExtractor) Mode() string { return "player" }

func (e *PlayerExtractor) Extract(html []byte, pageURL string) (*Record, error) {
	doc, err := parseDoc(html, pageURL)
	if err != nil {
		return nil, err
	}

	name := firstText(doc, "h1[itemprop=name]", ".player-name", "h1")
	if name == "" {
		return nil, fmt.Errorf("%w: %s: no player name found", ErrParse, pageURL)
	}

	rec := &Record{
		URL:       pageURL,
		Mode:      e.Mode(),
		Title:     name,
		Fields:    map[string]string{},
		FetchedAt: time.Now(),
	}
	if v := firstText(doc, ".position", "[itemprop=jobTitle]"); v != "" {
		rec.Fields["position"] = v
	}
	if v := firstText(doc, ".team", "[itemprop=memberOf]"); v != "" {
		rec.Fields["team"] = v
	}

	// Stat tables: first header row becomes keys, first data row values.
	doc.Find("table.stats, table[id*=stats]").First().Each(func(_ int, tbl *goquery.Selection) {
		var keys []string
		tbl.Find("thead th").Each(func(_ int, th *goquery.Selection) {
			keys = append(keys, strings.TrimSpace(th.Text()))
		})
		tbl.Find("tbody tr").First().Find("td").Each(func(i int, td *goquery.Selection) {
			if i < len(keys) && keys[i] != "" {
				rec.Fields["stat:"+keys[i]] = strings.TrimSpace(td.Text())
			}
		})
	})
	return rec, nil
}

// CompanyExtractor pulls name and contact details from directory pages.
type CompanyExtractor struct{}

func (*CompanyExtractor) Mode() string { return "company" }

func (e *CompanyExtractor) Extract(html []byte, pageURL string) (*Record, error) {
	doc, err := parseDoc(html, pageURL)
	if err != nil {
		return nil, err
	}

	name := firstText(doc, "[itemprop=name]", ".company-name", "h1")
	if name == "" {
		name = metaContent(doc, `meta[property="og:site_name"]`)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %s: no company name found", ErrParse, pageURL)
	}

	rec := &Record{
		URL:       pageURL,
		Mode:      e.Mode(),
		Title:     name,
		Fields:    map[string]string{},
		FetchedAt: time.Now(),
	}
	if v := firstText(doc, "[itemprop=address]", ".address", "address"); v != "" {
		rec.Fields["address"] = strings.Join(strings.Fields(v), " ")
	}
	if v := firstText(doc, "[itemprop=telephone]", ".phone", `a[href^="tel:"]`); v != "" {
		rec.Fields["phone"] = v
	}
	if href, ok := doc.Find(`a[href^="mailto:"]`).Attr("href"); ok {
		rec.Fields["email"] = strings.TrimPrefix(href, "mailto:")
	}
	return rec, nil
}
