package normalizer

import (
	"net/url"
	"strings"
)

// Variants generates canonicalization candidates for raw in deterministic
// order: HTTPS upgrade, www toggle, apex form, trailing-slash toggle, with
// the HTTPS-upgraded combination of each. The original URL itself is not
// included; duplicates are dropped; the list is capped at maxVariants.
// Invalid input yields an empty list.
func Variants(raw string, maxVariants int) []string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}

	var cands []string
	push := func(v *url.URL) {
		if v != nil {
			cands = append(cands, v.String())
		}
	}

	httpsForm := withScheme(u, "https")
	push(httpsForm)

	push(toggleWWW(u))
	push(toggleWWW(httpsForm))

	push(apex(u))
	push(apex(httpsForm))

	push(toggleSlash(u))
	push(toggleSlash(httpsForm))

	seen := map[string]bool{u.String(): true}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if maxVariants > 0 && len(out) >= maxVariants {
			break
		}
	}
	return out
}

func clone(u *url.URL) *url.URL {
	c := *u
	return &c
}

func withScheme(u *url.URL, scheme string) *url.URL {
	if u.Scheme == scheme {
		return nil
	}
	c := clone(u)
	c.Scheme = scheme
	return c
}

func toggleWWW(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := clone(u)
	host := c.Hostname()
	port := c.Port()
	if strings.HasPrefix(host, "www.") {
		host = strings.TrimPrefix(host, "www.")
	} else {
		host = "www." + host
	}
	if port != "" {
		c.Host = host + ":" + port
	} else {
		c.Host = host
	}
	return c
}

// apex strips a leading www. and nothing else. Distinct from toggleWWW only
// for hosts that already carry the prefix.
func apex(u *url.URL) *url.URL {
	if u == nil || !strings.HasPrefix(u.Hostname(), "www.") {
		return nil
	}
	return toggleWWW(u)
}

func toggleSlash(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := clone(u)
	switch {
	case c.Path == "" || c.Path == "/":
		// Root stays "/"; no variant.
		return nil
	case strings.HasSuffix(c.Path, "/"):
		c.Path = strings.TrimSuffix(c.Path, "/")
	default:
		c.Path += "/"
	}
	return c
}

// CacheKey maps every variant of the same origin-path to one cache entry:
// scheme dropped, www and trailing slash stripped, host lowercased.
func CacheKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := u.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}
	return host + path
}
