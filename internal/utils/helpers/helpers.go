package helpers

import (
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strings"
)

// FormatBytesH renders a byte count in human readable form.
func FormatBytesH(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "unknown"
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders milliseconds as a compact human string.
func FormatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		return fmt.Sprintf("%dm%ds", ms/60_000, (ms%60_000)/1000)
	}
}

// GenerateRandomString returns a random alphanumeric string of the given length.
func GenerateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}

// RFC 1035
var rxDNSName = regexp.MustCompile(`^([a-zA-Z0-9_]{1}[a-zA-Z0-9\-._]{0,61}[a-zA-Z0-9]{1}\.)*` +
	`([a-zA-Z0-9_]{1}[a-zA-Z0-9\-._]{0,61}[a-zA-Z0-9]{1}\.?)$`)

// IsIP reports whether str (optionally host:port) is a literal IP address.
func IsIP(str string) bool {
	host, _, err := net.SplitHostPort(str)
	if err != nil {
		return net.ParseIP(str) != nil
	}
	return net.ParseIP(host) != nil
}

// IsDNSName reports whether str (optionally host:port) looks like a resolvable name.
func IsDNSName(str string) bool {
	host, _, err := net.SplitHostPort(str)
	if err != nil {
		host = str
	}

	if host == "" {
		return false
	}

	if len(strings.Replace(host, ".", "", -1)) > 255 {
		return false
	}

	return !IsIP(host) && rxDNSName.MatchString(host)
}

// MergeUnique appends items from add to existing, skipping duplicates, order preserved.
func MergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	merged := make([]string, 0, len(existing)+len(add))

	for _, item := range existing {
		if !seen[item] {
			seen[item] = true
			merged = append(merged, item)
		}
	}
	for _, item := range add {
		if !seen[item] {
			seen[item] = true
			merged = append(merged, item)
		}
	}

	return merged
}
