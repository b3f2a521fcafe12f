package fetcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

var (
	// ErrBlockedHost is returned when a destination resolves to a
	// forbidden address or matches the denylist.
	ErrBlockedHost = errors.New("destination blocked")
	// ErrRebindDetected is returned when a host's address flips to a
	// private range between validation and connect.
	ErrRebindDetected = errors.New("dns rebind detected")
)

// internalNameSuffixes are blocked regardless of what they resolve to.
var internalNameSuffixes = []string{
	".internal",
	".local",
	".localhost",
	".localdomain",
	".home.arpa",
}

var internalNames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata":                 {},
}

// GuardOptions configures the SSRF/rebind guard.
type GuardOptions struct {
	// Denylist entries are case-insensitive hostname suffixes. An entry
	// without a leading dot also blocks the exact name.
	Denylist []string
	// PinTTL bounds how long a resolved address stays pinned. Short by
	// design so legitimate DNS changes recover quickly.
	PinTTL time.Duration
	// CacheSizeMB sizes the pin cache.
	CacheSizeMB int
	// Resolver overrides the default resolver, mainly for tests.
	Resolver *net.Resolver
	// AllowPrivate disables the private-range checks. Integration tests
	// against 127.0.0.1 backends need this; production never sets it.
	AllowPrivate bool
}

func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		PinTTL:      30 * time.Second,
		CacheSizeMB: 8,
	}
}

// Guard validates destinations before any dial and pins resolved addresses
// so a rebinding DNS answer cannot redirect an in-flight request chain to
// internal infrastructure.
type Guard struct {
	opts     GuardOptions
	resolver *net.Resolver
	pins     *fastcache.Cache
}

func NewGuard(opts GuardOptions) *Guard {
	if opts.PinTTL <= 0 {
		opts.PinTTL = DefaultGuardOptions().PinTTL
	}
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = DefaultGuardOptions().CacheSizeMB
	}
	r := opts.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	norm := make([]string, 0, len(opts.Denylist))
	for _, d := range opts.Denylist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			norm = append(norm, d)
		}
	}
	opts.Denylist = norm
	return &Guard{
		opts:     opts,
		resolver: r,
		pins:     fastcache.New(opts.CacheSizeMB * 1024 * 1024),
	}
}

// Resolve validates host and returns the address to dial. Rebind rule: if a
// pinned, unexpired address exists and a fresh resolution disagrees, the pin
// is invalidated; a private fresh address fails the request, a public one is
// re-pinned.
func (g *Guard) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.ToLower(host)

	if g.deniedName(host) {
		return netip.Addr{}, fmt.Errorf("%w: host %q matches denylist", ErrBlockedHost, host)
	}

	// Literal addresses skip resolution and pinning.
	if addr, err := netip.ParseAddr(host); err == nil {
		if g.forbiddenAddr(addr) {
			return netip.Addr{}, fmt.Errorf("%w: address %s is not routable", ErrBlockedHost, addr)
		}
		return addr, nil
	}

	fresh, err := g.lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}

	if pinned, ok := g.pinnedAddr(host); ok {
		if pinned == fresh {
			return fresh, nil
		}
		// Address changed under an active pin.
		g.pins.Del([]byte(host))
		if g.forbiddenAddr(fresh) {
			return netip.Addr{}, fmt.Errorf("%w: %s moved %s -> %s", ErrRebindDetected, host, pinned, fresh)
		}
	}

	if g.forbiddenAddr(fresh) {
		return netip.Addr{}, fmt.Errorf("%w: %s resolves to %s", ErrBlockedHost, host, fresh)
	}

	g.pin(host, fresh)
	return fresh, nil
}

func (g *Guard) lookup(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	// Reject the whole answer if any address is forbidden. A mixed
	// public/private answer is itself a rebind primitive.
	for _, a := range addrs {
		if g.forbiddenAddr(a.Unmap()) {
			return netip.Addr{}, fmt.Errorf("%w: %s resolves to %s", ErrBlockedHost, host, a)
		}
	}
	return addrs[0].Unmap(), nil
}

// deniedName applies the suffix denylist plus the built-in internal names.
func (g *Guard) deniedName(host string) bool {
	// Strip a port if present.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if _, ok := internalNames[host]; ok {
		return true
	}
	for _, sfx := range internalNameSuffixes {
		if strings.HasSuffix(host, sfx) || host == strings.TrimPrefix(sfx, ".") {
			return true
		}
	}
	for _, entry := range g.opts.Denylist {
		if entry == host {
			return true
		}
		sfx := entry
		if !strings.HasPrefix(sfx, ".") {
			sfx = "." + sfx
		}
		if strings.HasSuffix(host, sfx) || host == strings.TrimPrefix(sfx, ".") {
			return true
		}
	}
	return false
}

func (g *Guard) forbiddenAddr(addr netip.Addr) bool {
	if g.opts.AllowPrivate {
		return false
	}
	addr = addr.Unmap()
	return !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() ||
		addr.IsUnspecified() ||
		addr.IsMulticast()
}

// pin cache entry layout: 8-byte unix-nano expiry + 16-byte address.
func (g *Guard) pin(host string, addr netip.Addr) {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().Add(g.opts.PinTTL).UnixNano()))
	a16 := addr.As16()
	copy(buf[8:], a16[:])
	g.pins.Set([]byte(host), buf[:])
}

func (g *Guard) pinnedAddr(host string) (netip.Addr, bool) {
	v := g.pins.Get(nil, []byte(host))
	if len(v) != 24 {
		return netip.Addr{}, false
	}
	expiry := int64(binary.BigEndian.Uint64(v[:8]))
	if time.Now().UnixNano() > expiry {
		g.pins.Del([]byte(host))
		return netip.Addr{}, false
	}
	var a16 [16]byte
	copy(a16[:], v[8:])
	return netip.AddrFrom16(a16).Unmap(), true
}

// Reset drops all pinned addresses.
func (g *Guard) Reset() {
	g.pins.Reset()
}
