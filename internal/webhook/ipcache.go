package webhook

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// ipCacheTTL mirrors original_source IP_ADDRESS_CACHE_TIME (30 minutes),
// jittered ±10% to avoid every webhook actor re-resolving in lockstep.
const ipCacheTTL = 30 * time.Minute

// resolver is the subset of *net.Resolver used, so tests can substitute a
// deterministic fake.
type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ipCache resolves and caches a webhook endpoint's IP address per spec.md
// §4.D.2: TTL 30 minutes with ±10% jitter, generation counter bumped on
// change so callers know to drain stale connections. Resolutions are not
// deduplicated: concurrent callers that find the cache stale each resolve.
type ipCache struct {
	resolver resolver
	localMode bool

	mu         sync.Mutex
	resolving  bool
	host       string
	ip         string
	generation int
	fixed      bool
	expiresAt  time.Time
}

func newIPCache(host string, fixed bool, r resolver, localMode bool) *ipCache {
	return &ipCache{resolver: r, host: host, fixed: fixed, localMode: localMode}
}

// newIPCacheFixed seeds a cache whose IP never re-resolves, per spec.md's
// fix_ip_address flag.
func newIPCacheFixed(ip string) *ipCache {
	return &ipCache{ip: ip, fixed: true, expiresAt: time.Now().Add(100 * 365 * 24 * time.Hour)}
}

// current returns the cached IP and generation, resolving synchronously if
// the cache is empty or expired. Returns an error if the resolved address is
// rejected (reserved or non-IPv4, unless localMode is set).
func (c *ipCache) current(ctx context.Context, now time.Time) (ip string, generation int, changed bool, err error) {
	c.mu.Lock()
	if c.fixed || (c.ip != "" && now.Before(c.expiresAt)) {
		ip, generation = c.ip, c.generation
		c.mu.Unlock()
		return ip, generation, false, nil
	}
	c.mu.Unlock()

	addrs, err := c.resolver.LookupIPAddr(ctx, c.host)
	if err != nil {
		return "", 0, false, fmt.Errorf("resolving webhook host %q: %w", c.host, err)
	}
	resolved, err := pickAddress(addrs, c.localMode)
	if err != nil {
		return "", 0, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed = c.ip != "" && c.ip != resolved
	if c.ip != resolved {
		c.generation++
	}
	c.ip = resolved
	c.expiresAt = now.Add(jittered(ipCacheTTL))
	return c.ip, c.generation, changed, nil
}

// pickAddress selects the first public IPv4 address, rejecting
// loopback/private/link-local/multicast ranges unless localMode allows them.
func pickAddress(addrs []net.IPAddr, localMode bool) (string, error) {
	for _, a := range addrs {
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		if localMode || isPublicIPv4(ip4) {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no acceptable IPv4 address found")
}

func isPublicIPv4(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}

// jittered returns d adjusted by a uniform random factor in [-10%, +10%].
func jittered(d time.Duration) time.Duration {
	jitter := float64(d) * 0.10
	delta := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(delta)
}
