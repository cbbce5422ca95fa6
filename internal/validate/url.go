package validate

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// URLValidator checks that a source URL is HTTPS and does not point at
// loopback, private, link-local or multicast addresses. Host verdicts are
// memoized for the lifetime of the validator.
type URLValidator struct {
	resolver Resolver
	logger   *zap.Logger

	mu    sync.Mutex
	hosts map[string]bool
}

// NewURLValidator creates a validator using the system resolver.
func NewURLValidator(logger *zap.Logger) *URLValidator {
	return NewURLValidatorWithResolver(net.DefaultResolver, logger)
}

// NewURLValidatorWithResolver creates a validator with a custom resolver (for tests).
func NewURLValidatorWithResolver(r Resolver, logger *zap.Logger) *URLValidator {
	return &URLValidator{
		resolver: r,
		logger:   logger,
		hosts:    make(map[string]bool),
	}
}

// SourceURL returns nil when rawURL is safe to fetch.
func (v *URLValidator) SourceURL(ctx context.Context, rawURL string) error {
	if !strings.HasPrefix(rawURL, "https://") {
		return fmt.Errorf("url must use https")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if !v.Host(ctx, host) {
		return fmt.Errorf("unsafe host %q", host)
	}
	return nil
}

// Host reports whether host only resolves to globally routable unicast addresses.
func (v *URLValidator) Host(ctx context.Context, host string) bool {
	key := strings.ToLower(host)

	v.mu.Lock()
	ok, seen := v.hosts[key]
	v.mu.Unlock()
	if seen {
		return ok
	}

	ok = v.check(ctx, key)

	v.mu.Lock()
	v.hosts[key] = ok
	v.mu.Unlock()
	return ok
}

func (v *URLValidator) check(ctx context.Context, host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		v.logger.Warn("skipping localhost source", zap.String("host", host))
		return false
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !globalUnicast(addr) {
			v.logger.Warn("skipping non-global IP source", zap.String("host", host))
			return false
		}
		return true
	}

	if _, ok := dns.IsDomainName(host); !ok {
		v.logger.Warn("skipping malformed hostname", zap.String("host", host))
		return false
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		v.logger.Warn("failed to resolve source host", zap.String("host", host), zap.Error(err))
		return false
	}
	for _, a := range addrs {
		if !globalUnicast(a.Unmap()) {
			v.logger.Warn("source host resolves to non-global address",
				zap.String("host", host),
				zap.String("addr", a.String()))
			return false
		}
	}
	return true
}

func globalUnicast(a netip.Addr) bool {
	a = a.Unmap()
	if !a.IsValid() || a.IsUnspecified() || a.IsLoopback() || a.IsPrivate() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsMulticast() ||
		a.IsInterfaceLocalMulticast() {
		return false
	}
	// shared address space and benchmarking ranges are not global either
	for _, p := range nonGlobalPrefixes {
		if p.Contains(a) {
			return false
		}
	}
	return a.IsGlobalUnicast()
}

var nonGlobalPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("2001:db8::/32"),
}
