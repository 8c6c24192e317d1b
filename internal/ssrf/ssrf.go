// Package ssrf validates config-supplied URLs (provider base URLs, checked
// by config validation) before they are ever dialed, per §6's
// SSRF safeguards: only http(s) schemes, DNS-resolved against the blocked
// address classes below, and — to defeat DNS-rebinding — every resolved
// address must pass or the whole URL is rejected.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedAddress is wrapped by the concrete reason a URL was rejected, so
// callers (config validation) can match on it with
// errors.Is while still logging a specific cause.
var ErrBlockedAddress = fmt.Errorf("ssrf: blocked address")

// blockedAddressError names the offending host/IP for logs and the
// ConfigInvalid{BlockedAddress} surface §6's S6 scenario names.
type blockedAddressError struct {
	host   string
	ip     net.IP
	reason string
}

func (e *blockedAddressError) Error() string {
	return fmt.Sprintf("ssrf: blocked address: host=%s ip=%s reason=%s", e.host, e.ip, e.reason)
}

func (e *blockedAddressError) Unwrap() error { return ErrBlockedAddress }

// Options controls which normally-blocked address classes are permitted.
// The metadata address 169.254.169.254 is never permitted regardless of
// these flags.
type Options struct {
	// AllowLoopback permits 127.0.0.0/8 and ::1 (useful for local dev
	// providers pointed at a sidecar on localhost).
	AllowLoopback bool
	// AllowPrivate permits RFC1918 / ULA and link-local ranges other than
	// the cloud metadata address.
	AllowPrivate bool
	// Resolver is overridable in tests; defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

const metadataAddr = "169.254.169.254"

// ValidateURL parses rawURL, rejects non-http(s) schemes, resolves the host,
// and rejects the whole URL if any resolved address falls in a blocked
// class. Re-resolving on every call (rather than caching a prior lookup) is
// deliberate: a dynamic provider's base URL must not trust a resolution from
// earlier in its lifetime (DNS rebinding).
func ValidateURL(ctx context.Context, rawURL string, opts Options) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("ssrf: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not permitted", ErrBlockedAddress, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("ssrf: url has no host")
	}

	// A literal IP skips DNS but still goes through the same address check.
	if ip := net.ParseIP(host); ip != nil {
		if reason, blocked := blockedReason(ip, opts); blocked {
			return &blockedAddressError{host: host, ip: ip, reason: reason}
		}
		return nil
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("ssrf: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("ssrf: %q resolved to no addresses", host)
	}

	// All resolved addresses must pass — a rebinding attacker only needs one
	// allowed-looking record among several to slip past a "any address ok"
	// check, so a single blocked record fails the whole URL.
	for _, ip := range ips {
		if reason, blocked := blockedReason(ip, opts); blocked {
			return &blockedAddressError{host: host, ip: ip, reason: reason}
		}
	}
	return nil
}

// blockedReason reports whether ip falls in a blocked class and, if so,
// names the class for diagnostics.
func blockedReason(ip net.IP, opts Options) (reason string, blocked bool) {
	v4 := ip.To4()

	// IPv4-mapped IPv6 (::ffff:a.b.c.d) must be checked against the IPv4
	// rules below, not treated as an opaque IPv6 address — otherwise
	// ::ffff:169.254.169.254 would sail past every check that only looks at
	// the 4-byte form.
	if v4 == nil && ip.To16() != nil && strings.HasPrefix(ip.String(), "::ffff:") {
		v4 = ip.To4() // already handled by ip.To4() for this representation
	}

	target := ip
	if v4 != nil {
		target = v4
	}

	if target.String() == metadataAddr {
		return "cloud-metadata", true
	}

	if target.IsLoopback() {
		if opts.AllowLoopback {
			return "", false
		}
		return "loopback", true
	}
	if target.IsUnspecified() {
		return "unspecified", true
	}
	if target.IsLinkLocalUnicast() || target.IsLinkLocalMulticast() {
		if opts.AllowPrivate {
			return "", false
		}
		return "link-local", true
	}
	if target.IsPrivate() {
		if opts.AllowPrivate {
			return "", false
		}
		return "private", true
	}
	if ip4 := target.To4(); ip4 != nil {
		switch {
		case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127:
			return "carrier-grade-nat", !opts.AllowPrivate
		case ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 0:
			return "ietf-protocol-assignment", true
		case ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 2,
			ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100,
			ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113,
			(ip4[0] == 198 && ip4[1] >= 18 && ip4[1] <= 19):
			return "documentation-range", true
		case ip4[0] >= 224 && ip4[0] <= 239:
			return "multicast", true
		case ip4[0] == 255 && ip4[1] == 255 && ip4[2] == 255 && ip4[3] == 255:
			return "broadcast", true
		case ip4[0] >= 240:
			return "reserved", true
		}
	}
	if target.IsMulticast() {
		return "multicast", true
	}

	return "", false
}
