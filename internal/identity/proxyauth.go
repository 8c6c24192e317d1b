package identity

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// resolveProxyAuth implements the proxy-auth path of §4.D: trusts identity
// headers set by an authenticating reverse proxy, but only when the
// request's remote address falls within a configured trusted-proxy CIDR
// (or loopback, if none are configured — logged as a warning by the
// caller).
func (r *Resolver) resolveProxyAuth(ctx context.Context, headers map[string]string, remoteIP net.IP) (*Subject, bool, error) {
	cfg := r.cfg.ProxyAuth
	if cfg == nil {
		return nil, false, nil
	}

	trusted, usedLoopbackFallback := isTrustedProxy(remoteIP, cfg.TrustedProxies)
	if !trusted {
		return nil, false, nil
	}

	identity := headers[cfg.IdentityHeader]
	if identity == "" {
		return nil, false, nil
	}

	s := &Subject{ExternalID: identity}
	if cfg.EmailHeader != "" {
		s.Email = headers[cfg.EmailHeader]
	}
	if cfg.GroupsHeader != "" {
		s.Roles = splitGroups(headers[cfg.GroupsHeader])
	}

	if cfg.JWTAssertion != nil && cfg.AssertionHeader != "" {
		if err := r.verifyProxyAssertion(ctx, headers[cfg.AssertionHeader], s); err != nil {
			return nil, usedLoopbackFallback, err
		}
	}

	return s, usedLoopbackFallback, nil
}

func (r *Resolver) verifyProxyAssertion(ctx context.Context, rawToken string, s *Subject) error {
	if rawToken == "" {
		return fmt.Errorf("%w: missing assertion header", ErrJWTInvalid)
	}
	assertionResolver := &Resolver{cfg: Config{JWT: r.cfg.ProxyAuth.JWTAssertion}, jwtVerifier: newJWTVerifier(r.cfg.ProxyAuth.JWTAssertion)}
	assertSubject, err := assertionResolver.resolveJWT(ctx, rawToken)
	if err != nil {
		return err
	}
	if assertSubject.ExternalID != "" && assertSubject.ExternalID != s.ExternalID {
		return fmt.Errorf("%w: assertion identity mismatch", ErrJWTInvalid)
	}
	return nil
}

// isTrustedProxy reports whether remoteIP is within one of the configured
// CIDRs. When cidrs is empty, loopback is trusted as a fallback and the
// second return value signals that the caller should log a warning.
func isTrustedProxy(remoteIP net.IP, cidrs []string) (trusted bool, usedLoopbackFallback bool) {
	if len(cidrs) == 0 {
		return remoteIP.IsLoopback(), true
	}
	for _, c := range cidrs {
		if _, network, err := net.ParseCIDR(c); err == nil && network.Contains(remoteIP) {
			return true, false
		}
	}
	return false, false
}

func splitGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
