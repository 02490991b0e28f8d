package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/ratelimit"
)

const (
	// Per-IP login failures tolerated before lockout; the per-identifier
	// limit lives in the credential verifier.
	ipMaxFailures = 20
	ipMaxLockout  = 30 * time.Minute

	// Registrations per IP before lockout. Every request counts because
	// each one pays for an argon2id hash.
	regMaxRequests = 5
	regMaxLockout  = time.Hour
)

// DefaultIPLimiter returns the in-process per-IP login limiter.
func DefaultIPLimiter() ratelimit.Limiter {
	return ratelimit.NewMemory(ratelimit.WithMaxFailures(ipMaxFailures), ratelimit.WithMaxLockout(ipMaxLockout))
}

// DefaultRegistrationLimiter returns the in-process registration limiter.
func DefaultRegistrationLimiter() ratelimit.Limiter {
	return ratelimit.NewMemory(ratelimit.WithMaxFailures(regMaxRequests), ratelimit.WithMaxLockout(regMaxLockout))
}

// checkLimit reports whether key is locked out. Limiter faults fail open
// and are logged.
func checkLimit(ctx context.Context, l ratelimit.Limiter, key string) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}
	blocked, retryAfter, err := l.Check(ctx, key)
	if err != nil {
		logger.From(ctx).Warn("rate limiter unavailable", zap.Error(err))
		return false, 0
	}
	return blocked, retryAfter
}

func recordLimit(ctx context.Context, l ratelimit.Limiter, key string, success bool) {
	if l == nil {
		return
	}
	var err error
	if success {
		err = l.RecordSuccess(ctx, key)
	} else {
		err = l.RecordFailure(ctx, key)
	}
	if err != nil {
		logger.From(ctx).Warn("rate limiter unavailable", zap.Error(err))
	}
}

func ipKey(ip string) string  { return "ip:" + ip }
func regKey(ip string) string { return "register:" + ip }

// extractClientIP returns the client IP using the API's trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// when the request's RemoteAddr falls inside one of trustedProxies. With no
// trusted proxies, RemoteAddr is always used.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !peerTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}

	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for _, elem := range strings.Split(fwd, ",") {
			for _, param := range strings.Split(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}

	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

// extractClientIP trusts no proxy headers.
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

func peerTrusted(remoteIP string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses CIDRs or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
