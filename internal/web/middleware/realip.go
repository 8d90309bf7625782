// Package middleware provides HTTP middleware for the web server.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// TrustedRealIP resolves the client IP for downstream consumers such as
// rate limiting and request logs. X-Real-IP and X-Forwarded-For are
// honored only when the connection peer sits inside one of the trusted
// proxy CIDRs; any client can send those headers, so from an untrusted
// peer they are discarded. The resolved IP replaces both RemoteAddr and
// the X-Real-IP header.
func TrustedRealIP(trustedCIDRs []string) func(http.Handler) http.Handler {
	trusted := parseTrustedNets(trustedCIDRs)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := remoteIP(r.RemoteAddr)
			if trustedPeer(client, trusted) {
				if ip := headerIP(r); ip != nil {
					client = ip
				}
			}
			if client != nil {
				r.RemoteAddr = client.String()
				r.Header.Set("X-Real-IP", client.String())
			} else {
				r.Header.Del("X-Real-IP")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseTrustedNets parses proxy CIDRs once at startup. Bare IPs are
// accepted as single-host networks; invalid entries are skipped.
func parseTrustedNets(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, network)
			continue
		}
		if ip := net.ParseIP(cidr); ip != nil {
			mask := net.CIDRMask(128, 128)
			if ip.To4() != nil {
				mask = net.CIDRMask(32, 32)
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
			continue
		}
		slog.Warn("skipping invalid trusted proxy entry", "cidr", cidr)
	}
	return nets
}

// trustedPeer reports whether the peer falls inside a trusted network.
func trustedPeer(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// headerIP returns the first valid IP named by proxy headers, or nil.
func headerIP(r *http.Request) net.IP {
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		if ip := net.ParseIP(rip); ip != nil {
			return ip
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		candidate := xff
		if idx := strings.Index(xff, ","); idx > 0 {
			candidate = xff[:idx]
		}
		if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
			return ip
		}
	}
	return nil
}

// remoteIP parses the connection peer from a host:port or bare address.
func remoteIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
