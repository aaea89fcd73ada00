// Package clientip resolves the real client IP through a trust-proxy chain
// (spec §4.7).
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// TrustProxy is the trust-proxy configuration. Disabled (the zero value)
// means the client IP is always the direct socket address.
type TrustProxy struct {
	Enabled bool
	// Hops, when > 0, selects the (chainLength - Hops)-th element of the
	// client-first proxy chain, clamped to 0.
	Hops int
	// CIDRs, when non-empty, restricts trust to sockets/hops within the
	// allowlist.
	CIDRs []*net.IPNet
}

// ParseCIDRs parses a list of CIDR strings into *net.IPNet. If any entry
// does not parse, it returns nil and that entry's error.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func inAllowlist(ip net.IP, allow []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve computes the client IP for r's direct socket address
// (r.RemoteAddr) under the given trust-proxy config.
func Resolve(r *http.Request, tp TrustProxy) string {
	direct := hostOnly(r.RemoteAddr)

	if !tp.Enabled {
		return direct
	}

	chain := extractChain(r)
	if len(chain) == 0 {
		return direct
	}

	if len(tp.CIDRs) > 0 {
		directIP := net.ParseIP(direct)
		if !inAllowlist(directIP, tp.CIDRs) {
			return direct
		}

		// Intermediate hops exclude the client itself (chain[0]): N-1 of them
		// when Hops is set, or all proxies in the chain when it is absent.
		checkCount := len(chain) - 1
		if tp.Hops > 0 {
			checkCount = tp.Hops - 1
		}
		if checkCount < 0 {
			checkCount = 0
		}
		if checkCount > len(chain) {
			checkCount = len(chain)
		}
		// The chain is client-first, proxies-last: the intermediate hops to
		// validate are the proxies closest to us, i.e. the tail of the chain.
		for i := len(chain) - checkCount; i < len(chain); i++ {
			ip := net.ParseIP(chain[i])
			if !inAllowlist(ip, tp.CIDRs) {
				return direct
			}
		}
	}

	if tp.Hops <= 0 {
		return chain[0]
	}

	idx := len(chain) - tp.Hops
	if idx < 0 {
		idx = 0
	}
	if idx >= len(chain) {
		idx = len(chain) - 1
	}
	return chain[idx]
}

// extractChain returns the client-first proxy chain parsed from (in order
// of preference) Forwarded, X-Forwarded-For, or X-Real-Ip.
func extractChain(r *http.Request) []string {
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		if chain := parseForwarded(fwd); len(chain) > 0 {
			return chain
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		var chain []string
		for _, part := range strings.Split(xff, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				chain = append(chain, stripPort(part))
			}
		}
		if len(chain) > 0 {
			return chain
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return []string{stripPort(strings.TrimSpace(real))}
	}
	return nil
}

// parseForwarded extracts the "for=" entries of an RFC 7239 Forwarded
// header, in order.
func parseForwarded(header string) []string {
	var chain []string
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			pair = strings.TrimSpace(pair)
			if !strings.HasPrefix(strings.ToLower(pair), "for=") {
				continue
			}
			val := pair[len("for="):]
			val = strings.Trim(val, `"`)
			chain = append(chain, stripPort(val))
		}
	}
	return chain
}

// stripPort strips an IPv6-bracket / IPv4-port suffix from a forwarded-for
// entry, e.g. "[2001:db8::1]:443" -> "2001:db8::1", "203.0.113.1:8080" -> "203.0.113.1".
func stripPort(s string) string {
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end != -1 {
			return s[1:end]
		}
		return s
	}
	if strings.Count(s, ":") == 1 {
		host, _, err := net.SplitHostPort(s)
		if err == nil {
			return host
		}
	}
	return s
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
