package iputil

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseCIDRs parses a list of IP addresses or CIDR notations. A single IP
// becomes a /32 (IPv4) or /128 (IPv6) network.
func ParseCIDRs(cidrStrings []string) ([]*net.IPNet, error) {
	if len(cidrStrings) == 0 {
		return nil, nil
	}

	cidrs := make([]*net.IPNet, 0, len(cidrStrings))
	for _, cidrStr := range cidrStrings {
		cidrStr = strings.TrimSpace(cidrStr)
		if ip := net.ParseIP(cidrStr); ip != nil {
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			cidrs = append(cidrs, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR format: %s (%w)", cidrStr, err)
		}
		cidrs = append(cidrs, ipNet)
	}
	return cidrs, nil
}

// Allowlist is a set of networks. An empty Allowlist allows every address.
type Allowlist struct {
	nets []*net.IPNet
}

// NewAllowlist parses entries with ParseCIDRs.
func NewAllowlist(entries []string) (*Allowlist, error) {
	nets, err := ParseCIDRs(entries)
	if err != nil {
		return nil, err
	}
	return &Allowlist{nets: nets}, nil
}

// Empty reports whether the list has no entries.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.nets) == 0
}

// Contains reports whether ip is inside one of the networks. It is false
// for an empty list.
func (a *Allowlist) Contains(ip net.IP) bool {
	if ip == nil || a.Empty() {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Allows is Contains, except that an empty list allows everything.
func (a *Allowlist) Allows(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return a.Empty() || a.Contains(ip)
}

// ClientIP returns the address of the client that sent r. The first
// X-Forwarded-For entry is used only when the immediate peer is a trusted
// proxy. It returns nil when no valid address can be found.
func ClientIP(r *http.Request, trustedProxies *Allowlist) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	remote := net.ParseIP(host)

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && trustedProxies.Contains(remote) {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	return remote
}
