// Package ipfilter restricts the operator API and metrics endpoints to known networks
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter holds the allowed networks. An empty filter allows everything.
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New parses IPs and CIDRs. A bare address becomes a single-host prefix.
func New(allowed []string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{logger: logger}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", entry, err)
		}
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}

	return f, nil
}

// Enabled reports whether any network is configured
func (f *Filter) Enabled() bool {
	return f != nil && len(f.prefixes) > 0
}

// Allows reports whether addr is inside an allowed network
func (f *Filter) Allows(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// remoteAddr parses host:port or a bare address
func remoteAddr(s string) (netip.Addr, bool) {
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	return addr, err == nil
}

// Middleware rejects requests from addresses outside the filter with 403.
// It reads r.RemoteAddr, so proxies must be resolved first (chi's RealIP).
func (f *Filter) Middleware(next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := remoteAddr(r.RemoteAddr)
		if !ok || !f.Allows(addr) {
			f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
