package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrPrivateIP     = errors.New("URL resolves to private IP address")
	ErrUntrustedHost = errors.New("URL host is not trusted")
	ErrInvalidScheme = errors.New("only HTTPS URLs are allowed")
)

// Hosts that serve provider results. DashScope hands back signed OSS links,
// OpenAI legacy URLs live on Azure blob storage.
var defaultResultHosts = []string{
	"aliyuncs.com",
	"oaidalleapiprodscus.blob.core.windows.net",
	"dalleprodsec.blob.core.windows.net",
	"googleusercontent.com",
}

// Ranges that are never fetched even when the host is trusted.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"fc00::/7",
)

var (
	mu             sync.RWMutex
	allowedHosts   = append([]string(nil), defaultResultHosts...)
	skipValidation = false
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

func SetSkipValidation(skip bool) {
	mu.Lock()
	defer mu.Unlock()
	skipValidation = skip
}

func AllowHosts(hosts ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowedHosts = append(allowedHosts, h)
		}
	}
}

// ValidateImageURL checks that rawURL is https and does not point into a
// private network. In strict mode the host must also be on the allow list.
func ValidateImageURL(rawURL string, strictMode bool) error {
	mu.RLock()
	skip := skipValidation
	mu.RUnlock()
	if skip {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return ErrInvalidScheme
	}

	host := parsed.Hostname()

	if strictMode && !isAllowedHost(host) {
		return fmt.Errorf("%w: %s", ErrUntrustedHost, host)
	}

	return validateHostIP(host)
}

func isAllowedHost(host string) bool {
	host = strings.ToLower(host)
	mu.RLock()
	defer mu.RUnlock()
	for _, allowed := range allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func validateHostIP(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}

	// Lookup failures surface later as a fetch error.
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}

	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
