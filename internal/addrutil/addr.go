package addrutil

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// BaseURL builds an http base URL for a server host and API port.
func BaseURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NormalizeBaseURL accepts "host:port" or a full URL and returns a URL without
// a trailing slash.
func NormalizeBaseURL(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}
	if !strings.HasPrefix(a, "http://") && !strings.HasPrefix(a, "https://") {
		a = "http://" + a
	}
	return strings.TrimRight(a, "/")
}

// SplitBaseURL returns the host and port of a base URL. Missing ports default
// to the scheme's well-known port.
func SplitBaseURL(baseURL string) (string, int, error) {
	u, err := url.Parse(NormalizeBaseURL(baseURL))
	if err != nil {
		return "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("base url %q has no host", baseURL)
	}
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "https" {
			return host, 443, nil
		}
		return host, 80, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("base url %q: %w", baseURL, err)
	}
	return host, port, nil
}

// HostFromAddr extracts the host from "host:port", bracketed or unbracketed
// IPv6, or a bare host.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := netip.ParseAddr(a); err != nil {
				if _, err := strconv.Atoi(a[last+1:]); err == nil {
					return a[:last]
				}
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]")
	}
	return a
}

// IsLocalNetwork reports whether addr is loopback, private, or link-local.
func IsLocalNetwork(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

// IsLocalNetworkAddr parses a remote address ("ip:port" or "ip") and applies
// IsLocalNetwork. Unparseable input is not local.
func IsLocalNetworkAddr(remote string) bool {
	addr, err := netip.ParseAddr(HostFromAddr(remote))
	if err != nil {
		return false
	}
	return IsLocalNetwork(addr)
}
