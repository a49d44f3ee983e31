package httpprovider

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateBaseURL checks a backend base URL.
//
// It rejects userinfo, query and fragment and, unless allowPrivate is set, loopback,
// private and link-local hosts.
func ValidateBaseURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base_url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid base_url host %q", u.Host)
	}
	if u.User != nil {
		return fmt.Errorf("base_url must not contain userinfo")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base_url must not contain query or fragment")
	}
	if !allowPrivate && isPrivateHost(u.Hostname()) {
		return fmt.Errorf("base_url host %q is private (set allow_private_base_url to override)", u.Hostname())
	}
	return nil
}

func isPrivateHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	return !ip.IsGlobalUnicast()
}
