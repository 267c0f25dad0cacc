package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL reduces a URL to scheme, host and path for duplicate detection.
// The host is lowercased with any "www." prefix and default port removed, the
// trailing slash is trimmed, and query and fragment are dropped. The result is
// idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	for strings.HasPrefix(host, "www.") {
		host = strings.TrimPrefix(host, "www.")
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	path = strings.TrimRight(path, "/")

	return scheme + "://" + host + path, nil
}

// HostOf returns the lowercase hostname of a URL, or "unknown".
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ResolveURL resolves href against base. ok is false when href cannot be
// turned into an absolute http(s) URL.
func ResolveURL(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if !resolved.IsAbs() || resolved.Host == "" {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
