package proxy

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var defaultPorts = map[string]int{
	"ftp":    21,
	"gopher": 70,
	"http":   80,
	"https":  443,
	"ws":     80,
	"wss":    443,
}

var bypassSeparators = regexp.MustCompile(`[,;\s]+`)

// EffectivePort returns the explicit port of u, or the default port of its
// scheme, or 0 when neither is known.
func EffectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return defaultPorts[strings.ToLower(u.Scheme)]
}

// ShouldUseProxy reports whether a request to rawURL goes through the proxy
// given a bypass list. "*" bypasses everything; an empty list bypasses
// nothing. Entries are separated by commas, semicolons or whitespace and may
// carry a ":port". A leading "*" or "." matches by suffix, anything else
// must equal the hostname.
func ShouldUseProxy(rawURL, bypass string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{}
	}
	return shouldProxyTarget(u, bypass)
}

func shouldProxyURL(u *url.URL, bypass string) bool {
	hostname := strings.ToLower(hostWithBrackets(u))
	port := EffectivePort(u)

	for _, entry := range bypassSeparators.Split(strings.ToLower(bypass), -1) {
		if entry == "" {
			continue
		}
		if entry == "*" {
			return false
		}

		pattern, entryPort := splitBypassEntry(entry)
		if entryPort != 0 && entryPort != port {
			continue
		}

		if !strings.HasPrefix(pattern, ".") && !strings.HasPrefix(pattern, "*") {
			if hostname == pattern {
				return false
			}
			continue
		}

		pattern = strings.TrimPrefix(pattern, "*")
		if strings.HasSuffix(hostname, pattern) {
			return false
		}
	}
	return true
}

// splitBypassEntry separates "host:port". IPv6 literals keep their brackets
// and only a port after the closing bracket counts.
func splitBypassEntry(entry string) (string, int) {
	idx := strings.LastIndex(entry, ":")
	if idx <= 0 || strings.LastIndex(entry, "]") > idx {
		return entry, 0
	}
	if strings.Count(entry, ":") > 1 && !strings.HasPrefix(entry, "[") {
		// bare IPv6 literal without a port
		return entry, 0
	}
	port, err := strconv.Atoi(entry[idx+1:])
	if err != nil {
		return entry, 0
	}
	return entry[:idx], port
}

func hostWithBrackets(u *url.URL) string {
	h := u.Hostname()
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}
