// Package origin implements browser Origin checks for the WebSocket
// endpoint. Non-browser clients send no Origin header and always pass.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Allowed reports whether a request with the given Origin header may open a
// session.
//
// An absent header passes: native and CLI clients are identified by login,
// not by origin. An empty allowlist admits every origin (the development
// default). Otherwise each allowlist entry must be "*" or a normalized
// origin such as "https://chat.example.com".
func Allowed(originHeader string, allowlist []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	if len(allowlist) == 0 {
		return true
	}

	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	for _, allowed := range allowlist {
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	return false
}

// Normalize validates an Origin header and rewrites it to the canonical
// scheme://host[:port] form, lowercased and with default ports stripped.
// The sandboxed-iframe value "null" is passed through unchanged.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(u.Host)
	if !ok || hostname == "" {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}

// splitHostPort splits an authority host[:port] string. IPv6 literals are
// returned without brackets; the port is not validated here.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		host, p, _ := strings.Cut(rawHost, ":")
		if host == "" || p == "" {
			return "", "", false
		}
		return host, p, true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
