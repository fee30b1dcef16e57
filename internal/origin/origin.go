// Package origin implements the browser-origin policy for the WebSocket
// endpoint. Cross-site WebSocket hijacking is the concern: the Origin
// header is the only signal a browser gives us about who opened the socket.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Allowed reports whether a request with the given Origin header may
// connect.
//
// Non-browser clients send no Origin header and are always allowed; auth is
// their gate. When allowedOrigins is non-empty, each entry must be "*" or a
// normalized origin (scheme://host[:port], default ports elided). When
// empty, the policy is same-host: the origin's host[:port] must match the
// request's Host header. Scheme is deliberately not compared because a
// TLS-terminating proxy makes the relay see http for an https origin.
func Allowed(originHeader, requestHost string, allowedOrigins []string) bool {
	header := strings.TrimSpace(originHeader)
	if header == "" {
		return true
	}

	normalized, host, ok := normalize(header)
	if !ok {
		return false
	}

	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	// "null" (sandboxed iframe, file://) never matches a host.
	if host == "" {
		return false
	}
	reqHost, ok := normalizeHost(requestHost, strings.HasPrefix(normalized, "https://"))
	if !ok {
		return false
	}
	return host == reqHost
}

// normalize validates an Origin header and reduces it to canonical
// scheme://host[:port] form, returning the host part separately for
// same-host comparisons. The special value "null" normalizes to itself
// with an empty host.
func normalize(header string) (normalized, host string, ok bool) {
	if header == "null" {
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme == "https")
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases a host[:port] authority, brackets IPv6 literals,
// and strips the scheme's default port.
func normalizeHost(rawHost string, https bool) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(rawHost)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (!https && port == 80) || (https && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port], handling bracketed IPv6 literals. The
// hostname is returned without brackets; the port may be empty.
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
		switch {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
