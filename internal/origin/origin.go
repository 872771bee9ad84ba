// Package origin implements the browser Origin check applied to signaling
// WebSocket upgrades and the HTTP endpoints peers fetch from a page.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] together with the host[:port] part. Default ports are
// dropped. The literal "null" is accepted and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Checker decides whether a page origin may talk to this service.
//
// With an empty allow list only same-host pages are admitted. The scheme is
// not compared since a TLS-terminating proxy makes the browser say https while
// the request arrives as plain http.
type Checker struct {
	allowAny bool
	allowed  map[string]struct{}
}

// NewChecker builds a Checker from entries that are "*" or already normalized
// origins.
func NewChecker(allowedOrigins []string) *Checker {
	c := &Checker{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o == "*" {
			c.allowAny = true
			continue
		}
		c.allowed[o] = struct{}{}
	}
	return c
}

// Wildcard reports whether any origin is admitted.
func (c *Checker) Wildcard() bool {
	return c != nil && c.allowAny
}

// CheckRequest applies the policy to r. Requests without an Origin header are
// not from a browser page and pass.
func (c *Checker) CheckRequest(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(raw)
	if !ok {
		return false
	}
	return c.Allowed(normalized, host, r.Host)
}

// Allowed reports whether normalizedOrigin (with its host part originHost)
// may reach a server addressed as requestHost.
func (c *Checker) Allowed(normalizedOrigin, originHost, requestHost string) bool {
	if c != nil && (c.allowAny || len(c.allowed) > 0) {
		if c.allowAny {
			return true
		}
		_, ok := c.allowed[normalizedOrigin]
		return ok
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" never matches a host.
		return false
	}

	reqHost, ok := normalizeAuthority(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalizeAuthority lowercases host[:port], brackets IPv6 literals, and
// drops the port when it is the scheme default.
func normalizeAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(authority))
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
	return host, true
}

func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if rest, found := strings.CutPrefix(authority, "["); found {
		hostname, rest, found = strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if rest == "" {
			return hostname, "", true
		}
		port, found = strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 is not a valid authority.
		return "", "", false
	}
}
