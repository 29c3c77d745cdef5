package observability

import (
	"net"
	"strings"
	"unicode"
)

const (
	defaultStringLimit = 256
	identifierLimit    = 64
	routeLimit         = 180
)

// sanitizeString drops control characters, line breaks included, and caps the rune count so a
// client supplied value cannot forge extra log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// sanitizeIdentifier keeps the characters order, customer and charge ids are minted from.
func sanitizeIdentifier(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for _, r := range value {
		if b.Len() == identifierLimit {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeOrderID reduces an order id taken from a URL or payload to its identifier alphabet.
// An id with nothing usable left comes back empty.
func SanitizeOrderID(orderID string) string {
	return sanitizeIdentifier(orderID)
}

// SanitizeCustomerID applies the identifier rules to the authenticated customer uid.
func SanitizeCustomerID(uid string) string {
	return sanitizeIdentifier(uid)
}

func sanitizeRoute(route string) string {
	route = sanitizeString(route, routeLimit)
	if route == "" {
		return "/"
	}
	return route
}

func sanitizeMethod(method string) string {
	method = strings.ToUpper(sanitizeString(method, 10))
	for _, r := range method {
		if r < 'A' || r > 'Z' {
			return "OTHER"
		}
	}
	return method
}

// SanitizeRemoteAddr returns the IP of a host:port or bare address, or "" when the value is not
// an IP. Gateway callbacks are attributed by this value so it never carries arbitrary text.
func SanitizeRemoteAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	if ip == nil {
		return ""
	}
	return ip.String()
}

// RedactSignatureHeader renders a gateway signature header ("t=...,v1=...,v0=...") for logs. The
// timestamp is kept so replay rejections can be diagnosed; every signature value is replaced by
// its scheme name. A header without a parsable timestamp is reported as "malformed".
func RedactSignatureHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	var timestamp string
	var schemes []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch {
		case key == "t":
			timestamp = sanitizeIdentifier(value)
		case key != "" && value != "":
			schemes = append(schemes, sanitizeIdentifier(key))
		}
	}
	if timestamp == "" {
		return "malformed"
	}
	if len(schemes) == 0 {
		return "t=" + timestamp
	}
	return "t=" + timestamp + " signed=" + strings.Join(schemes, "+")
}
