package cookies

import (
	"fmt"
	"strings"

	"aio-proxy/work/extract"
)

// DomainMatch reports whether a jar cookie scoped to domain may be sent to
// host. Leading dots on the jar domain are ignored, then the host must equal
// the domain or be a subdomain of it. Bare TLDs and empty domains never
// match, and suffix tricks ("notevil.com" vs "evil.com") are rejected because
// only dot-boundary suffixes count.
func DomainMatch(host, domain string) bool {
	d := strings.TrimLeft(domain, ".")
	if d == "" || host == "" || !strings.Contains(d, ".") {
		return false
	}
	return host == d || strings.HasSuffix(host, "."+d)
}

// HeaderValue builds a Cookie header value from the jar entries applicable to
// host: "name=value" pairs joined by "; ", in jar order. Returns the empty
// string when nothing matches.
func HeaderValue(jar []extract.Cookie, host string) string {
	var pairs []string
	for _, c := range jar {
		if c.Name == "" || !DomainMatch(host, c.Domain) {
			continue
		}
		pairs = append(pairs, c.Name+"="+encodeValue(c.Value))
	}
	return strings.Join(pairs, "; ")
}

// encodeValue percent-encodes only the bytes that would corrupt a Cookie
// header: separators, quotes, the percent sign itself, and non-printables.
// Everything else passes through untouched, so values carrying "=" padding
// or "+" stay byte-identical to what the site set.
func encodeValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if shouldEscape(c) {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// shouldEscape reports whether a byte must be percent-encoded in a cookie
// value.
func shouldEscape(c byte) bool {
	switch c {
	case ' ', ';', ',', '"', '\\', '%':
		return true
	}
	return c <= 0x1f || c >= 0x7f
}
