package utils

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// unsafeFilename matches the characters stripped from download filenames:
// path separators, shell noise, and anything a Content-Disposition parser
// could stumble over.
var unsafeFilename = regexp.MustCompile(`[\x00-\x1f/\\:*?"<>|]+`)

// LogURL returns either the original URL or an obfuscated version for
// logging, depending on the obfuscation flag. Media URLs routinely carry
// signed tokens in their query strings, so the default is to hide them.
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// SanitizeFilename makes a media title safe to use as a download filename.
// Unsafe characters collapse to underscores; an empty result falls back to
// "download".
func SanitizeFilename(name string) string {
	sanitized := unsafeFilename.ReplaceAllString(name, "_")
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(strings.TrimSpace(sanitized), "_.")
	if sanitized == "" {
		return "download"
	}
	return sanitized
}

// RFC5987Encode percent-encodes a string for use in an extended header
// parameter (filename*=UTF-8”...). Only attr-char bytes pass through.
func RFC5987Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
		} else {
			const hex = "0123456789ABCDEF"
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}

// isAttrChar reports whether c is an RFC 5987 attr-char.
func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '&', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// ObfuscateURL keeps the scheme and host of a URL while hiding the path,
// query, and fragment.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}
