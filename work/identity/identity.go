package identity

import (
	"net/url"
	"os"
	"path/filepath"

	"aio-proxy/work/config"
	"aio-proxy/work/extract"
)

// Default outbound identities. The desktop string is the primary face of the
// proxy toward media sites; the mobile string backs the relaxed discovery
// attempt, since several sites serve mobile clients simpler direct formats.
const (
	DesktopUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	MobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
)

// Format selectors for discovery. The default prefers a muxed mp4 without
// AV1; the relaxed selector is the second attempt's wide net.
const (
	DefaultSelector = "best[ext=mp4][vcodec!*=av01]/best/bv*+ba/b"
	RelaxedSelector = "b/bv*+ba/b"
)

// cookieFileCandidates are probed in order when no explicit cookie file is
// configured. Matches the container layout and a bare checkout.
var cookieFileCandidates = []string{
	"/settings/cookies.txt",
	"cookies.txt",
}

// Build assembles the extraction options for one invocation: identity
// headers, engine resilience knobs, network routing, and the cookie file.
// Pure with respect to process state; two concurrent builds never interact.
func Build(cfg *config.Config, sourceURL, formatSelector, userAgent string) extract.Options {
	if userAgent == "" {
		userAgent = UserAgent(cfg)
	}
	return extract.Options{
		FormatSelector:   formatSelector,
		Headers:          HeaderMap(cfg, sourceURL, userAgent),
		Retries:          2,
		ExtractorRetries: 2,
		FragmentRetries:  2,
		ForceIPv4:        true,
		GeoBypass:        true,
		PlayerClients:    cfg.PlayerClients,
		ProxyURL:         cfg.ProxyURL,
		SourceAddress:    cfg.SourceAddress,
		CookieFile:       CookieFile(cfg),
		Timeout:          cfg.ExtractTimeout,
	}
}

// HeaderMap synthesizes the outbound identity headers for a source page:
// User-Agent, Accept-Language, and Referer/Origin derived from the page URL.
// Referer and Origin are only set when the URL parses as absolute http(s),
// since a fabricated origin is worse than none.
func HeaderMap(cfg *config.Config, sourceURL, userAgent string) map[string]string {
	if userAgent == "" {
		userAgent = UserAgent(cfg)
	}
	h := map[string]string{
		"User-Agent":      userAgent,
		"Accept-Language": cfg.AcceptLanguage,
	}
	if u, err := url.Parse(sourceURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		h["Referer"] = sourceURL
		h["Origin"] = u.Scheme + "://" + u.Host
	}
	return h
}

// UserAgent returns the configured override or the default desktop identity.
func UserAgent(cfg *config.Config) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}
	return DesktopUserAgent
}

// CookieFile resolves the cookie file for extraction: the explicit override,
// then the file materialized from AIO_COOKIES_B64, then the first existing
// candidate path. Returns "" when no cookie source is available.
func CookieFile(cfg *config.Config) string {
	if cfg.CookieFile != "" {
		return cfg.CookieFile
	}
	if cfg.RuntimeCookieFile != "" {
		return cfg.RuntimeCookieFile
	}
	for _, candidate := range cookieFileCandidates {
		if fileExists(candidate) {
			return candidate
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "aio-proxy", "cookies.txt")
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
