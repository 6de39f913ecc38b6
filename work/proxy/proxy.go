package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/cookies"
	"aio-proxy/work/extract"
	"aio-proxy/work/format"
	"aio-proxy/work/hardened"
	"aio-proxy/work/identity"
	"aio-proxy/work/resolve"

	"github.com/panjf2000/ants/v2"
)

// ErrUpstreamConnect marks a failed connection to the media host. Maps to a
// 502 at the API surface: the request was fine, the far side was not
// reachable.
var ErrUpstreamConnect = errors.New("upstream connect failed")

// Transcoder is the MP3 conversion boundary, satisfied by transcode.Bridge.
// An interface so handler tests can observe the invocation instead of
// spawning ffmpeg.
type Transcoder interface {
	Stream(w http.ResponseWriter, r *http.Request, mediaURL string, headers map[string]string, bitrateKbps int, filename string)
}

// Proxy is the download surface of the server: it re-resolves media pages,
// constructs the outbound identity, and relays upstream bytes to clients
// without ever buffering a file.
type Proxy struct {
	Config     *config.Config       // Application configuration
	Client     *client.StreamClient // Plain upstream HTTP client
	Hardened   hardened.Engine      // Browser-impersonating fallback, may be nil
	Resolver   resolve.Resolver     // Extraction/re-resolution boundary
	Pool       *ants.Pool           // Worker pool backing the fallback bridge
	Transcoder Transcoder           // MP3 conversion bridge
}

// New wires a Proxy from its collaborators.
func New(cfg *config.Config, sc *client.StreamClient, he hardened.Engine, rs resolve.Resolver, pool *ants.Pool, tc Transcoder) *Proxy {
	return &Proxy{
		Config:     cfg,
		Client:     sc,
		Hardened:   he,
		Resolver:   rs,
		Pool:       pool,
		Transcoder: tc,
	}
}

// antiBotStatus is the set of upstream statuses treated as bot rejection
// rather than honest failure. Any of these on the first attempt triggers one
// hardened retry.
var antiBotStatus = map[int]bool{
	http.StatusUnauthorized:               true, // 401
	http.StatusForbidden:                  true, // 403
	http.StatusMethodNotAllowed:           true, // 405
	http.StatusConflict:                   true, // 409
	http.StatusGone:                       true, // 410
	http.StatusPreconditionFailed:         true, // 412
	http.StatusTeapot:                     true, // 418
	http.StatusMisdirectedRequest:         true, // 421
	http.StatusTooManyRequests:            true, // 429
	http.StatusUnavailableForLegalReasons: true, // 451
}

// mirroredHeaders is the allow-list of upstream response headers relayed to
// the client. Everything else from upstream is dropped; hop-by-hop headers
// and site cookies must never leak through.
var mirroredHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Content-Encoding",
	"ETag",
	"Last-Modified",
	"Cache-Control",
}

// writeDetail sends a JSON error body in the {"detail": ...} shape clients
// already parse.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// decodeJSONBody decodes a small JSON request body, rejecting unknown noise
// with a plain error the handlers convert to a 400.
func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}

// validSource reports whether a submitted page URL is an absolute http(s)
// URL with a host. Anything else is rejected before it reaches the
// extraction engine.
func validSource(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// sourceParam reads the media page URL from the request, accepting both the
// primary "url" name and the legacy "source" alias.
func sourceParam(r *http.Request) string {
	if v := r.URL.Query().Get("url"); v != "" {
		return v
	}
	return r.URL.Query().Get("source")
}

// bitrateParam reads the requested MP3 bitrate in kbps, accepting the
// primary "bitrate_kbps" name and the shorter "bitrate" alias. Missing or
// unparseable values yield zero, which the transcoder maps to its default.
func bitrateParam(r *http.Request) int {
	v := r.URL.Query().Get("bitrate_kbps")
	if v == "" {
		v = r.URL.Query().Get("bitrate")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// mergeHeaders builds the outbound header set for an upstream fetch with
// set-if-absent precedence: per-format headers first, then page-level
// headers, then the synthesized identity. The client's Range header always
// overwrites, and jar cookies only attach when no engine-provided Cookie
// header exists.
func (p *Proxy) mergeHeaders(v *format.Variant, res *format.Result, sourceURL, rangeHeader string, jar []extract.Cookie) map[string]string {
	merged := make(map[string]string)
	setAbsent(merged, v.Headers)
	setAbsent(merged, res.Headers)
	setAbsent(merged, identity.HeaderMap(p.Config, sourceURL, ""))

	if rangeHeader != "" {
		merged["Range"] = rangeHeader
	}

	if _, exists := merged["Cookie"]; !exists && len(jar) > 0 {
		if host := hostOf(v.DirectURL); host != "" {
			if value := cookies.HeaderValue(jar, host); value != "" {
				merged["Cookie"] = value
			}
		}
	}
	return merged
}

// setAbsent copies src entries into dst unless a canonically-equal key is
// already present. Header maps from the engine arrive with mixed casing.
func setAbsent(dst map[string]string, src map[string]string) {
	for k, v := range src {
		key := textproto.CanonicalMIMEHeaderKey(k)
		if _, exists := dst[key]; !exists {
			dst[key] = v
		}
	}
}

// hostOf extracts the hostname from a URL, "" when unparseable.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// findVariant returns the variant with the exact format id, or nil.
func findVariant(variants []format.Variant, formatID string) *format.Variant {
	for i := range variants {
		if variants[i].FormatID == formatID {
			return &variants[i]
		}
	}
	return nil
}
