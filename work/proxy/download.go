package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"aio-proxy/work/hardened"
	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"
	"aio-proxy/work/resolve"
	"aio-proxy/work/utils"
)

// chunkSize is the streaming granularity toward the client. One chunk is the
// only per-request buffer the proxy holds; media bytes are never accumulated.
const chunkSize = 64 * 1024

// HandleExtract serves discovery: the client posts a media page URL and gets
// back the ranked variant list plus subtitle tracks.
func (p *Proxy) HandleExtract(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeJSONBody(r, &body); err != nil || body.URL == "" {
		writeDetail(w, http.StatusBadRequest, "A media page URL is required")
		return
	}
	if !validSource(body.URL) {
		writeDetail(w, http.StatusBadRequest, "Only absolute http(s) URLs are supported")
		return
	}

	result, err := p.Resolver.Discover(r.Context(), body.URL)
	if err != nil {
		metrics.Extractions.WithLabelValues("discover", "error").Inc()
		if r.Context().Err() != nil {
			return
		}
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.Extractions.WithLabelValues("discover", "ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleDownload proxies the media bytes of one exact format to the client.
// The page is re-resolved first because direct URLs from discovery expire;
// the fresh URL is fetched with the merged identity and relayed chunk by
// chunk, mirroring upstream status and the safe header subset.
func (p *Proxy) HandleDownload(w http.ResponseWriter, r *http.Request) {
	sourceURL := sourceParam(r)
	formatID := r.URL.Query().Get("format_id")

	if formatID == "" {
		writeDetail(w, http.StatusBadRequest, "format_id is required")
		return
	}
	if !validSource(sourceURL) {
		writeDetail(w, http.StatusBadRequest, "Only absolute http(s) URLs are supported")
		return
	}

	result, jar, err := p.Resolver.ResolveFormat(r.Context(), sourceURL, formatID)
	if err != nil {
		metrics.Extractions.WithLabelValues("resolve", "error").Inc()
		if r.Context().Err() != nil {
			return
		}
		if errors.Is(err, resolve.ErrExtraction) {
			metrics.Downloads.WithLabelValues("client_error").Inc()
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics.Downloads.WithLabelValues("upstream_error").Inc()
		writeDetail(w, http.StatusBadGateway, "Upstream resolution failed")
		return
	}
	metrics.Extractions.WithLabelValues("resolve", "ok").Inc()

	variant := findVariant(result.Formats, formatID)
	if variant == nil {
		metrics.Downloads.WithLabelValues("not_found").Inc()
		writeDetail(w, http.StatusNotFound, "Format not found")
		return
	}

	headers := p.mergeHeaders(variant, result, sourceURL, r.Header.Get("Range"), jar)
	filename := downloadFilename(result.Title, variant.Ext)

	p.streamUpstream(w, r, variant.DirectURL, headers, filename, "download", true)
}

// HandleConvertMP3 resolves a format and bridges it through the transcoder
// instead of relaying raw bytes. The merged identity headers ride along so
// ffmpeg fetches with the same face the extractor used.
func (p *Proxy) HandleConvertMP3(w http.ResponseWriter, r *http.Request) {
	sourceURL := sourceParam(r)
	if !validSource(sourceURL) {
		writeDetail(w, http.StatusBadRequest, "Only absolute http(s) URLs are supported")
		return
	}

	selector := r.URL.Query().Get("format_id")
	if selector == "" {
		// No explicit format: let the engine pick the best audio source.
		selector = "ba/b"
	}

	result, jar, err := p.Resolver.ResolveFormat(r.Context(), sourceURL, selector)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(result.Formats) == 0 {
		writeDetail(w, http.StatusNotFound, "Format not found")
		return
	}

	variant := findVariant(result.Formats, selector)
	if variant == nil {
		variant = &result.Formats[0]
	}

	headers := p.mergeHeaders(variant, result, sourceURL, "", jar)
	filename := utils.SanitizeFilename(result.Title) + ".mp3"

	p.Transcoder.Stream(w, r, variant.DirectURL, headers, bitrateParam(r), filename)
}

// streamUpstream performs the upstream GET and relays the response. When the
// first attempt hits an anti-bot status and fallback is allowed, one hardened
// retry is made; if that retry fails for any reason the original blocked
// response is streamed as-is. Every opened body is closed exactly once.
func (p *Proxy) streamUpstream(w http.ResponseWriter, r *http.Request, mediaURL string, headers map[string]string, filename, route string, allowFallback bool) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, mediaURL, nil)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Unusable media URL")
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		logger.Warn("{proxy/download.go - streamUpstream} %v: %v", ErrUpstreamConnect,
			utils.LogURL(p.Config.ObfuscateUrls, mediaURL))
		metrics.Downloads.WithLabelValues("upstream_error").Inc()
		writeDetail(w, http.StatusBadGateway, "Upstream connect failed")
		return
	}

	if allowFallback && antiBotStatus[resp.StatusCode] && p.Hardened != nil {
		logger.Info("{proxy/download.go - streamUpstream} upstream answered %d, trying hardened client", resp.StatusCode)
		hresp, herr := p.Hardened.Open(r.Context(), mediaURL, headers)
		if herr == nil {
			metrics.FallbackAttempts.WithLabelValues("ok").Inc()
			resp.Body.Close()
			p.relay(w, r, hresp, filename, route, true)
			return
		}
		metrics.FallbackAttempts.WithLabelValues("failed").Inc()
		logger.Warn("{proxy/download.go - streamUpstream} hardened attempt failed: %v", herr)
	}

	p.relay(w, r, resp, filename, route, false)
}

// relay mirrors the upstream response toward the client and streams the body.
// A bridged relay hands body ownership to the pool-backed chunk bridge; a
// plain relay closes the body itself.
func (p *Proxy) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, filename, route string, bridged bool) {
	for _, name := range mirroredHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename*=UTF-8''%s", utils.RFC5987Encode(filename)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(resp.StatusCode)

	metrics.ActiveStreams.WithLabelValues(route).Inc()
	defer metrics.ActiveStreams.WithLabelValues(route).Dec()

	var (
		sent    int64
		outcome string
	)
	if bridged {
		sent, outcome = p.relayBridged(w, r, resp.Body, route)
	} else {
		sent, outcome = p.relayDirect(w, r, resp.Body, route)
	}

	if route == "download" {
		metrics.Downloads.WithLabelValues(outcome).Inc()
	}
	logger.Debug("{proxy/download.go - relay} %s finished: %d bytes, %s", route, sent, outcome)
}

// relayDirect copies upstream bytes to the client in fixed chunks, flushing
// each one so playback can begin immediately.
func (p *Proxy) relayDirect(w http.ResponseWriter, r *http.Request, body io.ReadCloser, route string) (int64, string) {
	defer body.Close()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	var total int64

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, "client_error"
			}
			total += int64(n)
			metrics.BytesStreamed.WithLabelValues(route).Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, "ok"
			}
			if r.Context().Err() != nil {
				return total, "client_error"
			}
			return total, "upstream_error"
		}
	}
}

// relayBridged drains the bounded chunk bridge fed by the hardened client's
// body. The bridge producer owns and closes the body.
func (p *Proxy) relayBridged(w http.ResponseWriter, r *http.Request, body io.ReadCloser, route string) (int64, string) {
	ch, err := hardened.Bridge(r.Context(), p.Pool, body)
	if err != nil {
		logger.Error("{proxy/download.go - relayBridged} bridge setup failed: %v", err)
		return 0, "upstream_error"
	}

	flusher, _ := w.(http.Flusher)
	var total int64
	for chunk := range ch {
		if chunk.Err != nil {
			return total, "upstream_error"
		}
		if _, werr := w.Write(chunk.Data); werr != nil {
			return total, "client_error"
		}
		total += int64(len(chunk.Data))
		metrics.BytesStreamed.WithLabelValues(route).Add(float64(len(chunk.Data)))
		if flusher != nil {
			flusher.Flush()
		}
	}
	return total, "ok"
}

// downloadFilename derives the attachment filename from title and container.
func downloadFilename(title, ext string) string {
	name := utils.SanitizeFilename(title)
	if ext == "" {
		return name
	}
	return name + "." + ext
}
