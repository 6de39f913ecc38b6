package handlers

import (
	"encoding/json"
	"net/http"

	"aio-proxy/work/config"
	"aio-proxy/work/identity"
	"aio-proxy/work/proxy"
)

// HandleExtract serves POST /api/extract: media page discovery.
func HandleExtract(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.HandleExtract(w, r)
	}
}

// HandleDownload serves GET /api/download: the streaming proxy.
func HandleDownload(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.HandleDownload(w, r)
	}
}

// HandleSubtitle serves GET /api/subtitle.
func HandleSubtitle(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.HandleSubtitle(w, r)
	}
}

// HandleConvertMP3 serves GET /api/convert_mp3: the transcode bridge.
func HandleConvertMP3(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.HandleConvertMP3(w, r)
	}
}

// HandleCookiesStatus reports whether a cookie source is configured, so the
// UI can tell users their logged-in downloads will work.
func HandleCookiesStatus(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{
			"enabled": identity.CookieFile(cfg) != "",
		})
	}
}

// HandleHealth is the liveness probe.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
