package proxy

import (
	"net/http"

	"aio-proxy/work/format"
	"aio-proxy/work/identity"
	"aio-proxy/work/utils"
)

// HandleSubtitle streams one subtitle track to the client. The track URL
// comes from a discovery result for the page; the fetch carries only the
// synthesized identity — no cookies and no anti-bot fallback, subtitle
// endpoints are not where CDNs put up walls.
func (p *Proxy) HandleSubtitle(w http.ResponseWriter, r *http.Request) {
	sourceURL := sourceParam(r)
	lang := r.URL.Query().Get("lang")
	ext := r.URL.Query().Get("ext")
	if ext == "" {
		ext = "vtt"
	}

	if lang == "" {
		writeDetail(w, http.StatusBadRequest, "lang is required")
		return
	}
	if !validSource(sourceURL) {
		writeDetail(w, http.StatusBadRequest, "Only absolute http(s) URLs are supported")
		return
	}

	result, err := p.Resolver.Discover(r.Context(), sourceURL)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	track := findTrack(result.Subtitles, lang, ext)
	if track == nil {
		writeDetail(w, http.StatusNotFound, "Subtitle not found")
		return
	}

	headers := identity.HeaderMap(p.Config, sourceURL, "")
	filename := utils.SanitizeFilename(result.Title) + "." + lang + "." + ext

	p.streamUpstream(w, r, track.URL, headers, filename, "subtitle", false)
}

// findTrack returns the first track matching language and format.
// Author-provided subtitles are listed before automatic captions, so a
// language with both yields the manual one.
func findTrack(tracks []format.Track, lang, ext string) *format.Track {
	for i := range tracks {
		if tracks[i].Lang == lang && tracks[i].Ext == ext {
			return &tracks[i]
		}
	}
	return nil
}
