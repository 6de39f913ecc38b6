package format

import (
	"fmt"
	"sort"
	"strings"

	"aio-proxy/work/extract"
)

// Variant is one playable rendition of a media page, normalized from the raw
// extractor format list into the shape the API exposes and the proxy consumes.
type Variant struct {
	FormatID       string            `json:"format_id"`                 // Stable id used to request this exact variant later
	Ext            string            `json:"ext,omitempty"`             // Container extension
	Resolution     string            `json:"resolution,omitempty"`      // "WxH", "720p", or empty for audio
	FPS            int               `json:"fps,omitempty"`             // Rounded frame rate
	ACodec         string            `json:"acodec,omitempty"`          // Audio codec, empty when absent
	VCodec         string            `json:"vcodec,omitempty"`          // Video codec, empty when absent
	Filesize       int64             `json:"filesize,omitempty"`        // Bytes, exact when known else engine estimate
	FilesizePretty string            `json:"filesize_pretty,omitempty"` // Human-readable size, empty when unknown
	AudioBitrate   int               `json:"audio_bitrate,omitempty"`   // kbit/s, from audio bitrate else total bitrate
	DirectURL      string            `json:"direct_url"`                // Short-lived media URL from this extraction
	Protocol       string            `json:"protocol,omitempty"`        // Delivery hint: http, m3u8, dash, other
	IsAudioOnly    bool              `json:"is_audio_only"`             // True when the variant carries audio without video
	Headers        map[string]string `json:"-"`                         // Per-format upstream headers, internal only
}

// Track is one subtitle or caption rendition, flattened from the extractor's
// per-language maps. Auto marks machine-generated captions.
type Track struct {
	Lang string `json:"lang"` // Language key as reported by the extractor
	Ext  string `json:"ext"`  // Track format (vtt, srt, ...)
	URL  string `json:"url"`  // Direct track URL
	Auto bool   `json:"auto"` // True for automatic captions
}

// Result is a fully normalized extraction outcome: media metadata plus the
// ranked variant list and available subtitle tracks. Headers carries the
// page-level upstream headers for proxying and never serializes.
type Result struct {
	ID         string            `json:"id,omitempty"`        // Site-scoped media identifier
	Title      string            `json:"title"`               // Media title
	Thumbnail  string            `json:"thumbnail,omitempty"` // Poster image URL
	Duration   float64           `json:"duration,omitempty"`  // Seconds, 0 when unknown
	WebpageURL string            `json:"webpage_url"`         // Canonical page URL
	Extractor  string            `json:"extractor,omitempty"` // Engine extractor name
	Formats    []Variant         `json:"formats"`             // Ranked variants, best first
	Subtitles  []Track           `json:"subtitles,omitempty"` // Flattened subtitle and caption tracks
	Headers    map[string]string `json:"-"`                   // Page-level upstream headers, internal only
}

// FromRawInfo normalizes a raw info dump into a Result. Playlist dumps should
// be collapsed with FirstEntry before calling; a nil info yields nil.
func FromRawInfo(info *extract.RawInfo) *Result {
	if info == nil {
		return nil
	}
	return &Result{
		ID:         info.ID,
		Title:      info.Title,
		Thumbnail:  info.Thumbnail,
		Duration:   info.Duration,
		WebpageURL: info.WebpageURL,
		Extractor:  info.Extractor,
		Formats:    Normalize(info.Formats),
		Subtitles:  Tracks(info),
		Headers:    info.HTTPHeaders,
	}
}

// Normalize filters the raw format list down to fetchable variants, derives
// display fields, and ranks the result best-first. Fragmented protocols are
// deprioritized by the ranking but never dropped.
func Normalize(raw []extract.RawFormat) []Variant {
	variants := make([]Variant, 0, len(raw))

	for _, rf := range raw {
		if rf.URL == "" || rf.FormatID == "" {
			continue
		}
		// Storyboard pseudo-formats are images, not media.
		if rf.Ext == "mhtml" || rf.Protocol == "mhtml" {
			continue
		}

		v := Variant{
			FormatID:  rf.FormatID,
			Ext:       rf.Ext,
			DirectURL: rf.URL,
			Protocol:  protocolHint(rf.Protocol, rf.URL),
			Headers:   rf.HTTPHeaders,
		}

		if hasCodec(rf.ACodec) {
			v.ACodec = rf.ACodec
		}
		if hasCodec(rf.VCodec) {
			v.VCodec = rf.VCodec
		}
		// An explicit "none" video codec marks an audio track even when the
		// audio codec is unreported; otherwise both signals are required.
		v.IsAudioOnly = rf.VCodec == "none" || (v.ACodec != "" && v.VCodec == "")

		switch {
		case rf.Width > 0 && rf.Height > 0:
			v.Resolution = fmt.Sprintf("%dx%d", rf.Width, rf.Height)
		case rf.Height > 0:
			v.Resolution = fmt.Sprintf("%dp", rf.Height)
		}
		v.FPS = int(rf.FPS + 0.5)

		size := rf.Filesize
		if size <= 0 {
			size = rf.FilesizeApprox
		}
		if size > 0 {
			v.Filesize = size
			v.FilesizePretty = HumanReadableBytes(size)
		}

		if rf.ABR > 0 {
			v.AudioBitrate = int(rf.ABR + 0.5)
		} else if rf.TBR > 0 {
			v.AudioBitrate = int(rf.TBR + 0.5)
		}

		variants = append(variants, v)
	}

	Rank(variants)
	return variants
}

// Rank orders variants best-first with a stable sort: muxed before split
// streams, taller before shorter, plain HTTP before fragmented protocols,
// mp4 before other containers, then higher bitrate. Ties keep extractor
// order, which already encodes the engine's own preference.
func Rank(variants []Variant) {
	sort.SliceStable(variants, func(i, j int) bool {
		a, b := &variants[i], &variants[j]

		am, bm := a.muxed(), b.muxed()
		if am != bm {
			return am
		}
		ah, bh := a.height(), b.height()
		if ah != bh {
			return ah > bh
		}
		ap, bp := protocolClass(a.Protocol), protocolClass(b.Protocol)
		if ap != bp {
			return ap < bp
		}
		amp4, bmp4 := a.Ext == "mp4", b.Ext == "mp4"
		if amp4 != bmp4 {
			return amp4
		}
		return a.AudioBitrate > b.AudioBitrate
	})
}

// muxed reports whether the variant carries both audio and video.
func (v *Variant) muxed() bool {
	return v.ACodec != "" && v.VCodec != ""
}

// height extracts the pixel height from the resolution string for ranking.
func (v *Variant) height() int {
	res := v.Resolution
	if res == "" {
		return 0
	}
	if i := strings.IndexByte(res, 'x'); i >= 0 {
		res = res[i+1:]
	} else {
		res = strings.TrimSuffix(res, "p")
	}
	var h int
	fmt.Sscanf(res, "%d", &h)
	return h
}

// hasCodec reports whether the extractor codec field names a real codec.
// The engine uses the string "none" as its absent sentinel.
func hasCodec(codec string) bool {
	return codec != "" && codec != "none"
}

// protocolHint collapses engine protocol strings into the four delivery
// classes the ranking and clients care about. An empty protocol is inferred
// from the URL, defaulting to plain HTTP.
func protocolHint(protocol, url string) string {
	p := strings.ToLower(protocol)
	switch {
	case p == "http" || p == "https":
		return "http"
	case strings.Contains(p, "m3u8"):
		return "m3u8"
	case strings.Contains(p, "dash"):
		return "dash"
	case p == "":
		if strings.Contains(url, ".m3u8") {
			return "m3u8"
		}
		if strings.Contains(url, ".mpd") {
			return "dash"
		}
		return "http"
	default:
		return "other"
	}
}

// protocolClass maps a delivery hint to its rank bucket. Plain HTTP streams
// byte-for-byte through the proxy; fragmented protocols need a capable
// client, so they sort below any direct variant of the same height.
func protocolClass(hint string) int {
	switch hint {
	case "http":
		return 0
	case "m3u8", "dash":
		return 1
	default:
		return 2
	}
}

// Tracks flattens the extractor's subtitle and caption maps into a single
// list. Author-provided subtitles come first; a language present in both maps
// keeps both renditions, distinguished by the Auto flag.
func Tracks(info *extract.RawInfo) []Track {
	if info == nil {
		return nil
	}
	tracks := flattenTracks(info.Subtitles, false)
	return append(tracks, flattenTracks(info.AutomaticCaptions, true)...)
}

// flattenTracks converts one language-keyed track map into Track entries in
// stable language order.
func flattenTracks(m map[string][]extract.RawTrack, auto bool) []Track {
	if len(m) == 0 {
		return nil
	}
	langs := make([]string, 0, len(m))
	for lang := range m {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	var out []Track
	for _, lang := range langs {
		for _, rt := range m[lang] {
			if rt.URL == "" {
				continue
			}
			out = append(out, Track{Lang: lang, Ext: rt.Ext, URL: rt.URL, Auto: auto})
		}
	}
	return out
}
