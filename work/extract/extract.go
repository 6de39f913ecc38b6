package extract

import (
	"context"
	"time"
)

// Engine is the boundary to the external media extraction engine. The rest of
// the application treats extraction as an opaque, occasionally-flaky black box:
// it hands over a page URL plus invocation options and receives the raw info
// dump and whichever cookies the extractor accumulated while talking to the
// site. Implementations must be safe for concurrent use.
type Engine interface {
	Extract(ctx context.Context, pageURL string, opts Options) (*RawInfo, []Cookie, error)
}

// Options carries everything one extraction invocation needs. It is built per
// request by the identity package and never reaches into process-wide state,
// so concurrent requests with different identities cannot trample each other.
type Options struct {
	FormatSelector   string            // Extractor format selection expression, or an exact format id
	Headers          map[string]string // Outbound identity headers (User-Agent, Referer, ...)
	Retries          int               // Network-level retry count
	ExtractorRetries int               // Extractor-level retry count
	FragmentRetries  int               // Fragment retry count for segmented media
	ForceIPv4        bool              // Prefer IPv4 for upstream connections
	GeoBypass        bool              // Enable the extractor's geo-restriction bypass
	PlayerClients    []string          // Ordered player-client identities (site-specific)
	ProxyURL         string            // Optional forward proxy
	SourceAddress    string            // Optional local bind address
	CookieFile       string            // Netscape cookie file to seed the extractor with
	CaptureCookies   bool              // Round-trip the cookie jar back to the caller
	Timeout          time.Duration     // Hard deadline for the invocation
}

// Cookie is a single jar entry recovered from the extraction engine. Only the
// fields the proxy needs for Cookie header construction are retained.
type Cookie struct {
	Name   string // Cookie name
	Value  string // Raw value as stored in the jar
	Domain string // Jar domain, possibly with a leading dot
}

// RawFormat mirrors one entry of the extractor's format list. Field names
// follow the engine's JSON dump so the struct decodes without translation.
type RawFormat struct {
	FormatID       string            `json:"format_id"`       // Engine-assigned stable identifier
	Ext            string            `json:"ext"`             // Container extension (mp4, webm, m4a, ...)
	URL            string            `json:"url"`             // Direct media URL, typically short-lived
	Width          int               `json:"width"`           // Video width in pixels, 0 when unknown
	Height         int               `json:"height"`          // Video height in pixels, 0 when unknown
	FPS            float64           `json:"fps"`             // Frame rate, 0 when unknown
	ACodec         string            `json:"acodec"`          // Audio codec, "none" when absent
	VCodec         string            `json:"vcodec"`          // Video codec, "none" when absent
	Filesize       int64             `json:"filesize"`        // Exact size in bytes when the site reports one
	FilesizeApprox int64             `json:"filesize_approx"` // Engine estimate when no exact size exists
	ABR            float64           `json:"abr"`             // Audio bitrate in kbit/s
	TBR            float64           `json:"tbr"`             // Total bitrate in kbit/s
	Protocol       string            `json:"protocol"`        // Delivery protocol (https, m3u8_native, ...)
	HTTPHeaders    map[string]string `json:"http_headers"`    // Headers the engine used for this format
}

// RawTrack is a single subtitle or caption rendition for one language.
type RawTrack struct {
	Ext string `json:"ext"` // Track format (vtt, srt, ...)
	URL string `json:"url"` // Direct track URL
}

// RawInfo mirrors the extractor's JSON info dump for a single media page.
// Playlist-style results arrive with Entries populated instead of Formats;
// FirstEntry collapses those to the first playable item.
type RawInfo struct {
	ID                string                `json:"id"`                 // Site-scoped media identifier
	Title             string                `json:"title"`              // Human title, used for download filenames
	Thumbnail         string                `json:"thumbnail"`          // Poster image URL
	Duration          float64               `json:"duration"`           // Length in seconds, 0 for live/unknown
	WebpageURL        string                `json:"webpage_url"`        // Canonical page URL
	Extractor         string                `json:"extractor"`          // Engine extractor that handled the page
	HTTPHeaders       map[string]string     `json:"http_headers"`       // Page-level headers the engine used
	Formats           []RawFormat           `json:"formats"`            // All discovered format variants
	Subtitles         map[string][]RawTrack `json:"subtitles"`          // Author-provided tracks keyed by language
	AutomaticCaptions map[string][]RawTrack `json:"automatic_captions"` // Machine-generated tracks keyed by language
	Entries           []*RawInfo            `json:"entries"`            // Playlist children, nil for single items
}

// FirstEntry returns the info to operate on: the dump itself for single
// items, or the first non-nil playlist entry otherwise. Returns nil when a
// playlist dump carries no usable entries.
func (ri *RawInfo) FirstEntry() *RawInfo {
	if ri == nil {
		return nil
	}
	if len(ri.Entries) == 0 {
		return ri
	}
	for _, e := range ri.Entries {
		if e != nil {
			return e
		}
	}
	return nil
}
