package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/extract"
	"aio-proxy/work/format"
	"aio-proxy/work/resolve"

	"github.com/panjf2000/ants/v2"
)

// fakeResolver serves canned results so handler tests never touch the
// extraction engine.
type fakeResolver struct {
	result *format.Result
	jar    []extract.Cookie
	err    error
}

func (f *fakeResolver) Discover(ctx context.Context, sourceURL string) (*format.Result, error) {
	return f.result, f.err
}

func (f *fakeResolver) ResolveFormat(ctx context.Context, sourceURL, formatID string) (*format.Result, []extract.Cookie, error) {
	return f.result, f.jar, f.err
}

// fakeHardened records fallback invocations and either fails or replays a
// prepared response.
type fakeHardened struct {
	calls atomic.Int32
	resp  *http.Response
	err   error
}

func (f *fakeHardened) Open(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AcceptLanguage: "en-US,en;q=0.9",
		PlayerClients:  []string{"ios"},
		ObfuscateUrls:  true,
	}
}

func newTestProxy(t *testing.T, rs resolve.Resolver, he *fakeHardened) *Proxy {
	t.Helper()
	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Release)

	cfg := testConfig()
	p := New(cfg, client.New(cfg), nil, rs, pool, nil)
	if he != nil {
		p.Hardened = he
	}
	return p
}

func singleVariantResult(directURL string) *format.Result {
	return &format.Result{
		Title:      "My Clip",
		WebpageURL: "https://media.example.com/v/1",
		Formats: []format.Variant{
			{FormatID: "22", Ext: "mp4", DirectURL: directURL, Protocol: "http"},
		},
	}
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %v (%q)", err, rec.Body.String())
	}
	return body["detail"]
}

func TestHandleDownloadValidation(t *testing.T) {
	p := newTestProxy(t, &fakeResolver{}, nil)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing format id", "/api/download?url=https://media.example.com/v/1", http.StatusBadRequest},
		{"missing url", "/api/download?format_id=22", http.StatusBadRequest},
		{"non-http scheme", "/api/download?format_id=22&url=ftp://example.com/f", http.StatusBadRequest},
		{"relative url", "/api/download?format_id=22&url=/v/1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.HandleDownload(rec, httptest.NewRequest("GET", tt.target, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if decodeDetail(t, rec) == "" {
				t.Error("error body carries no detail")
			}
		})
	}
}

func TestHandleDownloadExtractionFailure(t *testing.T) {
	rs := &fakeResolver{err: fmt.Errorf("%w: Video unavailable", resolve.ErrExtraction)}
	p := newTestProxy(t, rs, nil)

	rec := httptest.NewRecorder()
	p.HandleDownload(rec, httptest.NewRequest("GET", "/api/download?format_id=22&url=https://media.example.com/v/1", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if detail := decodeDetail(t, rec); !strings.Contains(detail, "Video unavailable") {
		t.Errorf("detail %q does not surface the engine message", detail)
	}
}

func TestHandleDownloadUnknownFormat(t *testing.T) {
	rs := &fakeResolver{result: singleVariantResult("https://cdn.example.com/media")}
	p := newTestProxy(t, rs, nil)

	rec := httptest.NewRecorder()
	p.HandleDownload(rec, httptest.NewRequest("GET", "/api/download?format_id=999&url=https://media.example.com/v/1", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleDownloadUnreachableUpstream(t *testing.T) {
	// Port 1 on loopback: reliably refused, no DNS involved.
	rs := &fakeResolver{result: singleVariantResult("http://127.0.0.1:1/media")}
	p := newTestProxy(t, rs, nil)

	rec := httptest.NewRecorder()
	p.HandleDownload(rec, httptest.NewRequest("GET", "/api/download?format_id=22&url=https://media.example.com/v/1", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestHandleDownloadStreamsAndMirrors(t *testing.T) {
	payload := strings.Repeat("x", 200*1024)
	var gotRange, gotCookie, gotUA string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("X-Internal-Secret", "must-not-leak")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(payload))
	}))
	defer upstream.Close()

	host := hostOf(upstream.URL)
	rs := &fakeResolver{
		result: singleVariantResult(upstream.URL + "/media"),
		jar: []extract.Cookie{
			{Name: "session", Value: "abc==", Domain: host},
			{Name: "alt", Value: "plus+value", Domain: "." + host},
		},
	}
	p := newTestProxy(t, rs, nil)

	req := httptest.NewRequest("GET", "/api/download?format_id=22&url=https://media.example.com/v/1", nil)
	req.Header.Set("Range", "bytes=0-999999")
	rec := httptest.NewRecorder()
	p.HandleDownload(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want mirrored 206", rec.Code)
	}
	if gotRange != "bytes=0-999999" {
		t.Errorf("upstream Range = %q, want the client's", gotRange)
	}
	if gotCookie != "session=abc==; alt=plus+value" {
		t.Errorf("upstream Cookie = %q", gotCookie)
	}
	if gotUA == "" {
		t.Error("no identity User-Agent sent upstream")
	}

	if rec.Body.String() != payload {
		t.Errorf("body mismatch: got %d bytes, want %d", rec.Body.Len(), len(payload))
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("ETag") != `"abc"` || rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("allow-listed headers not mirrored")
	}
	if rec.Header().Get("X-Internal-Secret") != "" {
		t.Error("non-allow-listed upstream header leaked")
	}

	cd := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, "attachment; filename*=UTF-8''") || !strings.Contains(cd, "My%20Clip.mp4") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("streaming hygiene headers missing")
	}
}

func TestMergeHeaderPrecedence(t *testing.T) {
	p := newTestProxy(t, &fakeResolver{}, nil)

	variant := &format.Variant{
		DirectURL: "https://cdn.example.com/media",
		Headers:   map[string]string{"user-agent": "format-ua", "X-Format": "f"},
	}
	result := &format.Result{
		Headers: map[string]string{"User-Agent": "info-ua", "Referer": "info-referer"},
	}

	merged := p.mergeHeaders(variant, result, "https://media.example.com/v/1", "bytes=10-20", nil)

	if merged["User-Agent"] != "format-ua" {
		t.Errorf("format header lost precedence: %q", merged["User-Agent"])
	}
	if merged["Referer"] != "info-referer" {
		t.Errorf("info header lost to identity: %q", merged["Referer"])
	}
	if merged["X-Format"] != "f" {
		t.Error("format-only header dropped")
	}
	if merged["Origin"] != "https://media.example.com" {
		t.Errorf("identity Origin missing: %q", merged["Origin"])
	}
	if merged["Range"] != "bytes=10-20" {
		t.Errorf("client Range must overwrite: %q", merged["Range"])
	}
}

func TestMergeHeadersEngineCookieWins(t *testing.T) {
	p := newTestProxy(t, &fakeResolver{}, nil)

	variant := &format.Variant{
		DirectURL: "https://cdn.example.com/media",
		Headers:   map[string]string{"Cookie": "engine=1"},
	}
	jar := []extract.Cookie{{Name: "jarred", Value: "2", Domain: "cdn.example.com"}}

	merged := p.mergeHeaders(variant, &format.Result{}, "https://media.example.com/v/1", "", jar)
	if merged["Cookie"] != "engine=1" {
		t.Errorf("engine Cookie overwritten: %q", merged["Cookie"])
	}
}

func TestAntiBotFallbackFailureStreamsOriginal(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("blocked by bot wall"))
	}))
	defer upstream.Close()

	rs := &fakeResolver{result: singleVariantResult(upstream.URL + "/media")}
	he := &fakeHardened{err: fmt.Errorf("handshake refused")}
	p := newTestProxy(t, rs, he)

	rec := httptest.NewRecorder()
	p.HandleDownload(rec, httptest.NewRequest("GET", "/api/download?format_id=22&url=https://media.example.com/v/1", nil))

	if he.calls.Load() != 1 {
		t.Fatalf("hardened client called %d times, want exactly 1", he.calls.Load())
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want the original 403 mirrored", rec.Code)
	}
	if rec.Body.String() != "blocked by bot wall" {
		t.Errorf("original body not streamed: %q", rec.Body.String())
	}
	if upstreamHits.Load() != 1 {
		t.Errorf("upstream hit %d times, want 1", upstreamHits.Load())
	}
}

func TestAntiBotFallbackSuccessStreamsHardenedBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer upstream.Close()

	body := &closeCountingReader{Reader: strings.NewReader("hardened bytes")}
	he := &fakeHardened{
		resp: &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"video/mp4"}},
			Body:       body,
		},
	}
	rs := &fakeResolver{result: singleVariantResult(upstream.URL + "/media")}
	p := newTestProxy(t, rs, he)

	rec := httptest.NewRecorder()
	p.HandleDownload(rec, httptest.NewRequest("GET", "/api/download?format_id=22&url=https://media.example.com/v/1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want the hardened 200", rec.Code)
	}
	if rec.Body.String() != "hardened bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// The bridge producer owns the hardened body; give it a beat to close.
	deadline := time.Now().Add(2 * time.Second)
	for body.closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := body.closes.Load(); got != 1 {
		t.Errorf("hardened body closed %d times, want exactly 1", got)
	}
}

func TestSubtitleLookup(t *testing.T) {
	payload := "WEBVTT\n\n00:00.000 --> 00:01.000\nhi\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/vtt")
		w.Write([]byte(payload))
	}))
	defer upstream.Close()

	rs := &fakeResolver{result: &format.Result{
		Title: "My Clip",
		Subtitles: []format.Track{
			{Lang: "en", Ext: "vtt", URL: upstream.URL + "/en.vtt"},
			{Lang: "en", Ext: "vtt", URL: upstream.URL + "/auto.vtt", Auto: true},
		},
	}}
	p := newTestProxy(t, rs, nil)

	rec := httptest.NewRecorder()
	p.HandleSubtitle(rec, httptest.NewRequest("GET", "/api/subtitle?url=https://media.example.com/v/1&lang=en&ext=vtt", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != payload {
		t.Errorf("subtitle body mismatch")
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "en.vtt") {
		t.Errorf("Content-Disposition %q lacks language and extension", cd)
	}

	rec = httptest.NewRecorder()
	p.HandleSubtitle(rec, httptest.NewRequest("GET", "/api/subtitle?url=https://media.example.com/v/1&lang=xx&ext=vtt", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown language: status = %d, want 404", rec.Code)
	}
}

func TestHandleExtract(t *testing.T) {
	rs := &fakeResolver{result: singleVariantResult("https://cdn.example.com/media")}
	p := newTestProxy(t, rs, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/extract", strings.NewReader(`{"url":"https://media.example.com/v/1"}`))
	p.HandleExtract(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	var result format.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("response not a result: %v", err)
	}
	if len(result.Formats) != 1 || result.Formats[0].FormatID != "22" {
		t.Errorf("unexpected formats: %+v", result.Formats)
	}

	rec = httptest.NewRecorder()
	p.HandleExtract(rec, httptest.NewRequest("POST", "/api/extract", strings.NewReader(`{"url":"notaurl"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid url: status = %d, want 400", rec.Code)
	}
}

// closeCountingReader counts Close calls on a streamed body.
type closeCountingReader struct {
	io.Reader
	closes atomic.Int32
}

func (c *closeCountingReader) Close() error {
	c.closes.Add(1)
	return nil
}

// recordingTranscoder captures what the MP3 handler hands to the bridge.
type recordingTranscoder struct {
	mediaURL string
	bitrate  int
	filename string
}

func (rt *recordingTranscoder) Stream(w http.ResponseWriter, r *http.Request, mediaURL string, headers map[string]string, bitrateKbps int, filename string) {
	rt.mediaURL = mediaURL
	rt.bitrate = bitrateKbps
	rt.filename = filename
}

func TestHandleConvertMP3BitrateParam(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"primary name", "bitrate_kbps=320", 320},
		{"short alias", "bitrate=256", 256},
		{"primary wins over alias", "bitrate_kbps=320&bitrate=128", 320},
		{"absent means bridge default", "", 0},
		{"garbage means bridge default", "bitrate_kbps=320abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &fakeResolver{result: singleVariantResult("https://cdn.example.com/media")}
			p := newTestProxy(t, rs, nil)
			tc := &recordingTranscoder{}
			p.Transcoder = tc

			target := "/api/convert_mp3?url=https://media.example.com/v/1&format_id=22"
			if tt.query != "" {
				target += "&" + tt.query
			}
			rec := httptest.NewRecorder()
			p.HandleConvertMP3(rec, httptest.NewRequest("GET", target, nil))

			if tc.mediaURL != "https://cdn.example.com/media" {
				t.Fatalf("transcoder not invoked (rec status %d, body %q)", rec.Code, rec.Body.String())
			}
			if tc.bitrate != tt.want {
				t.Errorf("bitrate = %d, want %d", tc.bitrate, tt.want)
			}
			if tc.filename != "My Clip.mp3" {
				t.Errorf("filename = %q", tc.filename)
			}
		})
	}
}
