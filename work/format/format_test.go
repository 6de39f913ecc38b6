package format

import (
	"testing"

	"aio-proxy/work/extract"
)

func TestNormalizeFiltersUnfetchable(t *testing.T) {
	raw := []extract.RawFormat{
		{FormatID: "22", URL: "https://cdn.example.com/22", Ext: "mp4", ACodec: "mp4a", VCodec: "avc1", Height: 720},
		{FormatID: "", URL: "https://cdn.example.com/anon"},
		{FormatID: "sb0", URL: ""},
		{FormatID: "sb1", URL: "https://cdn.example.com/sb", Ext: "mhtml"},
	}

	got := Normalize(raw)
	if len(got) != 1 {
		t.Fatalf("Normalize kept %d variants, want 1", len(got))
	}
	if got[0].FormatID != "22" {
		t.Errorf("kept format %q, want 22", got[0].FormatID)
	}
}

func TestNormalizeDerivedFields(t *testing.T) {
	raw := []extract.RawFormat{
		{
			FormatID: "137", URL: "u", Ext: "mp4",
			Width: 1920, Height: 1080, FPS: 29.97,
			VCodec: "avc1", ACodec: "none",
			Filesize: 0, FilesizeApprox: 2048, TBR: 4400.4,
		},
		{
			FormatID: "140", URL: "u", Ext: "m4a",
			VCodec: "none", ACodec: "mp4a", ABR: 129.5,
		},
		{
			FormatID: "hls", URL: "https://cdn/x.m3u8", Ext: "mp4",
			Height: 480, VCodec: "avc1", ACodec: "mp4a", Protocol: "m3u8_native",
		},
	}

	variants := Normalize(raw)
	byID := map[string]Variant{}
	for _, v := range variants {
		byID[v.FormatID] = v
	}

	video := byID["137"]
	if video.Resolution != "1920x1080" {
		t.Errorf("resolution = %q, want 1920x1080", video.Resolution)
	}
	if video.FPS != 30 {
		t.Errorf("fps = %d, want 30", video.FPS)
	}
	if video.ACodec != "" {
		t.Errorf("acodec = %q, want empty for the none sentinel", video.ACodec)
	}
	if video.IsAudioOnly {
		t.Error("video-only variant flagged audio-only")
	}
	if video.Filesize != 2048 {
		t.Errorf("filesize = %d, want approx fallback 2048", video.Filesize)
	}
	if video.FilesizePretty != "2.00 KB" {
		t.Errorf("filesize_pretty = %q, want 2.00 KB", video.FilesizePretty)
	}
	if video.AudioBitrate != 4400 {
		t.Errorf("audio_bitrate = %d, want tbr fallback 4400", video.AudioBitrate)
	}

	audio := byID["140"]
	if !audio.IsAudioOnly {
		t.Error("audio variant not flagged audio-only")
	}
	if audio.Resolution != "" {
		t.Errorf("audio resolution = %q, want empty", audio.Resolution)
	}
	if audio.AudioBitrate != 130 {
		t.Errorf("audio_bitrate = %d, want 130", audio.AudioBitrate)
	}

	hls := byID["hls"]
	if hls.Protocol != "m3u8" {
		t.Errorf("protocol = %q, want m3u8", hls.Protocol)
	}
}

func TestNormalizeAudioOnlyFlag(t *testing.T) {
	tests := []struct {
		name   string
		acodec string
		vcodec string
		want   bool
	}{
		{"audio codec with video none", "mp4a", "none", true},
		{"both codecs none", "none", "none", true},
		{"audio codec with video unreported", "mp4a", "", true},
		{"both unreported", "", "", false},
		{"muxed", "mp4a", "avc1", false},
		{"video only", "none", "avc1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variants := Normalize([]extract.RawFormat{
				{FormatID: "f", URL: "u", ACodec: tt.acodec, VCodec: tt.vcodec},
			})
			if len(variants) != 1 {
				t.Fatalf("variants = %+v", variants)
			}
			if variants[0].IsAudioOnly != tt.want {
				t.Errorf("is_audio_only = %v, want %v", variants[0].IsAudioOnly, tt.want)
			}
		})
	}
}

func TestRankOrdering(t *testing.T) {
	variants := []Variant{
		{FormatID: "audio", Ext: "m4a", ACodec: "mp4a", IsAudioOnly: true, AudioBitrate: 128},
		{FormatID: "hls1080", Ext: "mp4", Resolution: "1080p", ACodec: "mp4a", VCodec: "avc1", Protocol: "m3u8"},
		{FormatID: "http1080", Ext: "mp4", Resolution: "1080p", ACodec: "mp4a", VCodec: "avc1", Protocol: "http"},
		{FormatID: "webm1080", Ext: "webm", Resolution: "1080p", ACodec: "opus", VCodec: "vp9", Protocol: "http"},
		{FormatID: "http720", Ext: "mp4", Resolution: "1280x720", ACodec: "mp4a", VCodec: "avc1", Protocol: "http"},
		{FormatID: "video-only-2160", Ext: "mp4", Resolution: "2160p", VCodec: "avc1", Protocol: "http"},
	}

	Rank(variants)

	want := []string{"http1080", "webm1080", "hls1080", "http720", "video-only-2160", "audio"}
	for i, id := range want {
		if variants[i].FormatID != id {
			got := make([]string, len(variants))
			for j := range variants {
				got[j] = variants[j].FormatID
			}
			t.Fatalf("rank position %d = %q, want %q (full order %v)", i, variants[i].FormatID, id, got)
		}
	}
}

func TestRankStableOnTies(t *testing.T) {
	variants := []Variant{
		{FormatID: "first", Ext: "mp4", Resolution: "720p", ACodec: "a", VCodec: "v", Protocol: "http", AudioBitrate: 128},
		{FormatID: "second", Ext: "mp4", Resolution: "720p", ACodec: "a", VCodec: "v", Protocol: "http", AudioBitrate: 128},
	}
	Rank(variants)
	if variants[0].FormatID != "first" || variants[1].FormatID != "second" {
		t.Fatalf("tie broke extractor order: %q, %q", variants[0].FormatID, variants[1].FormatID)
	}
}

func TestHumanReadableBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{-1, ""},
		{0, ""},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{5*1024*1024*1024 + 1024, "5.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
		{1024 * 1024 * 1024 * 1024 * 1024, "1024.00 TB"},
	}

	for _, tt := range tests {
		if got := HumanReadableBytes(tt.in); got != tt.want {
			t.Errorf("HumanReadableBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTracksFlattening(t *testing.T) {
	info := &extract.RawInfo{
		Subtitles: map[string][]extract.RawTrack{
			"en": {{Ext: "vtt", URL: "https://subs/en.vtt"}, {Ext: "srt", URL: "https://subs/en.srt"}},
		},
		AutomaticCaptions: map[string][]extract.RawTrack{
			"en": {{Ext: "vtt", URL: "https://caps/en.vtt"}},
			"de": {{Ext: "vtt", URL: "https://caps/de.vtt"}},
		},
	}

	tracks := Tracks(info)
	if len(tracks) != 4 {
		t.Fatalf("got %d tracks, want 4", len(tracks))
	}

	// Manual tracks come first so lookups prefer them over captions.
	if tracks[0].Auto || tracks[1].Auto {
		t.Error("manual subtitles must precede automatic captions")
	}
	if !tracks[2].Auto || !tracks[3].Auto {
		t.Error("automatic captions must carry the auto flag")
	}
	if tracks[2].Lang != "de" {
		t.Errorf("caption order not language-sorted: got %q first", tracks[2].Lang)
	}
}

func TestFromRawInfoCarriesHeaders(t *testing.T) {
	info := &extract.RawInfo{
		Title:       "clip",
		HTTPHeaders: map[string]string{"User-Agent": "ua"},
		Formats: []extract.RawFormat{
			{FormatID: "1", URL: "u", HTTPHeaders: map[string]string{"Referer": "r"}},
		},
	}
	res := FromRawInfo(info)
	if res.Headers["User-Agent"] != "ua" {
		t.Error("page-level headers not carried")
	}
	if res.Formats[0].Headers["Referer"] != "r" {
		t.Error("format-level headers not carried")
	}
}
