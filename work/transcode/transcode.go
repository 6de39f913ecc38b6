package transcode

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"aio-proxy/work/config"
	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"
	"aio-proxy/work/utils"
)

// chunkSize is the stdout read granularity, matching the proxy's streaming
// chunk size.
const chunkSize = 64 * 1024

// Bridge converts a resolved media URL to MP3 on the fly by piping it through
// an ffmpeg subprocess and relaying stdout to the client. ffmpeg performs the
// upstream fetch itself, so the merged identity headers (including the Cookie
// line) travel on its command line; nothing is buffered server-side beyond
// one chunk.
type Bridge struct {
	cfg *config.Config
}

// New creates a transcode bridge using the configured ffmpeg binary.
func New(cfg *config.Config) *Bridge {
	return &Bridge{cfg: cfg}
}

// Stream runs the transcode and writes the MP3 bytes to the response. The
// subprocess lives in its own process group and is SIGKILLed, then awaited,
// on every exit path: a client disconnect must never leave an ffmpeg behind.
func (b *Bridge) Stream(w http.ResponseWriter, r *http.Request, mediaURL string, headers map[string]string, bitrateKbps int, filename string) {
	if bitrateKbps <= 0 {
		bitrateKbps = 192
	}

	args := buildArgs(mediaURL, headers, bitrateKbps)
	logger.Debug("{transcode/transcode.go - Stream} ffmpeg for %s at %dk",
		utils.LogURL(b.cfg.ObfuscateUrls, mediaURL), bitrateKbps)

	cmd := exec.CommandContext(r.Context(), b.cfg.FFmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.Error("{transcode/transcode.go - Stream} stdout pipe: %v", err)
		http.Error(w, `{"detail":"Transcoder unavailable"}`, http.StatusInternalServerError)
		return
	}

	if err := cmd.Start(); err != nil {
		logger.Error("{transcode/transcode.go - Stream} start ffmpeg: %v", err)
		http.Error(w, `{"detail":"Transcoder unavailable"}`, http.StatusInternalServerError)
		return
	}

	// Kill the whole process group and reap before the handler returns.
	defer func() {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			cmd.Wait()
		}
	}()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename*=UTF-8''%s", utils.RFC5987Encode(filename)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	metrics.ActiveStreams.WithLabelValues("transcode").Inc()
	defer metrics.ActiveStreams.WithLabelValues("transcode").Dec()

	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("{transcode/transcode.go - Stream} client gone: %v", werr)
				return
			}
			metrics.BytesStreamed.WithLabelValues("transcode").Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				logger.Warn("{transcode/transcode.go - Stream} read: %v", err)
			}
			if err == io.EOF && stderr.Len() > 0 {
				logger.Debug("{transcode/transcode.go - Stream} ffmpeg stderr: %s",
					strings.TrimSpace(stderr.String()))
			}
			return
		}
	}
}

// buildArgs assembles the ffmpeg invocation: upstream headers first, then the
// input, then the audio-only MP3 encode to stdout.
func buildArgs(mediaURL string, headers map[string]string, bitrateKbps int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	if block := headerBlock(headers); block != "" {
		args = append(args, "-headers", block)
	}

	return append(args,
		"-i", mediaURL,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		"-f", "mp3",
		"-",
	)
}

// headerBlock renders headers as the CRLF-joined block ffmpeg expects, in
// stable key order.
func headerBlock(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}
