package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"aio-proxy/work/logger"

	"github.com/google/uuid"
)

// CmdEngine is the production Engine implementation. It shells out to the
// yt-dlp binary with a JSON dump request (-J) and decodes stdout. The binary
// is invoked fresh per call, so every invocation is fully isolated: identity
// headers, proxy, and cookies are arguments, never shared state.
type CmdEngine struct {
	binary string // Extractor binary, resolved through PATH when bare
}

// NewCmdEngine returns an engine invoking the given extractor binary.
func NewCmdEngine(binary string) *CmdEngine {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &CmdEngine{binary: binary}
}

// Extract runs one extractor invocation for the page URL and decodes the info
// dump. When opts.CaptureCookies is set the jar the extractor accumulated is
// round-tripped through a private Netscape file and returned alongside.
func (e *CmdEngine) Extract(ctx context.Context, pageURL string, opts Options) (*RawInfo, []Cookie, error) {

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	jarPath, cleanup, err := e.prepareJar(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("extract: cookie jar: %w", err)
	}
	defer cleanup()

	args := e.buildArgs(pageURL, opts, jarPath)
	logger.Debug("{extract/ytdlp.go - Extract} invoking %s with %d args", e.binary, len(args))

	cmd := exec.CommandContext(ctx, e.binary, args...)
	// Run the extractor in its own process group so a context cancel can take
	// down any helper children it spawned, not just the leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("extract: %w", ctx.Err())
		}
		msg := upstreamMessage(stderr.String())
		logger.Warn("{extract/ytdlp.go - Extract} extractor failed: %s", msg)
		return nil, nil, fmt.Errorf("extract: %s", msg)
	}

	var info RawInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, nil, fmt.Errorf("extract: decode info dump: %w", err)
	}

	var jar []Cookie
	if opts.CaptureCookies && jarPath != "" {
		jar, err = readNetscapeFile(jarPath)
		if err != nil {
			// A broken jar only degrades cookie forwarding, never the result.
			logger.Warn("{extract/ytdlp.go - Extract} cookie jar unreadable: %v", err)
		}
	}

	return &info, jar, nil
}

// buildArgs maps Options onto extractor flags.
func (e *CmdEngine) buildArgs(pageURL string, opts Options, jarPath string) []string {
	args := []string{
		"-J",
		"--no-warnings",
		"--no-playlist",
		"--no-check-certificates",
		"--no-cache-dir",
	}

	if opts.FormatSelector != "" {
		args = append(args, "-f", opts.FormatSelector)
	}
	if opts.Retries > 0 {
		args = append(args, "--retries", fmt.Sprintf("%d", opts.Retries))
	}
	if opts.ExtractorRetries > 0 {
		args = append(args, "--extractor-retries", fmt.Sprintf("%d", opts.ExtractorRetries))
	}
	if opts.FragmentRetries > 0 {
		args = append(args, "--fragment-retries", fmt.Sprintf("%d", opts.FragmentRetries))
	}
	if opts.ForceIPv4 {
		args = append(args, "--force-ipv4")
	}
	if opts.GeoBypass {
		args = append(args, "--geo-bypass")
	}
	if len(opts.PlayerClients) > 0 {
		args = append(args, "--extractor-args",
			"youtube:player_client="+strings.Join(opts.PlayerClients, ","))
	}
	for _, k := range sortedHeaderKeys(opts.Headers) {
		args = append(args, "--add-headers", k+":"+opts.Headers[k])
	}
	if opts.ProxyURL != "" {
		args = append(args, "--proxy", opts.ProxyURL)
	}
	if opts.SourceAddress != "" {
		args = append(args, "--source-address", opts.SourceAddress)
	}
	if jarPath != "" {
		args = append(args, "--cookies", jarPath)
	}

	return append(args, pageURL)
}

// prepareJar decides which cookie file the invocation uses. A configured seed
// file is copied to a private temp path first: the extractor writes the jar
// back to whatever file it is handed, and the seed must never be mutated.
// Returns the jar path ("" when cookies are not in play) and a cleanup func.
func (e *CmdEngine) prepareJar(opts Options) (string, func(), error) {
	if opts.CookieFile == "" && !opts.CaptureCookies {
		return "", func() {}, nil
	}

	path := filepath.Join(os.TempDir(), "aio-jar-"+uuid.NewString()+".txt")
	cleanup := func() { os.Remove(path) }

	if opts.CookieFile != "" {
		seed, err := os.ReadFile(opts.CookieFile)
		if err != nil {
			return "", func() {}, err
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return "", func() {}, err
		}
		return path, cleanup, nil
	}

	// No seed: hand the extractor an empty, valid Netscape file to fill in.
	if err := os.WriteFile(path, []byte("# Netscape HTTP Cookie File\n"), 0o600); err != nil {
		return "", func() {}, err
	}
	return path, cleanup, nil
}

// upstreamMessage condenses extractor stderr into a single diagnostic line.
// The last ERROR: line usually carries the site-specific reason.
func upstreamMessage(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	if len(lines) > 0 && lines[len(lines)-1] != "" {
		return lines[len(lines)-1]
	}
	return "extraction engine failed"
}

// sortedHeaderKeys returns header names in a stable order so invocations are
// reproducible in logs and tests.
func sortedHeaderKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
