package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"aio-proxy/work/cache"
	"aio-proxy/work/config"
	"aio-proxy/work/extract"
	"aio-proxy/work/format"
	"aio-proxy/work/identity"
	"aio-proxy/work/logger"
	"aio-proxy/work/utils"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// ErrExtraction marks a failed extraction engine invocation. The wrapped
// message carries the engine's own diagnostic and maps to a 400 at the API
// surface, since a page the engine cannot resolve is a client-input problem
// far more often than a server one.
var ErrExtraction = errors.New("extraction failed")

// extractionsPerSecond caps how hard a single media host is hit with
// extractor invocations. Per-host, so a busy site cannot starve others.
const extractionsPerSecond = 2

// Resolver is what the HTTP layer programs against: discovery of a page's
// variants, and the download-time re-resolution of one exact format. The
// interface exists so handler tests can substitute canned results for the
// extraction round trip.
type Resolver interface {
	Discover(ctx context.Context, sourceURL string) (*format.Result, error)
	ResolveFormat(ctx context.Context, sourceURL, formatID string) (*format.Result, []extract.Cookie, error)
}

// Refetcher is the production Resolver. Engine invocations block for seconds,
// so they run on the shared worker pool, rate-limited per source host, with
// the caller parked on a channel until the outcome lands.
type Refetcher struct {
	cfg      *config.Config                          // Application configuration
	engine   extract.Engine                          // Extraction engine boundary
	pool     *ants.Pool                              // Shared worker pool for blocking invocations
	cache    *cache.Cache                            // Discovery result cache
	limiters *xsync.MapOf[string, ratelimit.Limiter] // Per-host extraction rate limiters
}

// New creates a Refetcher over the given engine and worker pool.
func New(cfg *config.Config, engine extract.Engine, pool *ants.Pool, resultCache *cache.Cache) *Refetcher {
	return &Refetcher{
		cfg:      cfg,
		engine:   engine,
		pool:     pool,
		cache:    resultCache,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// attempt pairs one outbound identity with one format selector. Discovery
// walks an explicit attempt list instead of nesting error recovery.
type attempt struct {
	userAgent string
	selector  string
}

// Discover runs the two-attempt extraction ladder for a media page and
// returns the normalized, ranked result. The first attempt uses the desktop
// identity with the mp4-preferring selector; if the engine rejects it, the
// second uses the mobile identity with the relaxed selector. Results are
// cached by page URL for the configured TTL.
func (r *Refetcher) Discover(ctx context.Context, sourceURL string) (*format.Result, error) {
	if cached, ok := r.cache.Get(sourceURL); ok {
		logger.Debug("{resolve/resolve.go - Discover} cache hit for %s", utils.LogURL(r.cfg.ObfuscateUrls, sourceURL))
		return cached, nil
	}

	attempts := []attempt{
		{userAgent: identity.UserAgent(r.cfg), selector: identity.DefaultSelector},
		{userAgent: identity.MobileUserAgent, selector: identity.RelaxedSelector},
	}

	var lastErr error
	for i, a := range attempts {
		opts := identity.Build(r.cfg, sourceURL, a.selector, a.userAgent)
		info, _, err := r.runExtract(ctx, sourceURL, opts)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			logger.Warn("{resolve/resolve.go - Discover} attempt %d failed for %s: %v",
				i+1, utils.LogURL(r.cfg.ObfuscateUrls, sourceURL), err)
			continue
		}

		result := format.FromRawInfo(info.FirstEntry())
		if result == nil || len(result.Formats) == 0 {
			lastErr = fmt.Errorf("no playable formats")
			continue
		}

		r.cache.ClearIfNeeded()
		r.cache.Set(sourceURL, result)
		return result, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrExtraction, lastErr)
}

// ResolveFormat re-extracts a page pinned to one exact format id, returning
// the fresh result plus the cookie jar the engine accumulated. Direct URLs
// from discovery are routinely expired by download time, so this always goes
// back to the engine and never consults the cache.
func (r *Refetcher) ResolveFormat(ctx context.Context, sourceURL, formatID string) (*format.Result, []extract.Cookie, error) {
	opts := identity.Build(r.cfg, sourceURL, formatID, "")
	opts.CaptureCookies = true

	info, jar, err := r.runExtract(ctx, sourceURL, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	result := format.FromRawInfo(info.FirstEntry())
	if result == nil {
		return nil, nil, fmt.Errorf("%w: empty info dump", ErrExtraction)
	}
	return result, jar, nil
}

// extractOutcome carries an engine result across the pool boundary.
type extractOutcome struct {
	info *extract.RawInfo
	jar  []extract.Cookie
	err  error
}

// runExtract schedules one engine invocation on the worker pool and waits for
// it, honoring context cancellation. The per-host rate limiter is taken
// inside the pooled task so the wait burns a worker slot, not the handler.
func (r *Refetcher) runExtract(ctx context.Context, sourceURL string, opts extract.Options) (*extract.RawInfo, []extract.Cookie, error) {
	done := make(chan extractOutcome, 1)

	task := func() {
		r.limiterFor(sourceURL).Take()
		info, jar, err := r.engine.Extract(ctx, sourceURL, opts)
		done <- extractOutcome{info: info, jar: jar, err: err}
	}

	if err := r.pool.Submit(task); err != nil {
		return nil, nil, fmt.Errorf("worker pool: %w", err)
	}

	select {
	case out := <-done:
		return out.info, out.jar, out.err
	case <-ctx.Done():
		// The pooled task still finishes; the buffered channel lets it exit.
		return nil, nil, ctx.Err()
	}
}

// limiterFor returns the rate limiter for a source host, creating it on
// first sight.
func (r *Refetcher) limiterFor(sourceURL string) ratelimit.Limiter {
	host := "unknown"
	if u, err := url.Parse(sourceURL); err == nil && u.Host != "" {
		host = u.Host
	}
	limiter, _ := r.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(extractionsPerSecond)
	})
	return limiter
}
