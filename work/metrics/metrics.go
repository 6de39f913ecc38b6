package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Extractions counts extraction engine invocations by outcome. The "kind"
// label separates discovery runs from download-time re-resolution; "outcome"
// is ok or error.
var Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_proxy_extractions_total",
	Help: "Extraction engine invocations",
}, []string{"kind", "outcome"})

// Downloads counts proxied download requests by final outcome (ok, not_found,
// upstream_error, client_error).
var Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_proxy_downloads_total",
	Help: "Proxied download requests",
}, []string{"outcome"})

// BytesStreamed tracks the total bytes relayed to clients per route
// (download, subtitle, transcode). Counter, only increases.
var BytesStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_proxy_bytes_streamed_total",
	Help: "Total bytes streamed to clients",
}, []string{"route"})

// FallbackAttempts counts hardened-client retries after an anti-bot status,
// labeled by result (ok, failed).
var FallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_proxy_fallback_attempts_total",
	Help: "Hardened client fallback attempts",
}, []string{"result"})

// ActiveStreams tracks the number of media transfers currently in flight per
// route. Gauge, moves with client connects and disconnects.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "aio_proxy_active_streams",
	Help: "Media transfers currently in flight",
}, []string{"route"})
