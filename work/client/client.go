package client

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"aio-proxy/work/config"
)

// StreamClient wraps http.Client with timeouts tuned for long media
// transfers: the dial, TLS handshake, and response headers are each bounded,
// but the body transfer itself has no overall deadline — a multi-gigabyte
// download on a slow link is a success, not a timeout.
type StreamClient struct {
	Client *http.Client
	config *config.Config
}

// New builds the upstream client, honoring the configured forward proxy and
// local source address.
func New(cfg *config.Config) *StreamClient {
	dialer := &net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.SourceAddress != "" {
		if ip := net.ParseIP(cfg.SourceAddress); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &StreamClient{
		Client: &http.Client{
			Timeout:   0, // No overall timeout for streaming
			Transport: transport,
		},
		config: cfg,
	}
}

// Do executes the request. Redirects are followed by the underlying client;
// media CDNs bounce through trackers and signed redirectors routinely.
func (sc *StreamClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	return sc.Client.Do(req)
}
