package hardened

import (
	"context"
	"io"

	"github.com/panjf2000/ants/v2"
)

// Bridge buffering parameters: 64 KiB per chunk, at most 8 chunks in flight
// between producer and consumer before the upstream read blocks.
const (
	ChunkSize   = 64 * 1024
	bridgeDepth = 8
)

// Chunk is one unit of bridged data. A non-nil Err is the final event on the
// channel; io.EOF style termination is signaled by channel close instead.
type Chunk struct {
	Data []byte
	Err  error
}

// Bridge decouples a blocking upstream body from the response writer: a
// producer task on the worker pool reads fixed-size chunks and publishes them
// into a bounded channel the handler drains in order. The bound keeps memory
// flat when the client reads slower than the CDN sends. The producer owns the
// body and closes it on every exit, including context cancellation.
func Bridge(ctx context.Context, pool *ants.Pool, body io.ReadCloser) (<-chan Chunk, error) {
	ch := make(chan Chunk, bridgeDepth)

	producer := func() {
		defer body.Close()
		defer close(ch)

		for {
			buf := make([]byte, ChunkSize)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case ch <- Chunk{Data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					select {
					case ch <- Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}

	if err := pool.Submit(producer); err != nil {
		body.Close()
		return nil, err
	}
	return ch, nil
}
