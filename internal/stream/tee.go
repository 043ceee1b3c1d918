// Package stream copies the bytes of a response to durable storage while
// they are read for the client. A storage failure never fails the client
// read; the storage copy is synchronous, though, so a slow consumer slows
// the client read down to its pace.
package stream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
)

// Tee wraps src so every byte read through it is also copied to a
// background consumer. Reading from the returned io.Reader drives both the
// client copy and the storage copy, so storage never gets ahead of what has
// been read for the client. Each Read waits until the consumer has taken
// the bytes from the pipe (or has exited); a consumer that stops reading
// without returning blocks the client read.
type Tee struct {
	src      io.Reader
	pw       *io.PipeWriter
	buf      *bytes.Buffer
	done     atomic.Bool
}

// NewTee returns a reader that tees everything read from src into both an
// in-memory buffer (for joiners that need the full body after the fact)
// and a pipe consumed by consume in a background goroutine. consume
// receives io.EOF as a nil error when the tee is fully drained; any error
// it returns is only logged, never surfaced to the client — a storage
// failure must not fail an otherwise-successful response.
func NewTee(ctx context.Context, src io.Reader, consume func(ctx context.Context, r io.Reader) error) *Tee {
	pr, pw := io.Pipe()
	t := &Tee{src: src, pw: pw, buf: &bytes.Buffer{}}

	go func() {
		if err := consume(ctx, pr); err != nil {
			slog.Warn("background storage consumer failed", "error", err)
			pr.CloseWithError(err)
			return
		}
		pr.Close()
	}()

	return t
}

// Read implements io.Reader, copying every byte read from src into both
// the buffer and the pipe before returning it to the caller.
func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		t.buf.Write(p[:n])
		if _, werr := t.pw.Write(p[:n]); werr != nil && !t.done.Load() {
			slog.Debug("tee pipe write failed, storage consumer likely exited", "error", werr)
		}
	}
	if err != nil {
		t.done.Store(true)
		t.pw.Close()
	}
	return n, err
}

// Bytes returns everything read through the tee so far. Safe to call after
// the underlying src has been fully drained (io.EOF observed by the last
// Read).
func (t *Tee) Bytes() []byte {
	return t.buf.Bytes()
}
