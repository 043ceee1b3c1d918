package kv

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/erfianugrah/edgevideo-proxy/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ByteRange is an inclusive, fully-resolved byte range.
type ByteRange struct {
	Start int64
	End   int64 // inclusive
}

// ErrUnsatisfiableRange is returned when a Range header cannot be
// satisfied against the Manifest's TotalSize.
var ErrUnsatisfiableRange = fmt.Errorf("kv: unsatisfiable range")

// ParseRange parses a single-range `Range: bytes=...` header value against
// totalSize, per RFC 7233. Multi-range requests are not supported — only
// the first range-spec is honored.
func ParseRange(header string, totalSize int64) (ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, fmt.Errorf("kv: unsupported range unit")
	}
	spec := strings.Split(strings.TrimPrefix(header, prefix), ",")[0]
	spec = strings.TrimSpace(spec)

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return ByteRange{}, fmt.Errorf("kv: malformed range")
	}

	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, fmt.Errorf("kv: malformed suffix range")
		}
		if n > totalSize {
			n = totalSize
		}
		if totalSize == 0 {
			return ByteRange{}, ErrUnsatisfiableRange
		}
		return ByteRange{Start: totalSize - n, End: totalSize - 1}, nil
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, fmt.Errorf("kv: malformed range start")
	}
	if start >= totalSize {
		return ByteRange{}, ErrUnsatisfiableRange
	}

	end := totalSize - 1
	if parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < start {
			return ByteRange{}, fmt.Errorf("kv: malformed range end")
		}
		if e < end {
			end = e
		}
	}

	return ByteRange{Start: start, End: end}, nil
}

// chunkInterval is the [firstIdx, lastIdx] inclusive set of chunk indices
// that overlap a range, along with the byte offsets within the first/last
// chunk to trim.
type chunkInterval struct {
	firstIdx, lastIdx    int
	firstOffset, lastEnd int64 // lastEnd is exclusive offset within the last chunk
}

func chunksForRange(m *Manifest, rng ByteRange) chunkInterval {
	firstIdx := int(rng.Start / m.ChunkSize)
	lastIdx := int(rng.End / m.ChunkSize)
	firstOffset := rng.Start % m.ChunkSize
	lastEnd := rng.End%m.ChunkSize + 1
	return chunkInterval{firstIdx: firstIdx, lastIdx: lastIdx, firstOffset: firstOffset, lastEnd: lastEnd}
}

// segmentWriteTimeout is the adaptive bound on writing one chunk's slice
// to the response: a floor plus an allowance that scales with how many
// bytes the segment carries. Ranged streams get a tighter budget than full
// streams.
func segmentWriteTimeout(segmentBytes int64, ranged bool) time.Duration {
	if ranged {
		if t := time.Duration(segmentBytes/128) * time.Millisecond; t > 2*time.Second {
			return t
		}
		return 2 * time.Second
	}
	if t := time.Duration(segmentBytes/64) * time.Millisecond; t > 3*time.Second {
		return t
	}
	return 3 * time.Second
}

// Reader streams a cached artifact, full or ranged, fetching chunks from a
// Store and prefetching one chunk ahead of the one currently being
// streamed to hide per-chunk fetch latency.
type Reader struct {
	store Store
}

// NewReader creates a Reader over store.
func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

// Open resolves the readable stream for a cached artifact: an
// io.ReadCloser yielding the covered bytes in ascending chunk order, plus
// the body length. If rng is nil, the whole artifact is returned.
//
// On a chunk whose stored size drifts beyond tolerance the stream fails
// with a chunk-integrity error; the artifact is left in place.
// TODO: an operator purge-and-refetch path for integrity-failed artifacts
// (DeleteManifest + forced re-transform) so they don't require a version
// bump to heal.
func (r *Reader) Open(ctx context.Context, m *Manifest, rng *ByteRange) (io.ReadCloser, int64, error) {
	ranged := rng != nil
	if rng == nil {
		full := ByteRange{Start: 0, End: m.TotalSize - 1}
		rng = &full
	} else if rng.Start > rng.End || rng.End >= m.TotalSize {
		return nil, 0, ErrUnsatisfiableRange
	}

	interval := chunksForRange(m, *rng)
	length := rng.End - rng.Start + 1

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := r.streamChunks(gctx, m, interval, ranged, pw)
		// CloseWithError(nil) is a plain Close; a non-nil err reaches the
		// reader instead of a clean EOF.
		pw.CloseWithError(err)
		return err
	})

	go func() {
		if err := g.Wait(); err != nil {
			pw.CloseWithError(err)
		}
	}()

	return pr, length, nil
}

// streamChunks fetches chunks[firstIdx..lastIdx] in order, trimming the
// first/last chunk to the requested byte boundaries, and writes them to w.
// It prefetches the next chunk while the current one is still being
// copied, so fetch latency for chunk i+1 overlaps with streaming chunk i
// to the client. Emission order is strictly ascending; prefetch never
// reorders.
func (r *Reader) streamChunks(ctx context.Context, m *Manifest, interval chunkInterval, ranged bool, w io.Writer) error {
	type fetched struct {
		body io.ReadCloser
		size int64
		err  error
	}

	fetch := func(idx int) <-chan fetched {
		ch := make(chan fetched, 1)
		go func() {
			key := ChunkKey(m.CacheKey, idx)
			body, size, err := r.store.GetChunk(ctx, key)
			ch <- fetched{body: body, size: size, err: err}
		}()
		return ch
	}

	next := fetch(interval.firstIdx)

	for idx := interval.firstIdx; idx <= interval.lastIdx; idx++ {
		cur := <-next
		if cur.err != nil {
			return fmt.Errorf("fetching chunk %d: %w", idx, cur.err)
		}

		expected := expectedChunkSize(m, idx)
		if !SizeWithinTolerance(expected, cur.size) {
			cur.body.Close()
			metrics.ChunkIntegrityDrift.Inc()
			return fmt.Errorf("kv: chunk %d size drift: expected %d got %d", idx, expected, cur.size)
		}

		if idx+1 <= interval.lastIdx {
			next = fetch(idx + 1)
		}

		// Slice offsets are recomputed from the actual stored size, not
		// the manifest's expectation, so tolerated drift still yields a
		// coherent stream.
		startOffset := int64(0)
		if idx == interval.firstIdx {
			startOffset = interval.firstOffset
		}
		endOffset := cur.size
		if idx == interval.lastIdx && interval.lastEnd < cur.size {
			endOffset = interval.lastEnd
		}

		var rd io.Reader = cur.body
		if startOffset > 0 {
			if _, err := io.CopyN(io.Discard, rd, startOffset); err != nil {
				cur.body.Close()
				return fmt.Errorf("skipping to range start: %w", err)
			}
		}
		limit := endOffset - startOffset

		if err := copySegment(w, rd, limit, segmentWriteTimeout(limit, ranged)); err != nil {
			cur.body.Close()
			return fmt.Errorf("streaming chunk %d: %w", idx, err)
		}
		cur.body.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return nil
}

// copySegment copies exactly limit bytes with a wall-clock bound, so a
// stalled client can't pin a chunk stream (and its prefetched successor)
// forever.
func copySegment(w io.Writer, r io.Reader, limit int64, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.CopyN(w, r, limit)
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("kv: segment write exceeded %s", timeout)
	}
}

func expectedChunkSize(m *Manifest, idx int) int64 {
	for _, c := range m.Chunks {
		if c.Index == idx {
			return c.Size
		}
	}
	return m.ChunkSize
}
