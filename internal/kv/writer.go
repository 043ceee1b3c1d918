package kv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// staleLockTimeout bounds how long a per-chunk lock may be held before a
// competing writer is allowed to steal it, guarding against a goroutine
// that died mid-upload wedging a key forever.
const staleLockTimeout = 30 * time.Second

// singleEntryWindows is how many chunk windows an artifact may span and
// still be stored as one entry; DefaultChunkSize * singleEntryWindows ==
// SingleEntryThreshold.
const singleEntryWindows = 4

type chunkLock struct {
	mu       sync.Mutex
	acquired atomic.Int64 // unix nanos of the current hold
	held     atomic.Bool
}

// Writer persists a transformed artifact as a Manifest plus chunk objects,
// writing the Manifest last so its presence is the atomic commit point.
type Writer struct {
	store     Store
	chunkSize int64
	sem       *semaphore.Weighted

	locksMu sync.Mutex
	locks   map[string]*chunkLock
}

// NewWriter creates a Writer. maxConcurrentUploads bounds how many chunk
// PutChunk calls may be in flight at once (default 5).
func NewWriter(store Store, chunkSize int64, maxConcurrentUploads int64) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxConcurrentUploads <= 0 {
		maxConcurrentUploads = 5
	}
	return &Writer{
		store:     store,
		chunkSize: chunkSize,
		sem:       semaphore.NewWeighted(maxConcurrentUploads),
		locks:     make(map[string]*chunkLock),
	}
}

// WriteResult describes what a completed background write produced, for
// callers that want to log or emit metrics.
type WriteResult struct {
	CacheKey   string
	ChunkCount int
	TotalSize  int64
	Aborted    bool
}

// Write buffers body into fixed chunkSize windows, uploads each chunk
// (bounded by the writer's semaphore), and on success writes the Manifest
// last. If ctx is cancelled or any chunk upload fails, no Manifest is
// written — a partial write must never look cached. Already-uploaded
// chunks are left behind as harmless orphans; the read path gates on
// manifest presence.
func (w *Writer) Write(ctx context.Context, cacheKey string, version int, contentType string, requestedW, requestedH int, body io.Reader) (WriteResult, error) {
	return w.WriteBounded(ctx, cacheKey, version, contentType, requestedW, requestedH, body, 0)
}

// WriteBounded is Write with an additional maxSize cap. maxSize <= 0 means
// unbounded. The cap is enforced as bytes accumulate rather than requiring
// an upfront Content-Length, since the source response may be
// chunked-transfer-encoded; once the running total exceeds maxSize the
// write aborts with no Manifest.
//
// Artifacts small enough to fit within singleEntryWindows chunk windows
// are committed as a single chunk instead of being split.
func (w *Writer) WriteBounded(ctx context.Context, cacheKey string, version int, contentType string, requestedW, requestedH int, body io.Reader, maxSize int64) (WriteResult, error) {
	var (
		chunks   []ChunkInfo
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	upload := func(chunkIndex int, chunkBytes []byte) bool {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			setErr(err)
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.sem.Release(1)
			if err := w.putChunkLocked(ctx, cacheKey, chunkIndex, chunkBytes); err != nil {
				setErr(err)
				return
			}
			mu.Lock()
			chunks = append(chunks, ChunkInfo{Index: chunkIndex, Size: int64(len(chunkBytes))})
			mu.Unlock()
		}()
		return true
	}

	singleMax := w.chunkSize * singleEntryWindows

	var (
		pending   [][]byte
		readTotal int64
		index     int
	)
	buffering := true

	buf := make([]byte, w.chunkSize)
readLoop:
	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			// Each window gets its own allocation — buf is reused on the
			// next iteration while the upload goroutine may still hold
			// this slice.
			window := make([]byte, n)
			copy(window, buf[:n])
			readTotal += int64(n)

			if maxSize > 0 && readTotal > maxSize {
				setErr(fmt.Errorf("kv: artifact exceeds size cap (%d bytes)", maxSize))
				break
			}

			if buffering && readTotal > singleMax {
				buffering = false
				for _, p := range pending {
					if !upload(index, p) {
						break readLoop
					}
					index++
				}
				pending = nil
			}

			if buffering {
				pending = append(pending, window)
			} else {
				if !upload(index, window) {
					break
				}
				index++
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			setErr(readErr)
			break
		}
	}

	// A small artifact never left the buffering phase: commit it as one
	// chunk.
	if buffering && len(pending) > 0 && !failed() {
		single := pending[0]
		if len(pending) > 1 {
			single = make([]byte, 0, readTotal)
			for _, p := range pending {
				single = append(single, p...)
			}
		}
		upload(0, single)
	}

	wg.Wait()

	if failed() {
		return WriteResult{CacheKey: cacheKey, Aborted: true}, firstErr
	}

	sortChunksByIndex(chunks)

	var totalSize int64
	for _, c := range chunks {
		totalSize += c.Size
	}

	manifestChunkSize := w.chunkSize
	if len(chunks) == 1 && totalSize > 0 {
		// Single-entry layout: the chunk size is the artifact size, so
		// range offset arithmetic still lands on chunk 0.
		manifestChunkSize = totalSize
	}

	manifest := &Manifest{
		CacheKey:        cacheKey,
		Version:         version,
		TotalSize:       totalSize,
		ChunkCount:      len(chunks),
		ChunkSize:       manifestChunkSize,
		ContentType:     contentType,
		CreatedAt:       time.Now().UTC(),
		Chunks:          chunks,
		RequestedWidth:  requestedW,
		RequestedHeight: requestedH,
	}
	if err := w.store.PutManifest(ctx, manifest); err != nil {
		return WriteResult{CacheKey: cacheKey, Aborted: true}, fmt.Errorf("committing manifest: %w", err)
	}

	return WriteResult{CacheKey: cacheKey, ChunkCount: len(chunks), TotalSize: totalSize}, nil
}

func (w *Writer) putChunkLocked(ctx context.Context, cacheKey string, index int, data []byte) error {
	key := ChunkKey(cacheKey, index)
	lock := w.acquireChunkLock(key)
	defer w.releaseChunkLock(key, lock)

	if err := w.store.PutChunk(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("writing chunk %s: %w", key, err)
	}
	return nil
}

func (w *Writer) acquireChunkLock(key string) *chunkLock {
	w.locksMu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &chunkLock{}
		w.locks[key] = l
	} else if l.held.Load() && time.Since(time.Unix(0, l.acquired.Load())) > staleLockTimeout {
		// The previous holder may be wedged forever (e.g. a network call
		// with no deadline) — install a fresh lock so the new acquirer
		// actually proceeds instead of blocking on the same, possibly
		// permanently-held mutex. The old chunkLock is abandoned; if its
		// original holder ever does wake up and release it,
		// releaseChunkLock checks the map still points at it before
		// deleting.
		slog.Warn("breaking stale chunk lock", "key", key, "held_for", time.Since(time.Unix(0, l.acquired.Load())))
		l = &chunkLock{}
		w.locks[key] = l
	}
	w.locksMu.Unlock()

	l.mu.Lock()
	l.acquired.Store(time.Now().UnixNano())
	l.held.Store(true)
	return l
}

func (w *Writer) releaseChunkLock(key string, l *chunkLock) {
	l.held.Store(false)
	l.mu.Unlock()

	w.locksMu.Lock()
	// Only remove the map entry if it still points at this lock — a stale
	// holder waking up after acquireChunkLock already replaced it must not
	// delete the fresh lock a new writer is using.
	if w.locks[key] == l {
		delete(w.locks, key)
	}
	w.locksMu.Unlock()
}

func sortChunksByIndex(chunks []ChunkInfo) {
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j].Index < chunks[j-1].Index; j-- {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
		}
	}
}
