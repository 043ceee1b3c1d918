// Package kv implements the durable, chunked artifact store: one Manifest
// entry plus N chunk entries per cached transformation, with range-capable
// reads and background writes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"
)

const (
	DefaultChunkSize = 5 * 1 << 20 // 5 MiB
	// SingleEntryThreshold is the artifact size at or below which the
	// writer stores a single chunk instead of splitting; with the default
	// chunk size that is 4 windows' worth (20 MiB).
	SingleEntryThreshold  = 20 * 1 << 20
	DefaultSkipThreshold  = 128 * 1 << 20 // fallback artifacts
	HardSkipThreshold     = 256 * 1 << 20 // hard cap, any artifact
	ChunkSizeToleranceAbs = 2048          // bytes
	ChunkSizeTolerancePct = 0.001         // 0.1%
)

// ErrNotFound is returned by Store.GetManifest when no manifest exists for
// a key — manifest presence is what defines "cached".
var ErrNotFound = errors.New("kv: manifest not found")

// ChunkInfo records one chunk's expected size within a Manifest.
type ChunkInfo struct {
	Index int   `json:"index"`
	Size  int64 `json:"size"`
}

// Manifest is the commit record for one cached artifact.
type Manifest struct {
	CacheKey         string            `json:"cacheKey"`
	Version          int               `json:"version"`
	TotalSize        int64             `json:"totalSize"`
	ChunkCount       int               `json:"chunkCount"`
	ChunkSize        int64             `json:"chunkSize"`
	ContentType      string            `json:"contentType"`
	CreatedAt        time.Time         `json:"createdAt"`
	RefreshedAt      time.Time         `json:"refreshedAt,omitempty"`
	Chunks           []ChunkInfo       `json:"chunks"`
	Tags             []string          `json:"tags,omitempty"`
	OriginMetadata   map[string]string `json:"originMetadata,omitempty"`
	RequestedWidth   int               `json:"requestedWidth,omitempty"`
	RequestedHeight  int               `json:"requestedHeight,omitempty"`
	DerivativeWidth  int               `json:"derivativeWidth,omitempty"`
	DerivativeHeight int               `json:"derivativeHeight,omitempty"`
}

// Marshal/UnmarshalManifest are exported so the S3 and FS backends (and
// tests) share one JSON wire format.
func (m *Manifest) Marshal() ([]byte, error) { return json.Marshal(m) }

func UnmarshalManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ChunkKey formats a chunk's storage key: `<cacheKey>_chunk_<i>`.
func ChunkKey(cacheKey string, index int) string {
	return cacheKey + "_chunk_" + strconv.Itoa(index)
}

// Store is the durable backend for manifests and chunk bytes. FS and S3
// implementations live in fs.go / s3.go.
type Store interface {
	// GetManifest loads the Manifest for cacheKey, or ErrNotFound.
	GetManifest(ctx context.Context, cacheKey string) (*Manifest, error)
	// PutManifest writes the Manifest last — its presence is the commit
	// point.
	PutManifest(ctx context.Context, m *Manifest) error
	// DeleteManifest removes a manifest (operator surface).
	DeleteManifest(ctx context.Context, cacheKey string) error

	// GetChunk returns a reader for one chunk's bytes plus its actual
	// stored size, which may drift slightly from what the Manifest
	// recorded.
	GetChunk(ctx context.Context, chunkKey string) (io.ReadCloser, int64, error)
	// PutChunk writes one chunk's bytes, verifying size before returning.
	PutChunk(ctx context.Context, chunkKey string, body io.Reader, size int64) error
}

// SizeWithinTolerance is the chunk-size-drift rule on retrieval: accept if
// |diff| < 2048 bytes OR diff% < 0.1%.
func SizeWithinTolerance(expected, actual int64) bool {
	if expected == actual {
		return true
	}
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}
	if diff < ChunkSizeToleranceAbs {
		return true
	}
	if expected == 0 {
		return false
	}
	pct := float64(diff) / float64(expected)
	return pct < ChunkSizeTolerancePct
}
