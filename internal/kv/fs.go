package kv

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore is a filesystem-backed Store built on an afero.Fs so tests can
// run against an in-memory filesystem without touching disk. All writes go
// through a temp file + rename.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore creates an FSStore rooted at root on fs. Pass afero.NewOsFs()
// for production, afero.NewMemMapFs() for tests.
func NewFSStore(fs afero.Fs, root string) *FSStore {
	return &FSStore{fs: fs, root: root}
}

// Init ensures the root directory exists.
func (f *FSStore) Init() error {
	return f.fs.MkdirAll(f.root, 0o755)
}

func (f *FSStore) manifestPath(cacheKey string) string {
	return filepath.Join(f.root, "manifests", sanitize(cacheKey)+".json")
}

func (f *FSStore) chunkPath(chunkKey string) string {
	return filepath.Join(f.root, "chunks", sanitize(chunkKey)+".bin")
}

func (f *FSStore) GetManifest(_ context.Context, cacheKey string) (*Manifest, error) {
	data, err := afero.ReadFile(f.fs, f.manifestPath(cacheKey))
	if err != nil {
		return nil, ErrNotFound
	}
	return UnmarshalManifest(data)
}

func (f *FSStore) PutManifest(_ context.Context, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	dst := f.manifestPath(m.CacheKey)
	if err := f.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	return atomicWriteBytes(f.fs, dst, data)
}

func (f *FSStore) DeleteManifest(_ context.Context, cacheKey string) error {
	err := f.fs.Remove(f.manifestPath(cacheKey))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FSStore) GetChunk(_ context.Context, chunkKey string) (io.ReadCloser, int64, error) {
	fi, err := f.fs.Stat(f.chunkPath(chunkKey))
	if err != nil {
		return nil, 0, ErrNotFound
	}
	file, err := f.fs.Open(f.chunkPath(chunkKey))
	if err != nil {
		return nil, 0, err
	}
	return file, fi.Size(), nil
}

func (f *FSStore) PutChunk(_ context.Context, chunkKey string, body io.Reader, size int64) error {
	dst := f.chunkPath(chunkKey)
	if err := f.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}
	return atomicWrite(f.fs, dst, body, size)
}

// atomicWrite copies body into dst via a temp file + rename so partially
// written files never appear under their final name. A body whose length
// differs from size is rejected and nothing is renamed into place.
func atomicWrite(fs afero.Fs, dst string, r io.Reader, size int64) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err == nil && n != size {
		err = fmt.Errorf("kv: chunk size mismatch: expected %d bytes, got %d", size, n)
	}
	if err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return err
	}
	return fs.Rename(tmpName, dst)
}

func atomicWriteBytes(fs afero.Fs, dst string, data []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return err
	}
	return fs.Rename(tmpName, dst)
}

// sanitize keeps cache/chunk keys (which contain ':' and other characters
// disallowed in some filesystem path segments) safe as a single path
// component.
func sanitize(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '/', ':', '*', '?', '"', '<', '>', '|':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
