// Package version tracks a monotonic, non-decreasing per-fingerprint
// counter used to invalidate cached derivatives without deleting them. The
// read path never mutates state — a version is only advanced by an
// explicit operator Bump or Set.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// Service tracks the current version for a fingerprint. Get never
// increments; Bump and Set are the only mutators, and both are operator
// operations.
type Service interface {
	Get(ctx context.Context, fingerprint string) (int, error)
	Bump(ctx context.Context, fingerprint string) (int, error)
	Set(ctx context.Context, fingerprint string, v int) error
	Delete(ctx context.Context, fingerprint string) error
}

// FSService is a filesystem-backed Service storing one small JSON document
// per fingerprint.
type FSService struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

type versionDoc struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewFSService creates an FSService rooted at root.
func NewFSService(fs afero.Fs, root string) *FSService {
	return &FSService{fs: fs, root: root}
}

func (s *FSService) path(fingerprint string) string {
	return s.root + "/" + sanitizeFingerprint(fingerprint) + ".json"
}

// Get returns the current version, defaulting to 1 if never set. It
// performs no write — reads must never auto-increment.
func (s *FSService) Get(_ context.Context, fingerprint string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok, err := s.loadLocked(fingerprint)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return doc.Version, nil
}

// Bump increments and persists the version, returning the new value.
func (s *FSService) Bump(ctx context.Context, fingerprint string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok, err := s.loadLocked(fingerprint)
	if err != nil {
		return 0, err
	}
	next := 2
	created := time.Now().UTC()
	if ok {
		next = doc.Version + 1
		created = doc.CreatedAt
	}
	if err := s.storeLocked(fingerprint, versionDoc{Version: next, CreatedAt: created, UpdatedAt: time.Now().UTC()}); err != nil {
		return 0, err
	}
	return next, nil
}

// Set pins the version to an explicit value. Values below 1 are rejected;
// the implicit default a Get reports is 1, so a record can never be set
// beneath it.
func (s *FSService) Set(_ context.Context, fingerprint string, v int) error {
	if v < 1 {
		return fmt.Errorf("version: value must be >= 1, got %d", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok, err := s.loadLocked(fingerprint)
	if err != nil {
		return err
	}
	created := time.Now().UTC()
	if ok {
		created = doc.CreatedAt
	}
	return s.storeLocked(fingerprint, versionDoc{Version: v, CreatedAt: created, UpdatedAt: time.Now().UTC()})
}

func (s *FSService) loadLocked(fingerprint string) (versionDoc, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(fingerprint))
	if err != nil {
		return versionDoc{}, false, nil
	}
	var doc versionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return versionDoc{}, false, fmt.Errorf("decoding version doc: %w", err)
	}
	return doc, true, nil
}

func (s *FSService) storeLocked(fingerprint string, doc versionDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(s.fs, s.root, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return err
	}
	return s.fs.Rename(tmp.Name(), s.path(fingerprint))
}

// Delete removes the stored version; the next Get reports the implicit
// default of 1 again.
func (s *FSService) Delete(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fs.Remove(s.path(fingerprint))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func sanitizeFingerprint(fp string) string {
	out := make([]rune, 0, len(fp))
	for _, r := range fp {
		switch r {
		case '/', ':', '*', '?', '"', '<', '>', '|':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// RedisService is a redis-backed Service for deployments where version
// state must be shared across multiple proxy instances — a single FS or
// in-process counter would not be visible to sibling edges.
type RedisService struct {
	client *redis.Client
	prefix string
}

// NewRedisService creates a RedisService using client, namespacing keys
// under prefix (e.g. "edgevideo:version:").
func NewRedisService(client *redis.Client, prefix string) *RedisService {
	return &RedisService{client: client, prefix: prefix}
}

func (s *RedisService) key(fingerprint string) string {
	return s.prefix + fingerprint
}

// Get returns the current version, defaulting to 1 if unset. Uses GET, not
// INCR — reads never mutate state.
func (s *RedisService) Get(ctx context.Context, fingerprint string) (int, error) {
	v, err := s.client.Get(ctx, s.key(fingerprint)).Int()
	if err == redis.Nil {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

// Bump atomically increments the counter via INCR, creating it at 2 the
// first time (the implicit default reported by Get is 1, so the first bump
// must move the record past it).
func (s *RedisService) Bump(ctx context.Context, fingerprint string) (int, error) {
	// SETNX only seeds an absent key, so it never resets a counter that a
	// concurrent Bump has already advanced.
	if err := s.client.SetNX(ctx, s.key(fingerprint), 1, 0).Err(); err != nil {
		return 0, fmt.Errorf("redis setnx: %w", err)
	}
	v, err := s.client.Incr(ctx, s.key(fingerprint)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return int(v), nil
}

// Set pins the counter to an explicit value.
func (s *RedisService) Set(ctx context.Context, fingerprint string, v int) error {
	if v < 1 {
		return fmt.Errorf("version: value must be >= 1, got %d", v)
	}
	if err := s.client.Set(ctx, s.key(fingerprint), v, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the counter; the next Get reports the implicit default of
// 1 again.
func (s *RedisService) Delete(ctx context.Context, fingerprint string) error {
	if err := s.client.Del(ctx, s.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
