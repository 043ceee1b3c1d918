package version

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func newTestService(t *testing.T) *FSService {
	t.Helper()
	return NewFSService(afero.NewMemMapFs(), "/versions")
}

func TestGetDefaultsToOne(t *testing.T) {
	s := newTestService(t)
	v, err := s.Get(context.Background(), "fp-unknown")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Fatalf("Get on unseen fingerprint = %d, want the implicit default 1", v)
	}
}

func TestGetNeverMutatesState(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Get(ctx, "fp-a"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	v, err := s.Get(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Fatalf("repeated Get calls must never auto-increment; got %d", v)
	}
}

func TestBumpIsMonotonic(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	v1, err := s.Bump(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	v2, err := s.Bump(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("version must be strictly increasing: v1=%d, v2=%d", v1, v2)
	}

	got, err := s.Get(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != v2 {
		t.Fatalf("Get after Bump = %d, want %d", got, v2)
	}
}

func TestSetPinsExplicitValue(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.Set(ctx, "fp-a", 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 7 {
		t.Fatalf("Get after Set = %d, want 7", v)
	}
}

func TestSetRejectsValuesBelowOne(t *testing.T) {
	s := newTestService(t)
	if err := s.Set(context.Background(), "fp-a", 0); err == nil {
		t.Fatal("Set below 1 must be rejected")
	}
}

func TestDeleteResetsToDefault(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Bump(ctx, "fp-a"); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if err := s.Delete(ctx, "fp-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, err := s.Get(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Fatalf("Get after Delete = %d, want 1", v)
	}
}

func TestDeleteOfUnknownFingerprintIsNotAnError(t *testing.T) {
	s := newTestService(t)
	if err := s.Delete(context.Background(), "never-seen"); err != nil {
		t.Fatalf("Delete of unknown fingerprint should not error: %v", err)
	}
}

func TestVersionsAreIndependentPerFingerprint(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.Bump(ctx, "fp-a"); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	vb, err := s.Get(ctx, "fp-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if vb != 1 {
		t.Fatalf("bumping fp-a must not affect fp-b, got %d", vb)
	}
}
