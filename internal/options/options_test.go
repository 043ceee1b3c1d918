package options

import (
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string, resolveDerivative func(string, string, string) string) TransformOptions {
	t.Helper()
	q, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parsing query %q: %v", raw, err)
	}
	o, err := Parse(q, resolveDerivative)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return o
}

func TestParseBasicOptions(t *testing.T) {
	o := mustParse(t, "width=640&height=360&mode=video&quality=high", nil)
	if o.Width != 640 || o.Height != 360 || o.Mode != ModeVideo || o.Quality != TierHigh {
		t.Fatalf("unexpected options: %+v", o)
	}
}

func TestParseDefaultsModeAndTiers(t *testing.T) {
	o := mustParse(t, "", nil)
	if o.Mode != ModeVideo {
		t.Fatalf("default mode = %q, want %q", o.Mode, ModeVideo)
	}
	if o.Quality != TierAuto || o.Compression != TierAuto {
		t.Fatalf("default tiers = %q/%q, want auto/auto", o.Quality, o.Compression)
	}
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse(url.Values{"mode": {"bogus"}}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}

func TestParseRejectsInvalidCombination(t *testing.T) {
	_, err := Parse(url.Values{"mode": {"audio"}, "autoplay": {"true"}, "muted": {"false"}}, nil)
	if err == nil {
		t.Fatal("expected autoplay+audio+unmuted to be rejected")
	}
}

func TestParseBypassTokens(t *testing.T) {
	for _, name := range []string{"debug", "nocache", "bypass"} {
		o := mustParse(t, name+"=1", nil)
		if !o.Bypass {
			t.Fatalf("%q should set Bypass", name)
		}
	}
	o := mustParse(t, "imwidth=800", nil)
	if o.Bypass {
		t.Fatal("imwidth must not bypass the cache")
	}
}

func TestParseDebugView(t *testing.T) {
	o := mustParse(t, "debug=view", nil)
	if !o.Debug || !o.Bypass {
		t.Fatalf("debug=view should set both Debug and Bypass, got %+v", o)
	}
}

func TestParseResolvesDerivativeFromIMQuery(t *testing.T) {
	resolve := func(imwidth, imheight, imref string) string {
		if imwidth == "855" {
			return "tablet"
		}
		return ""
	}
	o := mustParse(t, "imwidth=855", resolve)
	if o.Derivative != "tablet" {
		t.Fatalf("Derivative = %q, want tablet", o.Derivative)
	}
}

func TestParseExplicitDerivativeWinsOverIMQuery(t *testing.T) {
	resolve := func(imwidth, imheight, imref string) string { return "tablet" }
	o := mustParse(t, "derivative=mobile&imwidth=855", resolve)
	if o.Derivative != "mobile" {
		t.Fatalf("Derivative = %q, want mobile (explicit should win)", o.Derivative)
	}
}

func TestFingerprintStableForSameInputs(t *testing.T) {
	o := mustParse(t, "width=640&height=360&mode=video", nil)
	fp1 := Fingerprint("/videos/a.mp4", o)
	fp2 := Fingerprint("/videos/a.mp4", o)
	if fp1 != fp2 {
		t.Fatal("Fingerprint is not stable across identical inputs")
	}
}

func TestFingerprintDistinctForDistinctInputs(t *testing.T) {
	o1 := mustParse(t, "width=640&height=360&mode=video", nil)
	o2 := mustParse(t, "width=1280&height=720&mode=video", nil)
	if Fingerprint("/a.mp4", o1) == Fingerprint("/a.mp4", o2) {
		t.Fatal("distinct dimension options must produce distinct fingerprints")
	}
	if Fingerprint("/a.mp4", o1) == Fingerprint("/b.mp4", o1) {
		t.Fatal("distinct source paths must produce distinct fingerprints")
	}
}

// Bypass params never participate in fingerprint derivation.
func TestFingerprintIgnoresBypassTokens(t *testing.T) {
	plain := mustParse(t, "width=640&height=360&mode=video", nil)
	withBypass := mustParse(t, "width=640&height=360&mode=video&nocache=1", nil)
	if Fingerprint("/a.mp4", plain) != Fingerprint("/a.mp4", withBypass) {
		t.Fatal("bypass tokens must not affect the fingerprint")
	}
}

// TestIMQueryDerivativeSharesCacheEntry: two different imwidth values
// mapping to the same derivative must produce the same fingerprint/cache
// key.
func TestIMQueryDerivativeSharesCacheEntry(t *testing.T) {
	resolve := func(imwidth, imheight, imref string) string { return "tablet" }
	o800 := mustParse(t, "imwidth=800", resolve)
	o900 := mustParse(t, "imwidth=900", resolve)

	if Fingerprint("/a.mp4", o800) != Fingerprint("/a.mp4", o900) {
		t.Fatal("imwidth=800 and imwidth=900 both mapping to tablet must share a fingerprint")
	}
	if CacheKey("/a.mp4", o800) != CacheKey("/a.mp4", o900) {
		t.Fatal("imwidth=800 and imwidth=900 both mapping to tablet must share a cache key")
	}
}

func TestCacheKeyFormat(t *testing.T) {
	dims := mustParse(t, "width=640&height=360&mode=video", nil)
	if got, want := CacheKey("/videos/a.mp4", dims), "video:/videos/a.mp4:w=640:h=360:m=video"; got != want {
		t.Fatalf("CacheKey = %q, want %q", got, want)
	}

	derivative := mustParse(t, "derivative=mobile", nil)
	if got, want := CacheKey("/videos/a.mp4", derivative), "video:/videos/a.mp4:derivative=mobile"; got != want {
		t.Fatalf("CacheKey = %q, want %q", got, want)
	}
}

func TestIsBypassToken(t *testing.T) {
	for _, name := range []string{"debug", "nocache", "bypass"} {
		if !IsBypassToken(name) {
			t.Fatalf("%q should be a bypass token", name)
		}
	}
	if IsBypassToken("imwidth") {
		t.Fatal("imwidth must not be a bypass token")
	}
}
