// Package options parses and canonicalizes video transformation requests
// into a TransformOptions value and a stable Fingerprint/CacheKey pair.
package options

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// Mode is the transformation mode requested.
type Mode string

const (
	ModeVideo        Mode = "video"
	ModeFrame        Mode = "frame"
	ModeSpritesheet  Mode = "spritesheet"
	ModeAudio        Mode = "audio"
)

// Quality and Compression share the same enum.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
	TierAuto   Tier = "auto"
)

// bypassParams are query params whose presence disables the cache entirely
// for a single request. imwidth/imheight are deliberately not bypass
// tokens.
var bypassParams = map[string]struct{}{
	"debug":   {},
	"nocache": {},
	"bypass":  {},
}

// TransformOptions is the canonicalized set of transformation parameters
// for one request.
type TransformOptions struct {
	Width       int
	Height      int
	Mode        Mode
	Fit         string
	Format      string
	Time        string
	Duration    string
	Quality     Tier
	Compression Tier
	Loop        bool
	Autoplay    bool
	Muted       bool
	Preload     string
	Derivative  string
	Version     int

	// Bypass is true if the request carries any bypass token.
	Bypass bool
	// Debug is true if ?debug=view was requested.
	Debug bool
}

// Parse extracts TransformOptions from a raw query string. When no explicit
// derivative is given, Parse passes the imwidth/imheight/imref hints to
// resolveDerivative (supplied by the caller, e.g. internal/derivative) and
// stores the returned name in Derivative; the raw hints are not kept.
func Parse(q url.Values, resolveDerivative func(imwidth, imheight, imref string) string) (TransformOptions, error) {
	var o TransformOptions

	for name := range bypassParams {
		if q.Has(name) {
			o.Bypass = true
		}
	}
	if q.Get("debug") == "view" {
		o.Debug = true
	}

	if w := q.Get("width"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			return o, fmt.Errorf("invalid width: %q", w)
		}
		o.Width = n
	}
	if h := q.Get("height"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 {
			return o, fmt.Errorf("invalid height: %q", h)
		}
		o.Height = n
	}

	o.Mode = Mode(q.Get("mode"))
	if o.Mode == "" {
		o.Mode = ModeVideo
	}
	switch o.Mode {
	case ModeVideo, ModeFrame, ModeSpritesheet, ModeAudio:
	default:
		return o, fmt.Errorf("unknown mode: %q", o.Mode)
	}

	o.Fit = q.Get("fit")
	o.Format = q.Get("format")
	o.Time = q.Get("time")
	o.Duration = q.Get("duration")
	o.Preload = q.Get("preload")
	o.Derivative = q.Get("derivative")

	o.Quality = Tier(q.Get("quality"))
	if o.Quality == "" {
		o.Quality = TierAuto
	}
	o.Compression = Tier(q.Get("compression"))
	if o.Compression == "" {
		o.Compression = TierAuto
	}

	o.Loop = q.Get("loop") == "true"
	o.Autoplay = q.Get("autoplay") == "true"
	o.Muted = q.Get("muted") == "true"

	if o.Derivative == "" && resolveDerivative != nil {
		o.Derivative = resolveDerivative(q.Get("imwidth"), q.Get("imheight"), q.Get("imref"))
	}

	if err := validateCombination(o); err != nil {
		return o, err
	}

	return o, nil
}

// validateCombination rejects option sets that cannot be rendered, like
// unmuted autoplaying audio.
func validateCombination(o TransformOptions) error {
	if o.Mode == ModeAudio && o.Autoplay && !o.Muted {
		return fmt.Errorf("invalid combination: autoplay audio must be muted")
	}
	return nil
}

// Fingerprint is the canonical identity of a transformation request.
// Derived from: source path, and either the derivative name, or
// {width,height,mode}. Bypass params never participate.
func Fingerprint(sourcePath string, o TransformOptions) string {
	h := blake3.New(32, nil)
	h.Write([]byte(sourcePath))
	h.Write([]byte{0})
	if o.Derivative != "" {
		h.Write([]byte("derivative="))
		h.Write([]byte(o.Derivative))
	} else {
		fmt.Fprintf(h, "w=%d:h=%d:m=%s", o.Width, o.Height, o.Mode)
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum)
}

// CacheKey formats the persisted-storage key:
// `video:<sourcePath>:derivative=<d>` or `video:<sourcePath>:w=<W>:h=<H>:m=<M>`.
func CacheKey(sourcePath string, o TransformOptions) string {
	if o.Derivative != "" {
		return fmt.Sprintf("video:%s:derivative=%s", sourcePath, o.Derivative)
	}
	return fmt.Sprintf("video:%s:w=%d:h=%d:m=%s", sourcePath, o.Width, o.Height, o.Mode)
}

// SortedQueryKeys is a small helper used by logging/diagnostics to produce
// deterministic breadcrumbs from a query string.
func SortedQueryKeys(q url.Values) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsBypassToken reports whether name is one of the bypass query params.
func IsBypassToken(name string) bool {
	_, ok := bypassParams[name]
	return ok
}

// String renders the option set for logging breadcrumbs.
func (o TransformOptions) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s", o.Mode)
	if o.Derivative != "" {
		fmt.Fprintf(&b, " derivative=%s", o.Derivative)
	} else {
		fmt.Fprintf(&b, " w=%d h=%d", o.Width, o.Height)
	}
	if o.Version > 0 {
		fmt.Fprintf(&b, " v=%d", o.Version)
	}
	return b.String()
}
