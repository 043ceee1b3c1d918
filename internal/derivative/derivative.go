// Package derivative maps Akamai-compatible IMQuery hints (imwidth,
// imheight, imref) onto named derivative presets (e.g. "mobile", "tablet",
// "desktop"). Two different imwidth values that fall in the same bucket
// resolve to the same derivative name, so they share one cache entry.
package derivative

import (
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Preset names one derivative and the breakpoint below which imwidth maps
// to it. Breakpoints are evaluated in ascending Width order; the first
// preset whose Width is >= the requested imwidth wins. If imwidth exceeds
// every breakpoint, the last (widest) preset is used.
type Preset struct {
	Name   string
	Width  int
	Height int
}

// DefaultPresets are the common Akamai-style responsive breakpoints.
var DefaultPresets = []Preset{
	{Name: "mobile", Width: 480, Height: 270},
	{Name: "tablet", Width: 1280, Height: 720},
	{Name: "desktop", Width: 1920, Height: 1080},
}

// Registry resolves IMQuery hints to derivative names, memoizing the
// resolution so repeated imwidth values don't re-walk the preset list.
type Registry struct {
	presets []Preset
	cache   *lru.Cache[int, string]
}

// NewRegistry builds a Registry from presets sorted ascending by Width, with
// an LRU cache of the given size for imwidth->name lookups.
func NewRegistry(presets []Preset, cacheSize int) (*Registry, error) {
	sorted := append([]Preset(nil), presets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Width < sorted[j].Width })

	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[int, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{presets: sorted, cache: c}, nil
}

// Resolve maps imwidth/imheight/imref query hints to a derivative name.
// imref is accepted for parity with the Akamai contract but does not
// currently affect bucketing; it is reserved for referrer-based policy.
func (r *Registry) Resolve(imwidth, imheight, imref string) string {
	if len(r.presets) == 0 {
		return ""
	}
	w, err := strconv.Atoi(imwidth)
	if err != nil || w <= 0 {
		return ""
	}
	if name, ok := r.cache.Get(w); ok {
		return name
	}
	name := r.bucket(w)
	r.cache.Add(w, name)
	return name
}

func (r *Registry) bucket(w int) string {
	for _, p := range r.presets {
		if w <= p.Width {
			return p.Name
		}
	}
	return r.presets[len(r.presets)-1].Name
}

// Dimensions returns the width/height for a named derivative, or (0,0,false)
// if unknown.
func (r *Registry) Dimensions(name string) (int, int, bool) {
	for _, p := range r.presets {
		if p.Name == name {
			return p.Width, p.Height, true
		}
	}
	return 0, 0, false
}
