// Package rules implements the origin rules resolver: an ordered set of
// path matchers, each carrying a prioritized chain of Sources that
// together describe how to obtain a requested video's source bytes. Rules
// are declared in a YAML document and compiled once at load.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// SourceKind enumerates the kinds of Source a rule can chain.
type SourceKind string

const (
	SourceBucket   SourceKind = "bucket"
	SourceRemote   SourceKind = "remote"
	SourceFallback SourceKind = "fallback"
)

// Source is one concrete provider of origin bytes.
type Source struct {
	Kind     SourceKind `yaml:"kind"`
	Priority int        `yaml:"priority"`
	// Template references named captures from the owning rule's matcher,
	// e.g. "https://cdn.example.com/{path}".
	Template string `yaml:"template"`
	AuthRef  string `yaml:"auth_ref,omitempty"`
}

// ResolvedSource is a Source with its template already rendered against a
// specific request's captures.
type ResolvedSource struct {
	Kind   SourceKind
	Target string // bucket key, or a full URL for remote/fallback
}

// Rule is one Origin Rule: a named path matcher plus its Source chain.
type Rule struct {
	Name        string           `yaml:"name"`
	Match       string           `yaml:"match"`
	TTLByStatus map[int]Duration `yaml:"ttl_by_status,omitempty"`
	// ProcessPath gates whether transformation applies at all. A *bool so
	// an unset YAML field defaults to true (process) rather than the bool
	// zero value — most rules transform, so "disable processing" must be
	// explicit.
	ProcessPath *bool    `yaml:"process_path,omitempty"`
	Sources     []Source `yaml:"sources"`

	compiled *regexp.Regexp
	names    []string
	diag     string // load-time diagnostic, non-empty if compile failed
}

// Processes reports whether this rule applies transformation, defaulting
// to true when process_path was not set in the document.
func (r *Rule) Processes() bool {
	return r.ProcessPath == nil || *r.ProcessPath
}

// Duration wraps time.Duration for clean YAML (re)marshaling as strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Document is the top-level YAML document: an ordered list of rules.
type Document struct {
	Rules []Rule `yaml:"rules"`
}

// LoadDocument parses a YAML origin rules document and compiles every
// rule's matcher. A rule whose regex fails to compile is retained (so its
// position in declared order is preserved for diagnostics) but marked
// non-matching — it is skipped by Resolve and a diagnostic is logged here.
func LoadDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing origin rules document: %w", err)
	}
	for i := range doc.Rules {
		r := &doc.Rules[i]
		re, err := regexp.Compile(r.Match)
		if err != nil {
			r.diag = err.Error()
			slog.Warn("origin rule regex compile failed, rule will never match", "rule", r.Name, "error", err)
			continue
		}
		r.compiled = re
		r.names = re.SubexpNames()
	}
	return &doc, nil
}

// Resolver holds compiled rules in declared order and a memoization cache
// for repeated lookups of identical paths. The compiled patterns are
// shared immutably; only the LRU mutates after load.
type Resolver struct {
	rules []Rule
	cache *lru.Cache[string, *Resolution]
}

// Resolution is the outcome of resolving a path against a rule.
type Resolution struct {
	Rule     *Rule
	Captures map[string]string
	Sources  []ResolvedSource
}

// NewResolver builds a Resolver from a loaded Document.
func NewResolver(doc *Document, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, err := lru.New[string, *Resolution](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{rules: doc.Rules, cache: c}, nil
}

// Resolve finds the first rule (in declared order) whose matcher admits
// path, renders its Source chain in priority order, and returns the
// result. Ties among equally-prioritized sources are broken by the order
// they appear in the rule. Returns (nil, false) if no rule matches.
func (r *Resolver) Resolve(path string) (*Resolution, bool) {
	if res, ok := r.cache.Get(path); ok {
		return res, res != nil
	}

	for i := range r.rules {
		rule := &r.rules[i]
		if rule.compiled == nil {
			continue // load-time compile failure, never matches
		}
		m := rule.compiled.FindStringSubmatch(path)
		if m == nil {
			continue
		}

		captures := make(map[string]string, len(rule.names))
		for idx, name := range rule.names {
			if name == "" || idx >= len(m) {
				continue
			}
			captures[name] = m[idx]
		}

		sorted := append([]Source(nil), rule.Sources...)
		sortSourcesByPriority(sorted)

		resolved := make([]ResolvedSource, 0, len(sorted))
		for _, s := range sorted {
			resolved = append(resolved, ResolvedSource{
				Kind:   s.Kind,
				Target: renderTemplate(s.Template, captures),
			})
		}

		res := &Resolution{Rule: rule, Captures: captures, Sources: resolved}
		r.cache.Add(path, res)
		return res, true
	}

	r.cache.Add(path, nil)
	return nil, false
}

// renderTemplate substitutes {name} placeholders with captures; missing
// captures are substituted empty.
func renderTemplate(tmpl string, captures map[string]string) string {
	out := tmpl
	for name, value := range captures {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	// Any remaining {…} placeholders had no matching capture — blank them.
	for {
		start := strings.Index(out, "{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}")
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+1:]
	}
	return out
}

func sortSourcesByPriority(sources []Source) {
	// Stable insertion sort keeps declaration-order ties stable, and the
	// chain is always small (2-3 sources).
	for i := 1; i < len(sources); i++ {
		for j := i; j > 0 && sources[j].Priority < sources[j-1].Priority; j-- {
			sources[j], sources[j-1] = sources[j-1], sources[j]
		}
	}
}

// TTLForStatus returns the configured TTL for a response status, or ok=false
// if unconfigured.
func (r *Rule) TTLForStatus(status int) (time.Duration, bool) {
	d, ok := r.TTLByStatus[status]
	return time.Duration(d), ok
}
