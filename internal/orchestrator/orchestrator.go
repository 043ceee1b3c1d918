// Package orchestrator glues the request path together: origin rule
// resolution, version lookup, the durable chunked cache, in-flight
// coalescing, the transformer client, background persistence, and the
// fallback handler.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/erfianugrah/edgevideo-proxy/internal/apierror"
	"github.com/erfianugrah/edgevideo-proxy/internal/fallback"
	"github.com/erfianugrah/edgevideo-proxy/internal/inflight"
	"github.com/erfianugrah/edgevideo-proxy/internal/kv"
	"github.com/erfianugrah/edgevideo-proxy/internal/metrics"
	"github.com/erfianugrah/edgevideo-proxy/internal/options"
	"github.com/erfianugrah/edgevideo-proxy/internal/rules"
	"github.com/erfianugrah/edgevideo-proxy/internal/stream"
	"github.com/erfianugrah/edgevideo-proxy/internal/transformer"
	"github.com/erfianugrah/edgevideo-proxy/internal/version"
)

// manifestRefreshInterval gates how often a cache hit re-touches its
// manifest; more frequent hits skip the refresh entirely.
const manifestRefreshInterval = 5 * time.Minute

// outcome is what the in-flight registry shares between an initiator and
// any joiners: the transformed bytes, buffered once, read independently by
// every consumer via its own bytes.Reader over the same immutable slice —
// this is what an independent readable copy per joiner means here without
// paying for an allocation per joiner.
type outcome struct {
	body        []byte
	contentType string
	err         *apierror.Error
	// bypassCache reports that the artifact exceeded HardThreshold and
	// was streamed live without a background write.
	bypassCache bool
}

// Orchestrator serves one transformation request end to end.
type Orchestrator struct {
	Rules       *rules.Resolver
	Versions    version.Service
	Store       kv.Store
	Reader      *kv.Reader
	Writer      *kv.Writer
	Transformer *transformer.Client
	InFlight    *inflight.Registry[outcome]

	// SkipThreshold bounds fallback-path background caching (default
	// 128 MiB). HardThreshold bounds the normal transform-success write
	// path (default 256 MiB): above it, the response streams live and is
	// marked with bypass headers instead of being handed to the Writer.
	SkipThreshold int64
	HardThreshold int64

	// OriginFetch streams the unmodified source (used by the
	// stream-origin fallback paths and by non-processing rules).
	OriginFetch func(ctx context.Context, sourceURL string) (io.ReadCloser, string, error)

	// bg tracks storage tasks that outlive their request, so shutdown can
	// drain them instead of killing half-written artifacts.
	bg sync.WaitGroup
}

// New builds an Orchestrator, constructing its in-flight registry
// internally since the coalescing outcome type is not exported.
func New(resolver *rules.Resolver, versions version.Service, store kv.Store, writer *kv.Writer, client *transformer.Client, inFlightMax int, originFetch func(ctx context.Context, sourceURL string) (io.ReadCloser, string, error)) *Orchestrator {
	return &Orchestrator{
		Rules:         resolver,
		Versions:      versions,
		Store:         store,
		Reader:        kv.NewReader(store),
		Writer:        writer,
		Transformer:   client,
		InFlight:      inflight.New[outcome](inFlightMax),
		SkipThreshold: kv.DefaultSkipThreshold,
		HardThreshold: kv.HardSkipThreshold,
		OriginFetch:   originFetch,
	}
}

// Drain blocks until every background storage task spawned so far has
// finished. Called during graceful shutdown, after the listener stops
// accepting requests.
func (o *Orchestrator) Drain() {
	o.bg.Wait()
}

func (o *Orchestrator) background(fn func()) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		fn()
	}()
}

// Serve resolves sourcePath via the Origin Rules, checks the durable
// cache, and on miss coalesces concurrent identical requests through the
// in-flight registry before calling the transformer and persisting the
// result in the background.
func (o *Orchestrator) Serve(w http.ResponseWriter, r *http.Request, sourcePath string, opts options.TransformOptions) {
	ctx := r.Context()

	resolution, ok := o.Rules.Resolve(sourcePath)
	if !ok {
		apierror.Write(w, apierror.New(apierror.KindNotFound, http.StatusNotFound, "no origin rule matches path"))
		return
	}

	setSourceDiagnostics(w, resolution)

	// A rule that disables transformation forwards the request to origin
	// unchanged — no cache lookup, no transformer call.
	if !resolution.Rule.Processes() {
		o.streamUnprocessed(w, ctx, resolution)
		return
	}

	fingerprint := options.Fingerprint(sourcePath, opts)

	ver, err := o.Versions.Get(ctx, fingerprint)
	if err != nil {
		slog.Warn("version lookup failed, proceeding with default version", "fingerprint", fingerprint, "error", err)
		ver = 1
	}
	opts.Version = ver

	cacheKey := options.CacheKey(sourcePath, opts)
	etag := artifactETag(cacheKey, ver)

	// A bypass token skips both the cache read and the coalescing layer:
	// the request is proxied straight to the transformer and nothing is
	// persisted.
	if opts.Bypass {
		result := o.transform(ctx, primarySource(resolution), opts, cacheKey)
		if result.err != nil {
			metrics.TransformerInvocations.WithLabelValues(string(result.err.Kind)).Inc()
			o.handleFallback(w, r, result.err, resolution, sourcePath, cacheKey, opts)
			return
		}
		metrics.TransformerInvocations.WithLabelValues("ok").Inc()
		o.writeOutcome(w, result, "BYPASS", "", resolution.Rule)
		return
	}

	if manifest, err := o.Store.GetManifest(ctx, cacheKey); err == nil {
		// Manifest presence alone isn't "cached" for this version — an
		// operator bump must force a miss even though the cache key string
		// is unchanged (the key format intentionally excludes the version,
		// so staleness is detected by comparing the stored manifest's
		// Version against the freshly-fetched one, not by presence).
		if manifest.Version == ver {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			o.scheduleTTLRefresh(manifest)
			o.serveFromCache(w, r, manifest, resolution.Rule, etag)
			return
		}
		slog.Info("cached manifest version stale, forcing re-transform", "cache_key", cacheKey, "manifest_version", manifest.Version, "current_version", ver)
	} else if !errors.Is(err, kv.ErrNotFound) {
		slog.Warn("manifest lookup failed, falling through to transform", "cache_key", cacheKey, "error", err)
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	o.serveMiss(w, r, resolution, sourcePath, cacheKey, fingerprint, etag, opts)
}

func primarySource(resolution *rules.Resolution) string {
	if len(resolution.Sources) == 0 {
		return ""
	}
	return resolution.Sources[0].Target
}

// setSourceDiagnostics records where the bytes would come from, so callers
// can see which rule and source served them.
func setSourceDiagnostics(w http.ResponseWriter, resolution *rules.Resolution) {
	if len(resolution.Sources) == 0 {
		return
	}
	w.Header().Set("X-Origin", resolution.Sources[0].Target)
	w.Header().Set("X-Source-Type", string(resolution.Sources[0].Kind))
}

// artifactETag derives a stable validator from the cache key and current
// version; bumping the version changes the ETag, so stale conditional
// requests revalidate instead of 304ing forever.
func artifactETag(cacheKey string, version int) string {
	sum := blake3.Sum256([]byte(cacheKey + ":v=" + strconv.Itoa(version)))
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

// setCacheControl derives Cache-Control from the matched rule's per-status
// TTL table. Rules with no TTL configured for the status emit nothing.
func setCacheControl(w http.ResponseWriter, rule *rules.Rule, status int) {
	if rule == nil {
		return
	}
	if ttl, ok := rule.TTLForStatus(status); ok {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(ttl.Seconds())))
	}
}

// streamUnprocessed forwards the matched rule's preferred source verbatim,
// with no cache lookup and no transformer call.
func (o *Orchestrator) streamUnprocessed(w http.ResponseWriter, ctx context.Context, resolution *rules.Resolution) {
	if o.OriginFetch == nil || len(resolution.Sources) == 0 {
		apierror.Write(w, apierror.New(apierror.KindNotFound, http.StatusNotFound, "no source configured for unprocessed rule"))
		return
	}
	body, contentType, err := o.OriginFetch(ctx, resolution.Sources[0].Target)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.KindNotFound, http.StatusNotFound, err.Error()))
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Cache", "BYPASS")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// scheduleTTLRefresh re-touches the manifest in the background so a hot
// artifact's TTL keeps sliding. The response never waits on it.
func (o *Orchestrator) scheduleTTLRefresh(m *kv.Manifest) {
	last := m.RefreshedAt
	if last.IsZero() {
		last = m.CreatedAt
	}
	if !last.IsZero() && time.Since(last) < manifestRefreshInterval {
		return
	}
	refreshed := *m
	refreshed.RefreshedAt = time.Now()
	o.background(func() {
		if err := o.Store.PutManifest(context.Background(), &refreshed); err != nil {
			slog.Debug("manifest ttl refresh failed", "cache_key", refreshed.CacheKey, "error", err)
		}
	})
}

func (o *Orchestrator) serveFromCache(w http.ResponseWriter, r *http.Request, manifest *kv.Manifest, rule *rules.Rule, etag string) {
	ctx := r.Context()

	w.Header().Set("ETag", etag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, etag) {
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var rng *kv.ByteRange
	if h := r.Header.Get("Range"); h != "" {
		parsed, err := kv.ParseRange(h, manifest.TotalSize)
		if err != nil {
			if errors.Is(err, kv.ErrUnsatisfiableRange) {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", manifest.TotalSize))
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			apierror.Write(w, apierror.New(apierror.KindValidation, http.StatusBadRequest, err.Error()))
			return
		}
		rng = &parsed
	}

	body, length, err := o.Reader.Open(ctx, manifest, rng)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.KindChunkIntegrity, http.StatusInternalServerError, err.Error()))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", manifest.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Cache", "HIT")
	if rng != nil {
		setCacheControl(w, rule, http.StatusPartialContent)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, manifest.TotalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		setCacheControl(w, rule, http.StatusOK)
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("error streaming cached artifact", "error", err)
	}
}

func (o *Orchestrator) serveMiss(w http.ResponseWriter, r *http.Request, resolution *rules.Resolution, sourcePath, cacheKey, fingerprint, etag string, opts options.TransformOptions) {
	ctx := r.Context()

	sourceURL := primarySource(resolution)

	res, initiated, err := o.InFlight.Join(fingerprint, func() (outcome, error) {
		// The version may have been bumped by an operator between this
		// request's initial option construction and this initiator
		// actually running; re-check immediately before the transformer
		// call.
		if latest, verr := o.Versions.Get(ctx, fingerprint); verr == nil && latest != opts.Version {
			opts.Version = latest
			cacheKey = options.CacheKey(sourcePath, opts)
			etag = artifactETag(cacheKey, latest)
		}
		return o.transform(ctx, sourceURL, opts, cacheKey), nil
	})
	defer o.InFlight.Leave(fingerprint)

	metrics.InFlightActive.Set(float64(o.InFlight.Len()))

	if err != nil {
		if errors.Is(err, inflight.ErrAtCapacity) {
			metrics.InFlightRejections.Inc()
			w.Header().Set("Retry-After", "1")
			apierror.Write(w, apierror.New(apierror.KindCoalescingLimit, http.StatusServiceUnavailable, "too many distinct in-flight transformations"))
			return
		}
		apierror.Write(w, apierror.New(apierror.KindServerError, http.StatusInternalServerError, err.Error()))
		return
	}

	// Only the initiator made a transformer call; joiners share its result.
	result := res.Value
	if result.err != nil {
		if initiated {
			metrics.TransformerInvocations.WithLabelValues(string(result.err.Kind)).Inc()
		}
		o.handleFallback(w, r, result.err, resolution, sourcePath, cacheKey, opts)
		return
	}
	if initiated {
		metrics.TransformerInvocations.WithLabelValues("ok").Inc()
	}

	o.writeOutcome(w, result, "MISS", etag, resolution.Rule)
}

// writeOutcome renders a successful transform outcome: headers, status,
// and body. cacheStatus is the X-Cache value for a non-bypassed artifact;
// an oversized/bypassed outcome always wins over it.
func (o *Orchestrator) writeOutcome(w http.ResponseWriter, result outcome, cacheStatus, etag string, rule *rules.Rule) {
	w.Header().Set("Content-Type", result.contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if result.bypassCache || cacheStatus == "BYPASS" {
		w.Header().Set("X-Cache", "BYPASS")
		w.Header().Set("X-Bypass-Cache-API", "true")
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("X-Cache", cacheStatus)
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		setCacheControl(w, rule, http.StatusOK)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.body)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(result.body))
}

// transform performs exactly one call to the transformer (the initiator's
// path through inflight.Join), buffers the full response body, and kicks
// off a background write to the durable store. It never blocks the
// response on storage completion.
func (o *Orchestrator) transform(ctx context.Context, sourceURL string, opts options.TransformOptions, cacheKey string) outcome {
	resp, apiErr := o.Transformer.Do(ctx, transformer.Request{
		SourceURL:   sourceURL,
		Width:       opts.Width,
		Height:      opts.Height,
		Mode:        string(opts.Mode),
		Fit:         opts.Fit,
		Format:      opts.Format,
		Time:        opts.Time,
		Duration:    opts.Duration,
		Quality:     string(opts.Quality),
		Compression: string(opts.Compression),
		Version:     opts.Version,
	})
	if apiErr != nil {
		return outcome{err: apiErr}
	}
	defer resp.Body.Close()

	oversized := o.HardThreshold > 0 && resp.ContentLength > 0 && resp.ContentLength > o.HardThreshold

	var reader io.Reader = resp.Body
	if !opts.Bypass && !oversized {
		o.bg.Add(1)
		reader = stream.NewTee(context.Background(), resp.Body, func(bgCtx context.Context, r io.Reader) error {
			defer o.bg.Done()
			_, err := o.Writer.WriteBounded(bgCtx, cacheKey, opts.Version, resp.ContentType, opts.Width, opts.Height, r, o.HardThreshold)
			return err
		})
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return outcome{err: apierror.New(apierror.KindServerError, http.StatusBadGateway, fmt.Sprintf("reading transformer response: %v", err))}
	}

	return outcome{body: body, contentType: resp.ContentType, bypassCache: oversized}
}

func (o *Orchestrator) handleFallback(w http.ResponseWriter, r *http.Request, apiErr *apierror.Error, resolution *rules.Resolution, sourcePath, cacheKey string, opts options.TransformOptions) {
	_, adjustable := transformer.AdjustedDurationSeconds(apiErr)
	decision := fallback.Evaluate(apiErr, 1, adjustable)
	if decision.Action != fallback.ActionFail {
		metrics.FallbackActivations.WithLabelValues(string(decision.Action)).Inc()
	}

	switch decision.Action {
	case fallback.ActionRetryAdjusted:
		adjusted, ok := transformer.AdjustedDurationSeconds(apiErr)
		if !ok {
			apierror.Write(w, apiErr)
			return
		}
		fallback.Apply(w, decision)
		originalDuration := opts.Duration
		adjustedDuration := fmt.Sprintf("%ds", adjusted)
		opts.Duration = adjustedDuration
		resp, retryErr := o.Transformer.Do(r.Context(), transformer.Request{
			SourceURL: primarySource(resolution), Width: opts.Width, Height: opts.Height,
			Mode: string(opts.Mode), Fit: opts.Fit, Format: opts.Format,
			Time: opts.Time, Duration: opts.Duration, Quality: string(opts.Quality),
			Compression: string(opts.Compression), Version: opts.Version,
		})
		if retryErr != nil {
			metrics.TransformerInvocations.WithLabelValues(string(retryErr.Kind)).Inc()
			apierror.Write(w, retryErr)
			return
		}
		metrics.TransformerInvocations.WithLabelValues("ok").Inc()
		defer resp.Body.Close()
		w.Header().Set("Content-Type", resp.ContentType)
		w.Header().Set("X-Duration-Adjusted", "true")
		w.Header().Set("X-Original-Duration", originalDuration)
		w.Header().Set("X-Adjusted-Duration", adjustedDuration)
		w.WriteHeader(http.StatusOK)
		io.Copy(w, resp.Body)

	case fallback.ActionStreamOrigin:
		if o.OriginFetch == nil || len(resolution.Sources) == 0 {
			apierror.Write(w, apiErr)
			return
		}
		body, contentType, err := o.OriginFetch(r.Context(), resolution.Sources[0].Target)
		if err != nil {
			apierror.Write(w, apiErr)
			return
		}
		defer body.Close()
		fallback.Apply(w, decision)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)

		var reader io.Reader = body
		if decision.BackgroundCache && !opts.Bypass {
			o.bg.Add(1)
			reader = stream.NewTee(context.Background(), body, func(bgCtx context.Context, r io.Reader) error {
				defer o.bg.Done()
				_, err := o.Writer.WriteBounded(bgCtx, cacheKey, opts.Version, contentType, opts.Width, opts.Height, r, o.SkipThreshold)
				return err
			})
		}
		io.Copy(w, reader)

	case fallback.ActionSurfaceStatus:
		fallback.Apply(w, decision)
		apierror.Write(w, apiErr)

	case fallback.ActionTryNextSource:
		// A 404 means this source doesn't have the asset, not that
		// transformation itself is unwanted — retry the transformer
		// against each remaining source in priority order so a successful
		// next source still gets the requested transformation (and is
		// cached normally), rather than falling back to a raw,
		// untransformed stream.
		for _, src := range resolution.Sources[1:] {
			result := o.transform(r.Context(), src.Target, opts, cacheKey)
			if result.err == nil {
				metrics.TransformerInvocations.WithLabelValues("ok").Inc()
				w.Header().Set("X-Origin", src.Target)
				w.Header().Set("X-Source-Type", string(src.Kind))
				o.writeOutcome(w, result, "MISS", artifactETag(cacheKey, opts.Version), resolution.Rule)
				return
			}
			metrics.TransformerInvocations.WithLabelValues(string(result.err.Kind)).Inc()
		}
		fallback.Apply(w, decision)
		apierror.Write(w, apiErr)

	default:
		apierror.Write(w, apiErr)
	}
}
