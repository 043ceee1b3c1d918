// Package metrics registers the Prometheus instrumentation around chunk
// integrity drift, in-flight rejections, fallback activations, cache
// lookups, and transformer invocations. Collectors register at package
// init and are exposed via promhttp.Handler in cmd/videoproxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransformerInvocations counts every call made to the transformer,
	// labeled by outcome ("ok", or the apierror.Kind on failure).
	TransformerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgevideo_transformer_invocations_total",
		Help: "Total calls made to the media transformation endpoint, by outcome.",
	}, []string{"outcome"})

	// FallbackActivations counts every time the Fallback Handler reaches a
	// non-fail decision.
	FallbackActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgevideo_fallback_activations_total",
		Help: "Total fallback decisions applied, by action.",
	}, []string{"action"})

	// ChunkIntegrityDrift counts chunk reads whose actual size differed
	// from the Manifest's recorded size, beyond tolerance.
	ChunkIntegrityDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgevideo_chunk_integrity_drift_total",
		Help: "Total chunk reads rejected for exceeding the size-drift tolerance.",
	})

	// InFlightRejections counts requests rejected because the in-flight
	// registry was at capacity.
	InFlightRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgevideo_inflight_rejections_total",
		Help: "Total requests rejected because the in-flight registry was at capacity.",
	})

	// InFlightActive reports the current number of distinct in-flight
	// fingerprints.
	InFlightActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgevideo_inflight_active",
		Help: "Current number of distinct in-flight transformation fingerprints.",
	})

	// CacheLookups counts durable cache lookups, labeled hit/miss.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgevideo_cache_lookups_total",
		Help: "Total durable cache lookups, by result.",
	}, []string{"result"})
)
