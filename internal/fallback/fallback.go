// Package fallback is the decision table that turns a classified
// transformer failure into either a retry-once with adjusted parameters, a
// direct origin stream, a bare status surface (rate limiting), or an
// attempt at the next configured source. Substituted content always
// carries diagnostic headers so callers can detect it.
package fallback

import (
	"net/http"

	"github.com/erfianugrah/edgevideo-proxy/internal/apierror"
)

// Action is the decision the handler reaches for a given failure.
type Action string

const (
	// ActionRetryAdjusted retries the transformer once with an adjusted
	// duration; only 400 responses carrying a duration-limit hint
	// qualify.
	ActionRetryAdjusted Action = "retry_adjusted"
	// ActionStreamOrigin streams the original, untransformed source.
	ActionStreamOrigin Action = "stream_origin"
	// ActionSurfaceStatus forwards the upstream status/body unmodified,
	// with no retry and no fallback content substitution (rate limits
	// must not be amplified by retries).
	ActionSurfaceStatus Action = "surface_status"
	// ActionTryNextSource advances to the next configured Source.
	ActionTryNextSource Action = "try_next_source"
	// ActionFail surfaces the error to the client; no fallback applies.
	ActionFail Action = "fail"
)

// Decision is the outcome of evaluating a failure.
type Decision struct {
	Action Action
	// Headers carries the status-specific diagnostic sub-headers
	// (X-Video-Too-Large, X-File-Size-Error, X-Rate-Limit-Exceeded,
	// X-Server-Error).
	Headers map[string]string
	// BackgroundCache reports whether a stream_origin decision may
	// opportunistically cache the origin bytes via the Chunked Writer
	// (true for 5xx, false for 413 where the artifact is known to be
	// oversized and for 400/415 parameter failures).
	BackgroundCache bool
}

// Evaluate maps a classified apierror to a Decision. attempted is the
// number of transformer calls already made for this request (used to cap
// the duration-retry to exactly one attempt). durationAdjustable reports
// whether the error carries a parsed duration upper bound
// (transformer.AdjustedDurationSeconds).
func Evaluate(err *apierror.Error, attempted int, durationAdjustable bool) Decision {
	if err == nil {
		return Decision{Action: ActionFail}
	}

	switch err.Kind {
	case apierror.KindParameterError, apierror.KindSeekTimeError, apierror.KindInvalidMode, apierror.KindFormatError:
		if attempted <= 1 && durationAdjustable {
			return Decision{Action: ActionRetryAdjusted}
		}
		return Decision{Action: ActionStreamOrigin}

	case apierror.KindFileSizeLimit:
		return Decision{
			Action:  ActionStreamOrigin,
			Headers: map[string]string{"X-Video-Too-Large": "true", "X-File-Size-Error": "true"},
		}

	case apierror.KindUnsupportedFmt:
		return Decision{Action: ActionStreamOrigin}

	case apierror.KindRateLimit:
		return Decision{
			Action:  ActionSurfaceStatus,
			Headers: map[string]string{"X-Rate-Limit-Exceeded": "true"},
		}

	case apierror.KindNotFound:
		return Decision{Action: ActionTryNextSource}

	case apierror.KindServerError:
		return Decision{
			Action:          ActionStreamOrigin,
			Headers:         map[string]string{"X-Server-Error": "true"},
			BackgroundCache: true,
		}

	default:
		return Decision{Action: ActionFail}
	}
}

// Apply writes the decision's diagnostic headers onto w: every fallback
// response carries X-Fallback-Applied, X-Bypass-Cache-API, Accept-Ranges,
// and Cache-Control: no-store in addition to any kind-specific
// sub-headers. It never writes a status or body — callers do that once
// they know the outcome of the chosen action.
func Apply(w http.ResponseWriter, d Decision) {
	if d.Action == ActionFail {
		return
	}
	w.Header().Set("X-Fallback-Applied", "true")
	w.Header().Set("X-Bypass-Cache-API", "true")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	for k, v := range d.Headers {
		w.Header().Set(k, v)
	}
}
