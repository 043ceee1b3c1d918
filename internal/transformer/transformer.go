// Package transformer is the client for the external media-transformation
// endpoint: a single-shot HTTP call with upstream status/body
// classification and duration-limit parsing for the one supported retry
// path.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/erfianugrah/edgevideo-proxy/internal/apierror"
)

// Request describes one transformation call.
type Request struct {
	SourceURL   string
	Width       int
	Height      int
	Mode        string
	Fit         string
	Format      string
	Time        string
	Duration    string
	Quality     string
	Compression string
	Version     int
}

// Response is a successful transformation result. Body must be closed by
// the caller.
type Response struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Client issues requests to the configured transformation endpoint.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string // base URL of the transformation service
}

// New creates a Client with transport tuning suited to a busy upstream:
// dial/TLS timeouts, a response-header deadline, and a warm connection
// pool.
func New(endpoint string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		HTTPClient: &http.Client{Transport: transport},
		Endpoint:   endpoint,
	}
}

// Do issues exactly one request to the transformation endpoint. It does
// not retry — the orchestrator and fallback handler decide whether to call
// Do again (e.g. with an adjusted duration).
func (c *Client) Do(ctx context.Context, req Request) (*Response, *apierror.Error) {
	u, err := c.buildURL(req)
	if err != nil {
		return nil, apierror.New(apierror.KindParameterError, http.StatusBadRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apierror.New(apierror.KindServerError, http.StatusInternalServerError, err.Error())
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, apierror.New(apierror.KindCancelled, 499, "request cancelled")
		}
		return nil, apierror.New(apierror.KindServerError, http.StatusBadGateway, fmt.Sprintf("transformer unreachable: %v", err))
	}

	if resp.StatusCode == http.StatusOK {
		return &Response{
			Body:          resp.Body,
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: resp.ContentLength,
		}, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return nil, classify(resp.StatusCode, string(body))
}

func (c *Client) buildURL(req Request) (string, error) {
	base, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid transformer endpoint: %w", err)
	}
	q := base.Query()
	q.Set("source", req.SourceURL)
	if req.Width > 0 {
		q.Set("width", strconv.Itoa(req.Width))
	}
	if req.Height > 0 {
		q.Set("height", strconv.Itoa(req.Height))
	}
	if req.Mode != "" {
		q.Set("mode", req.Mode)
	}
	if req.Fit != "" {
		q.Set("fit", req.Fit)
	}
	if req.Format != "" {
		q.Set("format", req.Format)
	}
	if req.Time != "" {
		q.Set("time", req.Time)
	}
	if req.Duration != "" {
		q.Set("duration", req.Duration)
	}
	if req.Quality != "" {
		q.Set("quality", req.Quality)
	}
	if req.Compression != "" {
		q.Set("compression", req.Compression)
	}
	if req.Version > 0 {
		q.Set("v", strconv.Itoa(req.Version))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

var durationLimitRe = regexp.MustCompile(`between\s+[\d.]+m?s\s+and\s+([\d.]+)s`)

// classify maps an upstream error status+body to the apierror taxonomy,
// parsing the duration upper bound out of a "duration: attribute must be
// between Xms and Ys" body when present. Some upstreams report file-size
// limits as a 400 with a descriptive body rather than a 413; both land on
// the same kind.
func classify(status int, body string) *apierror.Error {
	switch status {
	case http.StatusBadRequest:
		if m := durationLimitRe.FindStringSubmatch(body); m != nil {
			if upper, err := strconv.ParseFloat(m[1], 64); err == nil {
				adjusted := int(upper) // floor(Y) seconds
				e := apierror.New(apierror.KindParameterError, status, body)
				e.WithHeader("X-Adjustable-Duration-Seconds", strconv.Itoa(adjusted))
				return e
			}
		}
		if containsAll(body, "file size") {
			return apierror.New(apierror.KindFileSizeLimit, status, body)
		}
		if containsAll(body, "invalid", "mode") {
			return apierror.New(apierror.KindInvalidMode, status, body)
		}
		if containsAll(body, "time", "exceeds") {
			return apierror.New(apierror.KindSeekTimeError, status, body)
		}
		if containsAll(body, "format", "invalid") {
			return apierror.New(apierror.KindFormatError, status, body)
		}
		return apierror.New(apierror.KindParameterError, status, body)
	case http.StatusRequestEntityTooLarge:
		return apierror.New(apierror.KindFileSizeLimit, status, body)
	case http.StatusUnsupportedMediaType:
		return apierror.New(apierror.KindUnsupportedFmt, status, body)
	case http.StatusTooManyRequests:
		return apierror.New(apierror.KindRateLimit, status, body)
	case http.StatusNotFound:
		return apierror.New(apierror.KindNotFound, status, body)
	default:
		if status >= 500 {
			return apierror.New(apierror.KindServerError, status, body)
		}
		return apierror.New(apierror.KindParameterError, status, body)
	}
}

func containsAll(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if !strings.Contains(lower, sub) {
			return false
		}
	}
	return true
}

// AdjustedDurationSeconds extracts the adjusted duration (in whole seconds)
// recorded on a parameter_error from classify, if any.
func AdjustedDurationSeconds(e *apierror.Error) (int, bool) {
	if e == nil || e.Headers == nil {
		return 0, false
	}
	v, ok := e.Headers["X-Adjustable-Duration-Seconds"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}
