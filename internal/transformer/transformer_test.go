package transformer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erfianugrah/edgevideo-proxy/internal/apierror"
)

func TestDoSuccessReturnsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("width") != "640" {
			t.Errorf("expected width=640 in upstream query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("transformed-bytes"))
	}))
	defer upstream.Close()

	c := New(upstream.URL)
	resp, apiErr := c.Do(context.Background(), Request{SourceURL: "https://origin/a.mp4", Width: 640, Height: 360, Mode: "video"})
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "transformed-bytes" {
		t.Fatalf("body = %q", body)
	}
	if resp.ContentType != "video/mp4" {
		t.Fatalf("ContentType = %q", resp.ContentType)
	}
}

func TestDoClassifiesDurationLimitError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("duration: attribute must be between 100ms and 46.066933s"))
	}))
	defer upstream.Close()

	c := New(upstream.URL)
	_, apiErr := c.Do(context.Background(), Request{SourceURL: "https://origin/a.mp4", Duration: "100s"})
	if apiErr == nil {
		t.Fatal("expected an error")
	}
	if apiErr.Kind != apierror.KindParameterError {
		t.Fatalf("Kind = %q, want %q", apiErr.Kind, apierror.KindParameterError)
	}
	seconds, ok := AdjustedDurationSeconds(apiErr)
	if !ok {
		t.Fatal("expected an adjusted duration to be parsed")
	}
	if seconds != 46 {
		t.Fatalf("adjusted duration = %d, want 46 (floor of 46.066933)", seconds)
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apierror.Kind
	}{
		{"file too large", http.StatusRequestEntityTooLarge, "file size limit exceeded (256MiB)", apierror.KindFileSizeLimit},
		{"file-size limit reported as 400", http.StatusBadRequest, "file size limit exceeded (256MiB)", apierror.KindFileSizeLimit},
		{"unsupported format", http.StatusUnsupportedMediaType, "unsupported format", apierror.KindUnsupportedFmt},
		{"rate limited", http.StatusTooManyRequests, "too many requests", apierror.KindRateLimit},
		{"not found", http.StatusNotFound, "not found", apierror.KindNotFound},
		{"server error", http.StatusBadGateway, "upstream failure", apierror.KindServerError},
		{"generic parameter error", http.StatusBadRequest, "something else entirely", apierror.KindParameterError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.status, tt.body)
			if got.Kind != tt.want {
				t.Fatalf("classify(%d, %q).Kind = %q, want %q", tt.status, tt.body, got.Kind, tt.want)
			}
			if got.Status != tt.status {
				t.Fatalf("classify status = %d, want %d", got.Status, tt.status)
			}
		})
	}
}

func TestDoDoesNotRetryOnFailure(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	c := New(upstream.URL)
	_, apiErr := c.Do(context.Background(), Request{SourceURL: "https://origin/a.mp4"})
	if apiErr == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call (no built-in retry), got %d", calls)
	}
}

func TestBuildURLOmitsZeroValues(t *testing.T) {
	c := New("https://transform.example.com/")
	u, err := c.buildURL(Request{SourceURL: "https://origin/a.mp4", Mode: "video"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if strings.Contains(u, "width=") || strings.Contains(u, "height=") {
		t.Fatalf("expected no width/height params when unset, got %q", u)
	}
	if !strings.Contains(u, "source=") {
		t.Fatalf("expected a source param, got %q", u)
	}
}
