package dispatcher

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/erfianugrah/edgevideo-proxy/internal/options"
)

// debugTemplate renders the ?debug=view diagnostics page: the resolved
// option set for the request, without fetching or transforming anything.
var debugTemplate = template.Must(template.New("debug").Parse(`<!doctype html>
<html>
<head><title>edgevideo-proxy debug</title></head>
<body>
<h1>Request diagnostics</h1>
<table border="1" cellpadding="4">
<tr><th>Field</th><th>Value</th></tr>
<tr><td>Path</td><td>{{.Path}}</td></tr>
<tr><td>Mode</td><td>{{.Opts.Mode}}</td></tr>
<tr><td>Width</td><td>{{.Opts.Width}}</td></tr>
<tr><td>Height</td><td>{{.Opts.Height}}</td></tr>
<tr><td>Derivative</td><td>{{.Opts.Derivative}}</td></tr>
<tr><td>Fit</td><td>{{.Opts.Fit}}</td></tr>
<tr><td>Format</td><td>{{.Opts.Format}}</td></tr>
<tr><td>Time</td><td>{{.Opts.Time}}</td></tr>
<tr><td>Duration</td><td>{{.Opts.Duration}}</td></tr>
<tr><td>Quality</td><td>{{.Opts.Quality}}</td></tr>
<tr><td>Compression</td><td>{{.Opts.Compression}}</td></tr>
<tr><td>Cache bypass</td><td>{{.Opts.Bypass}}</td></tr>
<tr><td>Fingerprint</td><td>{{.Fingerprint}}</td></tr>
<tr><td>Cache key</td><td>{{.CacheKey}}</td></tr>
</table>
</body>
</html>
`))

type debugPage struct {
	Path        string
	Opts        options.TransformOptions
	Fingerprint string
	CacheKey    string
}

// writeDebugView answers ?debug=view with an HTML diagnostics page.
// Nothing is fetched, transformed, or cached for such a request.
func writeDebugView(w http.ResponseWriter, sourcePath string, opts options.TransformOptions) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Cache", "BYPASS")
	page := debugPage{
		Path:        sourcePath,
		Opts:        opts,
		Fingerprint: options.Fingerprint(sourcePath, opts),
		CacheKey:    options.CacheKey(sourcePath, opts),
	}
	if err := debugTemplate.Execute(w, page); err != nil {
		slog.Warn("rendering debug view failed", "error", err)
	}
}
