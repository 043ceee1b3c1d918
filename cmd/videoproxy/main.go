package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/erfianugrah/edgevideo-proxy/internal/config"
	"github.com/erfianugrah/edgevideo-proxy/internal/derivative"
	"github.com/erfianugrah/edgevideo-proxy/internal/dispatcher"
	"github.com/erfianugrah/edgevideo-proxy/internal/kv"
	"github.com/erfianugrah/edgevideo-proxy/internal/orchestrator"
	"github.com/erfianugrah/edgevideo-proxy/internal/rules"
	"github.com/erfianugrah/edgevideo-proxy/internal/transformer"
	"github.com/erfianugrah/edgevideo-proxy/internal/version"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: videoproxy -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rulesDoc, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		slog.Error("failed to load origin rules", "path", cfg.RulesPath, "error", err)
		os.Exit(1)
	}
	resolver, err := rules.NewResolver(rulesDoc, 1024)
	if err != nil {
		slog.Error("failed to build rules resolver", "error", err)
		os.Exit(1)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to create kv store", "backend", cfg.KVBackend, "error", err)
		os.Exit(1)
	}

	versions := newVersionService(cfg)

	derivatives, err := derivative.NewRegistry(derivative.DefaultPresets, 256)
	if err != nil {
		slog.Error("failed to build derivative registry", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(
		resolver,
		versions,
		store,
		kv.NewWriter(store, cfg.ChunkSize, cfg.MaxUploadConcurrency),
		transformer.New(cfg.TransformerURL),
		cfg.InFlightMax,
		fetchOrigin,
	)
	orch.SkipThreshold = cfg.SkipThreshold
	orch.HardThreshold = cfg.HardThreshold

	handler := &dispatcher.Handler{
		Orchestrator: orch,
		Derivatives:  derivatives,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", dispatcher.LoggingMiddleware(handler))

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(mux, h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "kv_backend", cfg.KVBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	orch.Drain()
	slog.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.KVBackend {
	case "s3":
		s3store, err := kv.NewS3Store(ctx, cfg.KVRoot, cfg.KVPrefix, cfg.S3ForcePathStyle)
		if err != nil {
			return nil, err
		}
		if err := s3store.Init(ctx); err != nil {
			return nil, err
		}
		return s3store, nil
	case "fs":
		fsStore := kv.NewFSStore(afero.NewOsFs(), cfg.KVRoot)
		if err := fsStore.Init(); err != nil {
			return nil, err
		}
		return fsStore, nil
	default:
		return nil, fmt.Errorf("unknown kv backend: %q", cfg.KVBackend)
	}
}

func newVersionService(cfg config.Config) version.Service {
	switch cfg.VersionBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return version.NewRedisService(client, "edgevideo:version:")
	default:
		return version.NewFSService(afero.NewOsFs(), cfg.KVRoot+"/versions")
	}
}

// fetchOrigin streams the unmodified source bytes directly, used by the
// Fallback Handler's stream-origin action and by rules that disable
// processing.
func fetchOrigin(ctx context.Context, sourceURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("origin fetch failed: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
