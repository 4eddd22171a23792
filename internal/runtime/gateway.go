// Package runtime provides the Gateway struct and lifecycle management:
// it wires storage, the credential pool, the media cache, the pipeline and
// the HTTP surface from one configuration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/grok-gateway/internal/api/controlplane"
	"github.com/tjfontaine/grok-gateway/internal/config"
	"github.com/tjfontaine/grok-gateway/internal/credential"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/frontdoor"
	anthropicfd "github.com/tjfontaine/grok-gateway/internal/frontdoor/anthropic"
	mediafd "github.com/tjfontaine/grok-gateway/internal/frontdoor/media"
	openaifd "github.com/tjfontaine/grok-gateway/internal/frontdoor/openai"
	"github.com/tjfontaine/grok-gateway/internal/grok"
	"github.com/tjfontaine/grok-gateway/internal/media"
	"github.com/tjfontaine/grok-gateway/internal/metrics"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
	"github.com/tjfontaine/grok-gateway/internal/server"
	"github.com/tjfontaine/grok-gateway/internal/storage"
	"github.com/tjfontaine/grok-gateway/internal/storage/memory"
	"github.com/tjfontaine/grok-gateway/internal/storage/redis"
	"github.com/tjfontaine/grok-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/grok-gateway/internal/tokens"
)

// adminTimeout bounds admin calls; credential probes go upstream.
const adminTimeout = 30 * time.Second

// Store is a backend holding both credentials and the media index.
type Store interface {
	storage.CredentialStore
	storage.ArtifactIndex
}

// Gateway is the main entry point for running the gateway. It can be
// embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	cfg          *config.Config
	store        Store
	registry     *prometheus.Registry
	upstreamHTTP *http.Client
	logger       *slog.Logger

	// Built by Start
	pool    *credential.Pool
	flusher *credential.Flusher
	cache   *media.Cache
	server  *server.Server

	mu      sync.Mutex
	started bool
}

// New creates a Gateway. A configuration is required.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		return nil, errors.New("config required (use WithFileConfig or WithConfig)")
	}
	if gw.registry == nil {
		gw.registry = prometheus.NewRegistry()
	}
	return gw, nil
}

// Start opens storage, restores the pool and the media cache, and starts
// serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.New("gateway already started")
	}
	if err := g.build(ctx); err != nil {
		g.closeResources(ctx)
		return err
	}
	g.started = true

	g.flusher.Start()
	go func() {
		if err := g.server.Start(); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	counts := g.pool.StatusCounts()
	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.String("storage", g.cfg.Storage.Type),
		slog.Int("credentials_active", counts[domain.StatusActive]),
		slog.String("media_mode", g.cfg.Translator.MediaMode))
	return nil
}

// Handler returns the root HTTP handler. Valid after Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return http.NotFoundHandler()
	}
	return g.server.Router
}

// Pool returns the credential pool. Valid after Start.
func (g *Gateway) Pool() *credential.Pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pool
}

// Shutdown stops accepting requests, waits for in-flight streams until ctx
// expires, then flushes usage counters and the media index.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	errs = append(errs, g.closeResources(ctx)...)
	g.started = false

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeResources(ctx context.Context) []error {
	var errs []error
	if g.flusher != nil {
		if err := g.flusher.Close(ctx); err != nil {
			g.logger.Error("failed to flush usage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.cache != nil {
		if err := g.cache.Close(ctx); err != nil {
			g.logger.Error("failed to persist media index", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errs
}

func (g *Gateway) build(ctx context.Context) error {
	cfg := g.cfg

	if g.store == nil {
		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		g.store = store
	}

	var collector *metrics.Collector
	if cfg.Telemetry.Metrics {
		collector = metrics.NewCollector(g.registry, "grok_gateway")
	}

	clientOpts := []grok.ClientOption{
		grok.WithBaseURL(cfg.Upstream.BaseURL),
		grok.WithAssetsURL(cfg.Upstream.AssetsURL),
		grok.WithCFClearance(cfg.Upstream.CFClearance),
	}
	if cfg.Upstream.UserAgent != "" {
		clientOpts = append(clientOpts, grok.WithUserAgent(cfg.Upstream.UserAgent))
	}
	if g.upstreamHTTP != nil {
		clientOpts = append(clientOpts, grok.WithHTTPClient(g.upstreamHTTP))
	}
	client := grok.NewClient(clientOpts...)

	g.flusher = credential.NewFlusher(g.store, cfg.Pool.FlushInterval, cfg.Pool.FlushThreshold,
		g.logger.With(slog.String("component", "flusher")))
	g.pool = credential.NewPool(g.store, credential.Config{
		Window:      cfg.Pool.Window,
		BasicLimit:  cfg.Pool.BasicLimit,
		SuperLimit:  cfg.Pool.SuperLimit,
		BackoffBase: cfg.Pool.BackoffBase,
		BackoffMax:  cfg.Pool.BackoffMax,
		RetryBudget: cfg.Pool.RetryBudget,
	},
		credential.WithRecorder(g.flusher),
		credential.WithProber(client),
		credential.WithLogger(g.logger.With(slog.String("component", "pool"))),
	)
	if err := g.pool.Load(ctx); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	collector.WatchPool(g.pool)

	// Mirroring and uploads share one outbound ceiling
	outbound := semaphore.NewWeighted(int64(cfg.Media.MaxFetches))

	cacheOpts := []media.Option{
		media.WithIndex(g.store),
		media.WithFetchLimiter(outbound),
		media.WithMetrics(collector),
		media.WithLogger(g.logger.With(slog.String("component", "media"))),
	}
	if g.upstreamHTTP != nil {
		cacheOpts = append(cacheOpts, media.WithHTTPClient(g.upstreamHTTP))
	}
	cache, err := media.New(media.Config{
		Dir: cfg.Media.Dir,
		Caps: map[domain.MediaKind]int64{
			domain.MediaImage: cfg.Media.ImageCap,
			domain.MediaVideo: cfg.Media.VideoCap,
		},
		FetchTimeout: cfg.Media.FetchTimeout,
	}, cacheOpts...)
	if err != nil {
		return fmt.Errorf("create media cache: %w", err)
	}
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("load media cache: %w", err)
	}
	g.cache = cache

	counter := tokens.NewCounter(tokenizer.O200kBase)
	exec := pipeline.NewExecutor(pipeline.Config{
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		RetryDelay:         cfg.Pipeline.RetryDelay,
		FirstByteTimeout:   cfg.Pipeline.FirstByteTimeout,
		ChunkTimeout:       cfg.Pipeline.ChunkTimeout,
		TotalTimeout:       cfg.Pipeline.TotalTimeout,
		RetryableStatuses:  cfg.Pipeline.RetryableStatuses,
		MaxMalformedChunks: cfg.Pipeline.MaxMalformedChunks,
		Temporary:          cfg.Upstream.Temporary,
		Markers:            cfg.Translator.MarkerTags(),
		ShowThinking:       cfg.Translator.ShowThinking,
	}, g.pool, client,
		pipeline.WithImageSource(media.NewImageFetcher(media.WithMaxSize(cfg.Media.MaxImageBytes))),
		pipeline.WithMirror(media.NewSubstituter(cache, media.Mode(cfg.Translator.MediaMode), cfg.Server.PublicBaseURL)),
		pipeline.WithCounter(counter),
		pipeline.WithOutboundLimiter(outbound),
		pipeline.WithMetrics(collector),
		pipeline.WithLogger(g.logger.With(slog.String("component", "pipeline"))),
	)

	var serverOpts []server.Option
	if collector != nil {
		serverOpts = append(serverOpts, server.WithMetrics(collector,
			promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry})))
	}
	g.server = server.New(cfg.Server.Port, g.logger, serverOpts...)
	g.routes(exec, counter, collector)
	return nil
}

func (g *Gateway) routes(exec *pipeline.Executor, counter domain.TokenCounter, collector *metrics.Collector) {
	cfg := g.cfg
	r := g.server.Router

	var regs []frontdoor.HandlerRegistration
	regs = append(regs, openaifd.CreateHandlerRegistrations(openaifd.NewHandler(exec, g.logger), "")...)
	regs = append(regs, anthropicfd.CreateHandlerRegistrations(anthropicfd.NewHandler(exec, counter, g.logger), "")...)

	r.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(cfg.Server.APIKey))
		r.Use(server.AdmissionMiddleware(int64(cfg.Server.MaxInflight), collector))
		r.Use(server.RateLimitHeadersMiddleware(g.pool))
		frontdoor.Mount(r, regs)
	})

	// Media links are handed to callers and carry no key
	frontdoor.Mount(r, mediafd.CreateHandlerRegistrations(mediafd.NewHandler(g.cache), ""))

	r.Group(func(r chi.Router) {
		r.Use(server.AdminMiddleware(cfg.Server.AdminKey))
		r.Use(server.TimeoutMiddleware(adminTimeout))
		r.Mount("/admin", controlplane.NewServer(g.pool, g.cache, g.logger))
	})

	for _, reg := range regs {
		g.logger.Debug("registered handler", slog.String("method", reg.Method), slog.String("path", reg.Path))
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "redis":
		return redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
