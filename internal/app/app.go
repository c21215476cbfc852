// Package app wires all sesli subsystems into a running service.
//
// The App struct owns the full lifecycle: New opens the store, imports seed
// data and assembles the pipeline and HTTP surface, Run serves until its
// context ends, and Shutdown releases everything in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithS3Client, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/api"
	"github.com/MrWong99/sesli/internal/auth"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/config"
	"github.com/MrWong99/sesli/internal/health"
	"github.com/MrWong99/sesli/internal/matcher"
	"github.com/MrWong99/sesli/internal/observe"
	"github.com/MrWong99/sesli/internal/pipeline"
	"github.com/MrWong99/sesli/internal/recorder"
	"github.com/MrWong99/sesli/internal/resilience"
	"github.com/MrWong99/sesli/internal/store"
	"github.com/MrWong99/sesli/internal/store/memstore"
	"github.com/MrWong99/sesli/internal/store/postgres"
	"github.com/MrWong99/sesli/internal/store/sqlite"
	"github.com/MrWong99/sesli/internal/transcribe"
	"github.com/MrWong99/sesli/pkg/provider/stt"
)

// limiterSweepInterval is how often idle tenant rate limiters are dropped.
const limiterSweepInterval = time.Minute

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *resilience.FallbackGroup[stt.Transcriber]

	// Subsystems; initialised in New, torn down in Shutdown.
	store          store.Backend
	s3             transcribe.ObjectGetter
	metrics        *observe.Metrics
	metricsHandler http.Handler
	orchestrator   *pipeline.Orchestrator
	limiter        *api.RateLimiter
	handler        http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a backend instead of opening the one named in config.
// The caller keeps ownership; Shutdown does not close it.
func WithStore(s store.Backend) Option {
	return func(a *App) { a.store = s }
}

// WithS3Client injects the S3 client used for s3:// audio URLs.
func WithS3Client(c transcribe.ObjectGetter) Option {
	return func(a *App) { a.s3 = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the Prometheus handler served on the metrics
// path. Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers is the
// ordered set of transcription backends built by main from the config
// registry.
func New(ctx context.Context, cfg *config.Config, providers *resilience.FallbackGroup[stt.Transcriber], opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Seed data ─────────────────────────────────────────────────────
	if err := a.importSeedData(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: import seed data: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Driver {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store = s
	case config.StorePostgres:
		s, err := postgres.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoreMemory, "":
		a.store = memstore.New()
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	a.closers = append(a.closers, a.store.Close)
	slog.Info("store opened", "driver", a.cfg.Store.Driver)
	return nil
}

// importSeedData loads the command seed file and the tenant fixture.
func (a *App) importSeedData(ctx context.Context) error {
	if path := a.cfg.Store.SeedFile; path != "" {
		sf, err := command.LoadSeedFile(path)
		if err != nil {
			return err
		}
		n, err := command.Import(ctx, a.store, sf)
		if err != nil {
			return fmt.Errorf("import commands %q: %w", path, err)
		}
		slog.Info("imported voice commands", "path", path, "count", n)
	}

	if path := a.cfg.Store.FixtureFile; path != "" {
		f, err := store.LoadFixtureFile(path)
		if err != nil {
			return err
		}
		if err := a.store.LoadFixture(ctx, f); err != nil {
			return fmt.Errorf("load fixture %q: %w", path, err)
		}
		slog.Info("loaded fixture",
			"path", path,
			"profiles", len(f.Profiles),
			"orders", len(f.Orders),
			"products", len(f.Products),
			"tickets", len(f.Tickets),
		)
	}
	return nil
}

// initPipeline builds the transcription adapter, dispatcher, recorder and
// orchestrator.
func (a *App) initPipeline(ctx context.Context) error {
	tc := a.cfg.Transcription

	adapterOpts := []transcribe.Option{
		transcribe.WithMetrics(a.metrics),
		transcribe.WithDefaultLanguage(tc.DefaultLanguage),
	}
	if tc.AudioURL.Enabled {
		fetchOpts := []transcribe.FetcherOption{
			transcribe.WithMaxBytes(tc.AudioURL.MaxBytes),
			transcribe.WithFetchTimeout(tc.AudioURL.Timeout),
			transcribe.WithAllowedHosts(tc.AudioURL.AllowedHosts...),
			transcribe.WithAllowedBuckets(tc.AudioURL.AllowedBuckets...),
			transcribe.WithTenantPrefix(tc.AudioURL.TenantPrefix),
		}
		s3c := a.s3
		if s3c == nil {
			c, err := transcribe.NewS3Client(ctx, transcribe.S3Config{
				Region:   tc.AudioURL.S3Region,
				Endpoint: tc.AudioURL.S3Endpoint,
			})
			if err != nil {
				// s3:// URLs are then rejected; http(s) keeps working.
				slog.Warn("s3 audio urls disabled", "err", err)
			} else {
				s3c = c
			}
		}
		if s3c != nil {
			fetchOpts = append(fetchOpts, transcribe.WithS3(s3c))
		}
		adapterOpts = append(adapterOpts, transcribe.WithFetcher(transcribe.NewFetcher(fetchOpts...)))
	}
	adapter, err := transcribe.New(a.providers, adapterOpts...)
	if err != nil {
		return err
	}

	ac := a.cfg.Actions
	dispatcher := action.New(a.store,
		action.WithLocation(ac.Location()),
		action.WithLowStockThreshold(ac.LowStockThreshold),
		action.WithListLimit(ac.ListLimit),
	)

	rec := recorder.New(a.store, a.store, recorder.WithMetrics(a.metrics))

	a.orchestrator, err = pipeline.New(adapter, a.store, dispatcher, rec,
		pipeline.WithMatcher(matcher.New(matcher.WithCaseLanguage(a.cfg.Pipeline.CaseTag()))),
		pipeline.WithSuggestionLimit(a.cfg.Pipeline.SuggestionLimit),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	slog.Info("pipeline ready", "providers", adapter.Providers())
	return nil
}

// initHTTP assembles the API, health and metrics routes behind the
// observability middleware.
func (a *App) initHTTP() error {
	ac := a.cfg.Auth
	authn, err := auth.New([]byte(ac.HMACSecret),
		auth.WithIssuer(ac.Issuer),
		auth.WithAudience(ac.Audience),
		auth.WithTenantClaim(ac.TenantClaim),
		auth.WithLeeway(ac.Leeway),
		auth.WithTenantResolver(a.store),
	)
	if err != nil {
		return err
	}

	rl := a.cfg.Server.RateLimit
	a.limiter = api.NewRateLimiter(rl.RequestsPerSecond, rl.Burst, api.WithLimiterMetrics(a.metrics))

	srv, err := api.New(a.orchestrator, authn,
		api.WithRateLimiter(a.limiter),
		api.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New(
		health.Ping("store", a.store),
		health.AnyAvailable("transcription", a.providerAvailability),
	).Register(mux)
	if path := a.cfg.Telemetry.MetricsPath; path != "" {
		mux.Handle("GET "+path, a.metricsHandler)
	}

	a.handler = observe.Middleware(a.metrics)(mux)
	return nil
}

// providerAvailability reports, per transcription provider, whether its
// breaker currently admits calls.
func (a *App) providerAvailability() map[string]bool {
	states := a.providers.States()
	out := make(map[string]bool, len(states))
	for name, s := range states {
		out[name] = s != resilience.StateOpen
	}
	return out
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if t := a.cfg.Server.TLS; t != nil {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("app: load tls key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.limiter.Sweep(gctx, limiterSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers registered so far after a failed New.
func (a *App) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
