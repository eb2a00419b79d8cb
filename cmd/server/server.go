package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/auction"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/circuitbreaker"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/config"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/endpoints"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/landscape"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/middleware"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/performance"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/waterfall"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/redis"
)

// resultSink is a waterfall sink that must be flushed on shutdown
type resultSink interface {
	waterfall.Sink
	Close() error
}

// app is the wired server
type app struct {
	handler  http.Handler
	sink     resultSink
	store    *performance.Store // nil without Redis
	redis    *redis.Client      // nil without Redis
	breakers *circuitbreaker.Registry
}

// close releases background resources in dependency order
func (a *app) close() {
	if a.store != nil {
		a.store.Stop()
	}
	if err := a.sink.Close(); err != nil {
		logger.Log.Warn().Err(err).Msg("Landscape sink close failed")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Log.Warn().Err(err).Msg("Redis close failed")
		}
	}
}

// buildApp wires every component from cfg. m may be nil to disable metrics.
func buildApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	a := &app{sink: landscape.NopSink{}}

	registry, err := adapters.NewRegistryFrom(cfg.Adapters)
	if err != nil {
		return nil, fmt.Errorf("adapters: %w", err)
	}

	a.breakers = circuitbreaker.NewRegistry(cfg.Breaker)
	if m != nil {
		a.breakers.OnStateChange(func(name string, from, to circuitbreaker.State) {
			m.SetBreakerState(name, string(to))
		})
	}
	for _, d := range registry.List() {
		a.breakers.GetBreaker(d.ID, nil)
	}

	var perf performance.Source
	if cfg.Redis.URL != "" {
		a.redis, err = redis.New(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		// Unreachable Redis degrades to dropped records and a stale table
		_ = a.redis.Ping(ctx)

		a.sink = landscape.NewRedisSink(a.redis.Client, cfg.Redis.Landscape)
		a.store = performance.NewStore(a.redis.Client, cfg.Redis.PerformanceKey, cfg.Redis.RefreshPeriod)
		if err := a.store.Start(ctx); err != nil {
			logger.Log.Warn().Err(err).Msg("Adapter performance table unavailable, using priority order")
		}
		perf = a.store
	}

	var auctionOpts []auction.Option
	wfOpts := []waterfall.Option{waterfall.WithSink(a.sink)}
	if m != nil {
		auctionOpts = append(auctionOpts, auction.WithRecorder(m))
		wfOpts = append(wfOpts, waterfall.WithRecorder(m))
	}

	caller := adapters.NewHTTPCaller(&http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}, cfg.Auction.Currency)

	engine, err := auction.New(registry, a.breakers, caller, cfg.Auction, auctionOpts...)
	if err != nil {
		return nil, fmt.Errorf("auction engine: %w", err)
	}
	wf := waterfall.New(engine, cfg.Waterfall, wfOpts...)

	var (
		onAuthFailure func()
		onOversized   func(string)
	)
	if m != nil {
		onAuthFailure = m.RecordAuthFailure
		onOversized = m.RecordOversized
	}
	auth := middleware.NewAuth(middleware.AuthConfig{
		Enabled: cfg.Admin.Enabled,
		APIKeys: cfg.Admin.APIKeys,
	}, onAuthFailure)
	sizeLimiter := middleware.NewSizeLimiter(middleware.SizeLimitConfig{
		Enabled:          true,
		MaxBodySize:      cfg.Limits.MaxBodySize,
		MaxAdminBodySize: cfg.Limits.MaxAdminBodySize,
		MaxURLLength:     cfg.Limits.MaxURLLength,
	}, onOversized)

	adminGuard := func(next http.Handler) http.Handler {
		return sizeLimiter.Admin(auth.Middleware(next))
	}

	mux := http.NewServeMux()
	mux.Handle("/openrtb2/auction", sizeLimiter.Auction(endpoints.NewAuctionHandler(wf, perf)))
	mux.Handle("/status", endpoints.NewStatusHandler())
	endpoints.NewAdminHandler(a.breakers, registry, wf).Register(mux, adminGuard)
	if m != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	var handler http.Handler = loggingMiddleware(mux)
	if m != nil {
		handler = m.Middleware(handler)
	}
	a.handler = handler

	logger.Log.Info().
		Strs("adapters", registry.ListEnabledIDs()).
		Bool("waterfall", cfg.Waterfall.Enabled).
		Bool("smart", cfg.Waterfall.Smart).
		Bool("redis", a.redis != nil).
		Bool("admin_auth", auth.IsEnabled()).
		Msg("Mediation server wired")

	return a, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		TimeFormat: time.RFC3339,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	a, err := buildApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer a.close()

	if !cfg.Admin.Enabled {
		logger.Log.Warn().Msg("Admin endpoints are served without authentication")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Log.Info().Msg("Server stopped")
	return nil
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := logger.NewRequestLogger(r.Header.Get("X-Request-ID")).
			WithField("method", r.Method).
			WithField("path", r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		rl.LogComplete(rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
