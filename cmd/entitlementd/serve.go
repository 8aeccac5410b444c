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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/internal/config"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/api"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	billingprom "github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/metrics/prometheus"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/paykickstart"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/stripe"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	entitlementprom "github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement/metrics/prometheus"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/importer"
)

const shutdownTimeout = 15 * time.Second

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	zl, logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := entitlementprom.NewMetrics(registry, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(registry, cfg.MetricsNamespace)

	b, err := openBackend(ctx, cfg, true, logger, metrics)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.postgres != nil {
		if err := b.postgres.Migrate(ctx); err != nil {
			return err
		}
	}

	router, err := newRouter(cfg, b, logger, metrics, billingMetrics)
	if err != nil {
		return err
	}
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.StorageBackend).Msg("entitlementd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if b.postgres == nil && cfg.SweepInterval > 0 {
		g.Go(func() error {
			sweepExpired(gctx, b.storage, cfg.SweepInterval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	zl.Info().Msg("entitlementd stopped")
	return nil
}

// newRouter wires the engine, claim flow and providers into one chi router.
func newRouter(cfg *config.Config, b *backend, logger entitlement.Logger, metrics entitlement.Metrics, billingMetrics billing.Metrics) (chi.Router, error) {
	shared := entitlement.Config{Logger: logger, Metrics: metrics}

	engine, err := entitlement.NewEngine(b.storage, b.identity, shared)
	if err != nil {
		return nil, err
	}
	claims, err := entitlement.NewClaimFlow(b.storage, shared)
	if err != nil {
		return nil, err
	}
	access, err := entitlement.NewAccessChecker(b.storage, shared)
	if err != nil {
		return nil, err
	}
	imp, err := importer.New(importer.Config{
		Ingester:    engine,
		Concurrency: cfg.ImportConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	webhooks := billing.Config{
		Ingester:        engine,
		LookupTimeout:   cfg.LookupTimeout,
		RateLimit:       cfg.WebhookRateLimit,
		RateLimitWindow: cfg.WebhookRateWindow,
		Metrics:         billingMetrics,
		Logger:          logger,
	}

	stripeConfig := stripe.Config{Config: webhooks, StripeAPIKey: cfg.StripeAPIKey, Catalog: b.storage}
	stripeConfig.WebhookSecret = cfg.StripeWebhookSecret
	stripeProvider, err := stripe.NewProvider(stripeConfig)
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}

	pkConfig := paykickstart.Config{Config: webhooks}
	pkConfig.WebhookSecret = cfg.PayKickstartSecret
	pkProvider, err := paykickstart.NewProvider(pkConfig)
	if err != nil {
		return nil, fmt.Errorf("paykickstart provider: %w", err)
	}

	apiConfig := api.Config{
		Claims:     claims,
		Access:     access,
		Catalog:    b.storage,
		Importer:   imp,
		AdminToken: cfg.AdminAPIToken,
		GetUserID:  api.FromHeader(cfg.UserIDHeader),
		GetEmail:   api.FromHeader(cfg.UserEmailHeader),
		Logger:     logger,
	}
	if cfg.StripeAPIKey != "" {
		apiConfig.Checkout = stripeProvider
	}
	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	if cfg.AdminAPIToken == "" {
		logger.Warn("ADMIN_API_TOKEN is not set, admin endpoints are disabled")
	}
	for name, secret := range map[string]string{"stripe": cfg.StripeWebhookSecret, "paykickstart": cfg.PayKickstartSecret} {
		if secret == "" {
			logger.Warn("webhook secret not set, deliveries will be refused", entitlement.Field{Key: "provider", Value: name})
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/webhooks/stripe", stripeProvider.WebhookHandler())
	r.Handle("/webhooks/paykickstart", pkProvider.WebhookHandler())
	r.Mount("/", handler.Routes())
	return r, nil
}

// sweepExpired marks lapsed entitlements expired on backends without their
// own sweeper.
func sweepExpired(ctx context.Context, store entitlement.Storage, interval time.Duration, logger entitlement.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.ExpireLapsed(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("expiry sweep failed", entitlement.Field{Key: "error", Value: err.Error()})
				continue
			}
			if n > 0 {
				logger.Info("expired lapsed entitlements", entitlement.Field{Key: "count", Value: n})
			}
		}
	}
}
