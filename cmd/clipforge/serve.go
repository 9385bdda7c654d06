package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/clipforge/internal/billing"
	"github.com/dukerupert/clipforge/internal/billing/store"
	billingstripe "github.com/dukerupert/clipforge/internal/billing/stripe"
	"github.com/dukerupert/clipforge/internal/config"
	"github.com/dukerupert/clipforge/internal/database"
	"github.com/dukerupert/clipforge/internal/entitlement"
	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/generation"
	"github.com/dukerupert/clipforge/internal/logging"
	"github.com/dukerupert/clipforge/internal/media"
	"github.com/dukerupert/clipforge/internal/progress"
	"github.com/dukerupert/clipforge/internal/server"
)

const (
	cleanupInterval = time.Hour
	ledgerRetention = 30 * 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	gw := gateway.NewClient(cfg.BackendURL,
		gateway.WithAPIKey(cfg.BackendAPIKey),
		gateway.WithLogger(logger.With("component", "gateway")),
	)
	checker := entitlement.NewChecker(gw, logger.With("component", "entitlement"))
	orch := progress.New(logger.With("component", "progress"))
	ledger := store.NewWebhookEventStore(db)

	srvCfg := server.Config{
		Gateway:        gw,
		Usage:          checker,
		Generator:      generation.NewService(gw, checker, orch, logger.With("component", "generation")),
		SessionSecret:  []byte(cfg.SessionSecret),
		RateLimit:      cfg.RateLimit,
		OriginPatterns: originPatterns(cfg.BaseURL),
	}

	stripeClient := billingstripe.NewClient(billingstripe.Config{
		SecretKey:         cfg.Stripe.SecretKey,
		WebhookSecret:     cfg.Stripe.WebhookSecret,
		ExtraVideoPriceID: cfg.Stripe.ExtraVideoPriceID,
		PlanPriceIDs:      cfg.Stripe.PlanPriceIDs,
		SuccessURL:        cfg.BaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         cfg.BaseURL + "/pricing",
	})
	if cfg.Stripe.WebhookSecret != "" {
		srvCfg.Webhooks = billing.NewSynchronizer(stripeClient, gw, logger.With("component", "billing"),
			billing.WithLedger(ledger),
			billing.WithPlanPrices(cfg.Stripe.PlanPriceIDs),
		)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; billing webhooks disabled")
	}
	if cfg.Stripe.SecretKey != "" {
		srvCfg.Checkout = stripeClient
	}
	if cfg.S3.Enabled() {
		srvCfg.Media = media.NewS3Sink(media.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PublicURL: cfg.S3.PublicURL,
		})
	}

	srv := server.New(srvCfg, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("clipforge starting", "addr", httpServer.Addr, "backend", cfg.BackendURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cleanup(gctx, logger, ledger, srv)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func cleanup(ctx context.Context, logger *slog.Logger, ledger *store.WebhookEventStore, srv *server.Server) {
	if n, err := ledger.Prune(ctx, time.Now().Add(-ledgerRetention)); err != nil {
		logger.Error("prune webhook ledger", "error", err)
	} else if n > 0 {
		logger.Info("pruned webhook ledger", "count", n)
	}
	srv.RateLimiter().Cleanup()
}

// originPatterns allows websocket upgrades from the public base URL's host.
func originPatterns(baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
