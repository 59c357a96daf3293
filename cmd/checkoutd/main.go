// Package main runs the checkout service: the HTTP API, the payment rails
// and the background settlement reconciler.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	app "github.com/bigkatzo/storefront-checkout/internal/app"
	"github.com/bigkatzo/storefront-checkout/internal/app/httpapi"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/rails"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage/postgres"
	"github.com/bigkatzo/storefront-checkout/internal/config"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config/checkout.yaml if present)")
	flag.Parse()

	_ = godotenv.Load() // .env is optional, for local development

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadOrDefault()
	}
	if err != nil {
		logger.NewDefault("checkoutd").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.New(cfg.Logging).WithField("component", "checkoutd")

	stores := app.Stores{}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		store, err := postgres.Open(dsn)
		if err != nil {
			log.WithError(err).Error("connect to postgres")
			os.Exit(1)
		}
		defer store.Close()
		stores.Orders = store
		stores.Coupons = store
	} else {
		log.Warn("no database configured; orders are held in memory")
	}

	var submitter rails.ChainSubmitter
	if endpoint := strings.TrimSpace(cfg.Wallet.Endpoint); endpoint != "" {
		submitter, err = rails.NewHTTPSubmitter(nil, endpoint, cfg.Wallet.APIKey, log)
		if err != nil {
			log.WithError(err).Error("configure wallet relay")
			os.Exit(1)
		}
	} else {
		log.Warn("wallet relay not configured; on-chain payments disabled")
	}

	application, err := app.New(cfg, stores, submitter, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewHandler(application, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("checkout API listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("checkout service stopped")
}
