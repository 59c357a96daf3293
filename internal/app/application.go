package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bigkatzo/storefront-checkout/internal/app/services/checkout"
	couponsvc "github.com/bigkatzo/storefront-checkout/internal/app/services/coupon"
	eligibilitysvc "github.com/bigkatzo/storefront-checkout/internal/app/services/eligibility"
	ledgersvc "github.com/bigkatzo/storefront-checkout/internal/app/services/ledger"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/rails"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/settlement"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage/memory"
	"github.com/bigkatzo/storefront-checkout/internal/app/system"
	"github.com/bigkatzo/storefront-checkout/internal/config"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Orders  storage.OrderStore
	Coupons storage.CouponStore
}

// Application ties the checkout services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Eligibility *eligibilitysvc.Service
	Coupons     *couponsvc.Service
	Ledger      *ledgersvc.Service
	Rails       *rails.Dispatcher
	Monitor     *settlement.Monitor
	Checkout    *checkout.Orchestrator
}

// New builds a fully initialised application. The chain submitter is
// injected because transaction signing lives outside this service; with a
// nil submitter the on-chain rails reject submissions and the card rail
// still works.
func New(cfg config.Config, stores Stores, submitter rails.ChainSubmitter, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Orders == nil {
		stores.Orders = mem
	}
	if stores.Coupons == nil {
		stores.Coupons = mem
	}

	manager := system.NewManager()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	// Eligibility: remote checker plus a TTL cache. Redis when configured,
	// in-process otherwise.
	var checker eligibilitysvc.Checker
	if endpoint := strings.TrimSpace(cfg.Eligibility.Endpoint); endpoint != "" {
		httpChecker, err := eligibilitysvc.NewHTTPChecker(httpClient, endpoint, cfg.Eligibility.APIKey, log)
		if err != nil {
			return nil, fmt.Errorf("configure eligibility checker: %w", err)
		}
		checker = httpChecker
	} else {
		log.Warn("eligibility endpoint not set; gated items will fail verification")
	}
	var cache eligibilitysvc.Cache
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = eligibilitysvc.NewRedisCache(client)
	}
	eligService := eligibilitysvc.New(checker, cache, log)

	couponService := couponsvc.New(stores.Coupons, eligService, log)
	ledgerService := ledgersvc.New(stores.Orders, log)

	// Payment rails. Card is HTTP, the rest ride the injected submitter.
	var cardRail rails.Rail
	if endpoint := strings.TrimSpace(cfg.Card.Endpoint); endpoint != "" {
		rail, err := rails.NewCardRail(httpClient, endpoint, cfg.Card.APIKey, log)
		if err != nil {
			return nil, fmt.Errorf("configure card rail: %w", err)
		}
		cardRail = rail
	} else {
		log.Warn("card processor endpoint not set; card payments disabled")
	}
	nativeRail := rails.NewNativeRail(submitter, log)
	var swapRail rails.Rail = nativeRail
	if endpoint := strings.TrimSpace(cfg.Swap.Endpoint); endpoint != "" {
		rail, err := rails.NewSwapRail(httpClient, endpoint, submitter, log)
		if err != nil {
			return nil, fmt.Errorf("configure swap rail: %w", err)
		}
		swapRail = rail
	} else {
		log.Warn("swap aggregator endpoint not set; token payments settle without a swap quote")
	}
	var bridgeRail rails.Rail
	if endpoint := strings.TrimSpace(cfg.Bridge.Endpoint); endpoint != "" {
		rail, err := rails.NewBridgeRail(httpClient, endpoint, submitter, log)
		if err != nil {
			return nil, fmt.Errorf("configure bridge rail: %w", err)
		}
		bridgeRail = rail
	} else {
		log.Warn("bridge endpoint not set; cross-chain payments disabled")
	}
	dispatcher := rails.NewDispatcher(cardRail, nativeRail, swapRail, bridgeRail, log)

	// Settlement verification and background reconciliation.
	var verifier settlement.Verifier
	if endpoint := strings.TrimSpace(cfg.Settlement.Endpoint); endpoint != "" {
		httpVerifier, err := settlement.NewHTTPVerifier(httpClient, endpoint, cfg.Settlement.APIKey, log)
		if err != nil {
			return nil, fmt.Errorf("configure settlement verifier: %w", err)
		}
		verifier = httpVerifier
	} else {
		log.Warn("settlement endpoint not set; payment confirmation disabled")
	}
	monitor := settlement.NewMonitor(verifier, log)

	if verifier != nil {
		reconciler := settlement.NewReconciler(ledgerService, verifier, "", log)
		if err := manager.Register(reconciler); err != nil {
			return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
		}
	}

	orchestrator := checkout.New(eligService, couponService, ledgerService, dispatcher, monitor, checkout.Config{
		ReceiverWallet: cfg.Checkout.ReceiverWallet,
		Currency:       cfg.Checkout.Currency,
	}, log)

	return &Application{
		manager:     manager,
		log:         log,
		Eligibility: eligService,
		Coupons:     couponService,
		Ledger:      ledgerService,
		Rails:       dispatcher,
		Monitor:     monitor,
		Checkout:    orchestrator,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
