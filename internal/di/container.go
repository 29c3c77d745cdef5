package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/settlement/internal/platform/config"
	"github.com/hanko-field/settlement/internal/platform/observability"
	"github.com/hanko-field/settlement/internal/repositories"
	"github.com/hanko-field/settlement/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Checkout       services.CheckoutService
	Orders         services.OrderService
	Payments       services.PaymentService
	Freight        services.FreightService
	Settlement     services.SettlementService
	Webhooks       services.WebhookService
	Reconciliation *services.ReconciliationManager
}

// Infrastructure carries the clients built by the binary. Repositories and Gateway are required;
// the rest degrade to no-ops when nil.
type Infrastructure struct {
	Repositories repositories.Registry
	Gateway      services.ChargeGateway
	Publisher    services.SettlementEventPublisher
	Archive      services.WebhookArchive
	Metrics      services.Metrics
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the settlement services from configuration and infrastructure.
func NewContainer(cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Repositories == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Gateway == nil {
		return nil, errors.New("charge gateway is required")
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(cfg, infra)
	if err != nil {
		return nil, err
	}
	return &Container{
		Config:       cfg,
		Repositories: infra.Repositories,
		Services:     svc,
	}, nil
}

// Close stops running pollers, then releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Reconciliation != nil {
		if err := c.Services.Reconciliation.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop pollers: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, infra Infrastructure) (Services, error) {
	reg := infra.Repositories
	logger := infra.Logger
	var svc Services

	rates := make([]services.FreightRate, 0, len(cfg.Pricing.FreightRates))
	for _, rate := range cfg.Pricing.FreightRates {
		rates = append(rates, services.FreightRate(rate))
	}
	table, err := services.NewTableRateSource(rates)
	if err != nil {
		return Services{}, fmt.Errorf("build freight table: %w", err)
	}
	freight, err := services.NewFreightQuoter(services.FreightQuoterDeps{
		Source:    table,
		Ceiling:   cfg.Pricing.FreightCeiling,
		Tolerance: cfg.Pricing.Tolerance,
		CacheTTL:  cfg.Pricing.QuoteCacheTTL,
		Clock:     infra.Clock,
		Logger:    observability.EventLogger(logger, "freight"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build freight quoter: %w", err)
	}
	svc.Freight = freight

	coupons, err := services.NewCouponResolver(reg.Coupons(), infra.Clock)
	if err != nil {
		return Services{}, fmt.Errorf("build coupon resolver: %w", err)
	}
	validator, err := services.NewPricingValidator(services.PricingValidatorDeps{
		Catalog:     reg.Catalog(),
		Coupons:     coupons,
		Freight:     freight,
		Currency:    cfg.Gateway.Currency,
		Tolerance:   cfg.Pricing.Tolerance,
		MaxQuantity: cfg.Pricing.MaxQuantity,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing validator: %w", err)
	}

	svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:    reg.Orders(),
		Validator: validator,
		Metrics:   infra.Metrics,
		Clock:     infra.Clock,
		Logger:    observability.EventLogger(logger, "checkout"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	svc.Orders, err = services.NewOrderService(reg.Orders())
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	svc.Payments, err = services.NewPaymentService(services.PaymentServiceDeps{
		Orders:    reg.Orders(),
		Gateway:   infra.Gateway,
		Publisher: infra.Publisher,
		Metrics:   infra.Metrics,
		QRExpiry:  cfg.Gateway.QRExpiry,
		Clock:     infra.Clock,
		Logger:    observability.EventLogger(logger, "payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}

	svc.Settlement, err = services.NewSettlementService(services.SettlementServiceDeps{
		Orders:    reg.Orders(),
		Gateway:   infra.Gateway,
		Publisher: infra.Publisher,
		Metrics:   infra.Metrics,
		Clock:     infra.Clock,
		Logger:    observability.EventLogger(logger, "settlement"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement service: %w", err)
	}

	svc.Webhooks, err = services.NewWebhookIngestor(services.WebhookIngestorDeps{
		Notifications: reg.Notifications(),
		Archive:       infra.Archive,
		Settlement:    svc.Settlement,
		Metrics:       infra.Metrics,
		Clock:         infra.Clock,
		Logger:        observability.EventLogger(logger, "webhooks"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook ingestor: %w", err)
	}

	poller, err := services.NewReconciliationPoller(services.ReconciliationPollerDeps{
		Settlement: svc.Settlement,
		Interval:   cfg.Reconciliation.Interval,
		Timeout:    cfg.Reconciliation.Timeout,
		Logger:     observability.EventLogger(logger, "reconciliation"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation poller: %w", err)
	}
	svc.Reconciliation, err = services.NewReconciliationManager(services.ReconciliationServiceDeps{
		Orders:     reg.Orders(),
		Settlement: svc.Settlement,
		Poller:     poller,
		Metrics:    infra.Metrics,
		SweepAge:   cfg.Reconciliation.SweepAge,
		SweepBatch: cfg.Reconciliation.SweepBatch,
		Clock:      infra.Clock,
		Logger:     observability.EventLogger(logger, "reconciliation"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation manager: %w", err)
	}

	return svc, nil
}
