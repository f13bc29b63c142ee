package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/payments"
	"github.com/groundcycle/api/internal/platform/config"
	"github.com/groundcycle/api/internal/platform/idempotency"
	"github.com/groundcycle/api/internal/platform/textutil"
	"github.com/groundcycle/api/internal/repositories"
	"github.com/groundcycle/api/internal/services"
	"github.com/groundcycle/api/internal/shipping"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart          services.CartService
	Orders        services.OrderService
	Payments      services.PaymentService
	Shipping      services.ShippingService
	Reconciler    services.WebhookReconciler
	Notifications services.NotificationService
	System        services.SystemService
}

// Infrastructure carries the external adapters the service layer depends on.
// main.go constructs these from config; tests can supply fakes.
type Infrastructure struct {
	PaymentGateway  *payments.Manager
	ShippingGateway shipping.Gateway
	Idempotency     idempotency.Store
	Events          services.OrderEventPublisher
	WebhookVerifier services.WebhookSignatureVerifier
	PayloadArchiver services.PayloadArchiver
	Build           services.BuildInfo
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// adapters via infra, while tests can supply in-memory registries and fakes.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.PaymentGateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	if infra.ShippingGateway == nil {
		return nil, errors.New("shipping gateway is required")
	}
	if infra.Idempotency == nil {
		return nil, errors.New("idempotency store is required")
	}

	svc, err := buildServices(ctx, cfg, reg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (Services, error) {
	var svc Services

	notifications, err := services.NewNotificationService(services.NotificationServiceDeps{
		Notifications: reg.Notifications(),
		Clock:         infra.Clock,
		Logger:        infra.Logger,
	})
	if err != nil {
		return svc, fmt.Errorf("build notification service: %w", err)
	}

	refunder, err := services.NewPaymentRefunder(infra.PaymentGateway, infra.Logger)
	if err != nil {
		return svc, fmt.Errorf("build payment refunder: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Carts:         reg.Carts(),
		Products:      reg.Products(),
		Counters:      reg.Counters(),
		Notifications: notifications,
		Refunder:      refunder,
		Events:        infra.Events,
		Clock:         infra.Clock,
		Logger:        infra.Logger,
	})
	if err != nil {
		return svc, fmt.Errorf("build order service: %w", err)
	}

	reconciler, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{
		Idempotency:   infra.Idempotency,
		Orders:        reg.Orders(),
		OrderFlow:     orders,
		Notifications: notifications,
		Verifier:      infra.WebhookVerifier,
		Archiver:      infra.PayloadArchiver,
		SecretNames:   webhookSecretNames(cfg.Webhooks.Secrets),
		EventTTL:      cfg.Idempotency.TTL,
		Clock:         infra.Clock,
		Logger:        infra.Logger,
	})
	if err != nil {
		return svc, fmt.Errorf("build webhook reconciler: %w", err)
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     reg.Orders(),
		OrderFlow:  orders,
		Gateway:    infra.PaymentGateway,
		Reconciler: reconciler,
		SuccessURL: cfg.Payments.SuccessURL,
		CancelURL:  cfg.Payments.CancelURL,
		SessionTTL: cfg.Payments.SessionTTL,
		Clock:      infra.Clock,
		Logger:     infra.Logger,
	})
	if err != nil {
		return svc, fmt.Errorf("build payment service: %w", err)
	}

	shippingSvc, err := services.NewShippingService(services.ShippingServiceDeps{
		Orders:           reg.Orders(),
		Carts:            reg.Carts(),
		Products:         reg.Products(),
		OrderFlow:        orders,
		Gateway:          infra.ShippingGateway,
		Notifications:    notifications,
		Origin:           originAddress(cfg.Shipping.Origin),
		AdvanceToShipped: cfg.Features.AdvanceToShipped,
		Clock:            infra.Clock,
		Logger:           infra.Logger,
	})
	if err != nil {
		return svc, fmt.Errorf("build shipping service: %w", err)
	}

	cart, err := services.NewCartService(services.CartServiceDeps{
		Carts:    reg.Carts(),
		Products: reg.Products(),
		Clock:    infra.Clock,
		Logger:   infra.Logger,
	})
	if err != nil {
		return svc, fmt.Errorf("build cart service: %w", err)
	}

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            infra.Clock,
		Build:            infra.Build,
	})
	if err != nil {
		return svc, fmt.Errorf("build system service: %w", err)
	}

	svc = Services{
		Cart:          cart,
		Orders:        orders,
		Payments:      paymentSvc,
		Shipping:      shippingSvc,
		Reconciler:    reconciler,
		Notifications: notifications,
		System:        system,
	}
	return svc, nil
}

func webhookSecretNames(secrets map[string]string) map[domain.WebhookSource]string {
	normalized := textutil.NormalizeStringMap(secrets)
	if len(normalized) == 0 {
		return nil
	}
	names := make(map[domain.WebhookSource]string, len(normalized))
	for source, name := range normalized {
		names[domain.WebhookSource(source)] = name
	}
	return names
}

func originAddress(origin config.OriginConfig) shipping.Address {
	city := origin.City
	if origin.Province != "" {
		if city != "" {
			city += ", " + origin.Province
		} else {
			city = origin.Province
		}
	}
	return shipping.Address{
		Recipient:  origin.ContactName,
		Phone:      origin.Phone,
		Street:     origin.AddressLine,
		City:       city,
		PostalCode: origin.PostalCode,
		AreaID:     origin.AreaID,
	}
}
