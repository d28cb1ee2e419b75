package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stallfront/api/internal/payments"
	"github.com/stallfront/api/internal/platform/config"
	"github.com/stallfront/api/internal/repositories"
	"github.com/stallfront/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete
// implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Cart     services.CartService
	Orders   services.OrderService
	Counters services.CounterService
	Audit    services.AuditLogService
	System   services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option adjusts optional collaborators before the service graph is assembled.
type Option func(*containerOptions)

type containerOptions struct {
	payments payments.Provider
	events   services.OrderEventPublisher
	build    services.BuildInfo
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// WithPaymentProvider supplies the charge gateway invoked while placing orders.
// Orders built without one reject card payment methods until a provider arrives.
func WithPaymentProvider(provider payments.Provider) Option {
	return func(o *containerOptions) {
		o.payments = provider
	}
}

// WithOrderEventPublisher supplies the publisher behind order lifecycle events.
func WithOrderEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = publisher
	}
}

// WithBuildInfo stamps health payloads with release metadata.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// WithClock overrides the time source shared by every service, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithServiceLogger routes service-level structured events to the given sink.
func WithServiceLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(reg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients or cached connections.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// buildServices assembles the graph bottom-up: audit and counters first because the
// order service consumes both, then cart, orders, and finally the ops surface.
func buildServices(reg repositories.Registry, options containerOptions) (Services, error) {
	var svc Services

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      options.clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	if counterRepo := reg.Counters(); counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      options.clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if cartRepo := reg.Carts(); cartRepo != nil {
		cartSvc, err := services.NewCartService(services.CartServiceDeps{
			Carts:    cartRepo,
			Products: reg.Products(),
			Vendors:  reg.Vendors(),
			Clock:    options.clock,
			Logger:   options.logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build cart service: %w", err)
		}
		svc.Cart = cartSvc
	}

	if ordersRepo := reg.Orders(); ordersRepo != nil {
		if svc.Cart == nil {
			return Services{}, errors.New("build order service: cart service is required")
		}
		if svc.Counters == nil {
			return Services{}, errors.New("build order service: counter service is required")
		}
		deps := services.OrderServiceDeps{
			Orders:   ordersRepo,
			Products: reg.Products(),
			Carts:    svc.Cart,
			Counters: svc.Counters,
			Events:   options.events,
			Clock:    options.clock,
			Logger:   options.logger,
		}
		if options.payments != nil {
			deps.Payments = options.payments
		}
		if svc.Audit != nil {
			deps.Audit = svc.Audit
		}
		orderSvc, err := services.NewOrderService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Products:         reg.Products(),
			Clock:            options.clock,
			Build:            options.build,
			Audit:            svc.Audit,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
