package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/repositories"
)

// Sentinel errors returned by the internal ops surface.
var (
	// ErrSystemInvalidInput flags malformed ops commands.
	ErrSystemInvalidInput = errors.New("system: invalid input")
	// ErrSystemNotFound flags a missing adjustment target.
	ErrSystemNotFound = errors.New("system: not found")
	// ErrSystemConflict flags adjustments rejected by the current stock level.
	ErrSystemConflict = errors.New("system: conflict")
)

const auditActionStockAdjust = "product.stock.adjust"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Products         repositories.ProductRepository
	Clock            func() time.Time
	Build            BuildInfo
	Audit            AuditLogService
	Counters         CounterService
}

type systemService struct {
	healthRepo repositories.HealthRepository
	products   repositories.ProductRepository
	clock      func() time.Time
	build      BuildInfo
	audit      AuditLogService
	counters   CounterService
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the ops service providing health reports, audit listings,
// counters, and collaborator stock adjustments.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		products:   deps.Products,
		clock: func() time.Time {
			return clock().UTC()
		},
		build:    build,
		audit:    deps.Audit,
		counters: deps.Counters,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

func (s *systemService) ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if ctx == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("system service: context is required")
	}
	if s.audit == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("system service: audit service not configured")
	}
	return s.audit.List(ctx, filter)
}

func (s *systemService) NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error) {
	if ctx == nil {
		return 0, errors.New("system service: context is required")
	}
	if s.counters == nil {
		return 0, errors.New("system service: counter service not configured")
	}
	scope, name, err := parseCounterID(cmd.CounterID)
	if err != nil {
		return 0, err
	}
	value, err := s.counters.Next(ctx, scope, name, CounterGenerationOptions{Step: cmd.Step})
	if err != nil {
		return 0, err
	}
	return value.Value, nil
}

// AdjustProductStock applies a relative delta on behalf of a collaborator system and
// records the adjustment in the audit trail. Order placement and cancellation go through
// the idempotent stock ledger instead; this entry point serves manual corrections.
func (s *systemService) AdjustProductStock(ctx context.Context, cmd AdjustProductStockCommand) (Product, error) {
	if ctx == nil {
		return Product{}, errors.New("system service: context is required")
	}
	if s.products == nil {
		return Product{}, errors.New("system service: product repository not configured")
	}

	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrSystemInvalidInput)
	}
	if cmd.Delta == 0 {
		return Product{}, fmt.Errorf("%w: delta must be non-zero", ErrSystemInvalidInput)
	}

	product, err := s.products.ApplyStockDelta(ctx, productID, cmd.Delta)
	if err != nil {
		return Product{}, translateStockError(err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     chooseFirstNonEmpty(strings.TrimSpace(cmd.Actor), "system"),
			ActorType: "service",
			Action:    auditActionStockAdjust,
			TargetRef: "products/" + productID,
			Severity:  "info",
			RequestID: cmd.RequestID,
			Metadata: map[string]any{
				"delta":  cmd.Delta,
				"reason": strings.TrimSpace(cmd.Reason),
				"stock":  product.Stock,
			},
		})
	}

	return product, nil
}

// translateStockError maps stock ledger failures onto the ops sentinels while keeping the
// typed error reachable through the unwrap chain.
func translateStockError(err error) error {
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) {
		return err
	}
	switch stockErr.Code {
	case repositories.StockErrorProductNotFound:
		return fmt.Errorf("%w: product %s", ErrSystemNotFound, stockErr.ProductID)
	case repositories.StockErrorInsufficientStock, repositories.StockErrorAdjustmentConflict:
		return fmt.Errorf("%w: %w", ErrSystemConflict, stockErr)
	default:
		return fmt.Errorf("%w: %w", ErrSystemInvalidInput, stockErr)
	}
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}

func parseCounterID(counterID string) (string, string, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return "", "", fmt.Errorf("%w: counter id is required", ErrSystemInvalidInput)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("%w: counter id must be in scope:name format", ErrSystemInvalidInput)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
