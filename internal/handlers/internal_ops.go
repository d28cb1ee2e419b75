package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/platform/auth"
	"github.com/stallfront/api/internal/platform/httpx"
	"github.com/stallfront/api/internal/platform/pagination"
	"github.com/stallfront/api/internal/services"
)

// InternalOpsHandlers exposes the collaborator-only ops surface: relative stock
// adjustments and audit log listings. Authentication (OIDC or HMAC) is applied by
// the router on the whole /internal group.
type InternalOpsHandlers struct {
	system services.SystemService
}

const maxStockBodySize = 8 * 1024

var auditLogPaginationOptions = pagination.Options{
	DefaultPageSize: 50,
	MaxPageSize:     200,
	AllowedFilterFields: map[string][]pagination.Operator{
		"target_ref": {pagination.OperatorEqual},
		"actor":      {pagination.OperatorEqual},
		"actor_type": {pagination.OperatorEqual},
		"action":     {pagination.OperatorEqual},
	},
}

// NewInternalOpsHandlers constructs the internal ops handlers.
func NewInternalOpsHandlers(system services.SystemService) *InternalOpsHandlers {
	return &InternalOpsHandlers{system: system}
}

// Routes wires the /internal endpoints onto the provided router.
func (h *InternalOpsHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/products/{productID}/stock:adjust", h.adjustStock)
	r.Get("/audit-logs", h.listAuditLogs)
}

type adjustStockRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *InternalOpsHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxStockBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req adjustStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	product, err := h.system.AdjustProductStock(ctx, services.AdjustProductStockCommand{
		ProductID: productID,
		Delta:     req.Delta,
		Reason:    strings.TrimSpace(req.Reason),
		Actor:     internalActor(ctx, req.Actor),
		RequestID: middleware.GetReqID(ctx),
	})
	if err != nil {
		h.writeSystemError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stockAdjustResponse{Product: buildInternalProductPayload(product)})
}

func (h *InternalOpsHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, auditLogPaginationOptions)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.AuditLogFilter{
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}
	for _, f := range params.Filters {
		switch f.Field {
		case "target_ref":
			filter.TargetRef = f.Value
		case "actor":
			filter.Actor = f.Value
		case "actor_type":
			filter.ActorType = f.Value
		case "action":
			filter.Action = f.Value
		}
	}

	dateRange, err := parseDateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.DateRange = dateRange

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		h.writeSystemError(ctx, w, err)
		return
	}

	payload := auditLogListResponse{
		Entries:       make([]auditLogPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Items {
		payload.Entries = append(payload.Entries, buildAuditLogPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *InternalOpsHandlers) writeSystemError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSystemInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSystemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSystemConflict):
		httpx.WriteError(ctx, w, httpx.NewError("stock_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process internal request", http.StatusInternalServerError))
	}
}

// internalActor resolves the audit actor for internal calls: the verified service
// principal when present, the HMAC key name otherwise, then the declared actor.
func internalActor(ctx context.Context, declared string) string {
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		if subject := strings.TrimSpace(identity.Subject); subject != "" {
			return subject
		}
		if email := strings.TrimSpace(identity.Email); email != "" {
			return email
		}
	}
	if meta, ok := auth.HMACMetadataFromContext(ctx); ok {
		if name := strings.TrimSpace(meta.SecretName); name != "" {
			return "hmac:" + name
		}
	}
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	return "internal"
}

type stockAdjustResponse struct {
	Product internalProductPayload `json:"product"`
}

type internalProductPayload struct {
	ID        string `json:"id"`
	VendorID  string `json:"vendor_id"`
	Name      string `json:"name"`
	Stock     int64  `json:"stock"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func buildInternalProductPayload(product services.Product) internalProductPayload {
	return internalProductPayload{
		ID:        product.ID,
		VendorID:  product.VendorID,
		Name:      product.Name,
		Stock:     product.Stock,
		Active:    product.Active,
		UpdatedAt: formatTime(product.UpdatedAt),
	}
}

type auditLogListResponse struct {
	Entries       []auditLogPayload `json:"entries"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type,omitempty"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	IPHash    string         `json:"ip_hash,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

func buildAuditLogPayload(entry domain.AuditLogEntry) auditLogPayload {
	return auditLogPayload{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		IPHash:    entry.IPHash,
		UserAgent: entry.UserAgent,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}
