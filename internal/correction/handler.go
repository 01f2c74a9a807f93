package correction

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/platform/httpx"
	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// Handler wires HTTP endpoints for corrections.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the correction handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers correction routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Post("/bulk-approve", h.handleBulkApprove)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/void", h.handleVoid)
}

type createRequest struct {
	Code        string `json:"code" validate:"omitempty,max=50"`
	VariationID int64  `json:"variation_id" validate:"required,gt=0"`
	LocationID  int64  `json:"location_id" validate:"required,gt=0"`
	PhysicalQty string `json:"physical_qty" validate:"required"`
	Reason      string `json:"reason" validate:"required,min=3,max=200"`
	Note        string `json:"note" validate:"omitempty,max=500"`
}

type bulkApproveRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1,max=500,dive,gt=0"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

type correctionPayload struct {
	ID           int64      `json:"id"`
	Code         string     `json:"code"`
	VariationID  int64      `json:"variation_id"`
	LocationID   int64      `json:"location_id"`
	SystemQty    string     `json:"system_qty"`
	PhysicalQty  string     `json:"physical_qty"`
	Difference   string     `json:"difference"`
	AppliedDelta *string    `json:"applied_delta,omitempty"`
	Reason       string     `json:"reason"`
	Note         string     `json:"note,omitempty"`
	Status       string     `json:"status"`
	CreatedBy    int64      `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedBy   *int64     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	VoidedBy     *int64     `json:"voided_by,omitempty"`
	VoidedAt     *time.Time `json:"voided_at,omitempty"`
	VoidReason   string     `json:"void_reason,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermCorrectionCreate) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "correction.create permission required")
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	physicalQty, err := decimal.NewFromString(req.PhysicalQty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "physical_qty must be a decimal number")
		return
	}
	c, err := h.service.Create(r.Context(), actor, CreateInput{
		Code:           req.Code,
		VariationID:    req.VariationID,
		LocationID:     req.LocationID,
		PhysicalQty:    physicalQty,
		Reason:         req.Reason,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toCorrectionPayload(c))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermCorrectionApprove) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "correction.approve permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Approve(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCorrectionPayload(c))
}

func (h *Handler) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermCorrectionApprove) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "correction.approve permission required")
		return
	}
	var req bulkApproveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.BulkApprove(r.Context(), actor, req.IDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	failed := make([]map[string]any, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, map[string]any{"id": f.CorrectionID, "reason": f.Reason})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"succeeded":        result.Succeeded,
		"already_approved": result.AlreadyApproved,
		"failed":           failed,
	})
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermCorrectionCreate) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "correction.create permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.Void(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCorrectionPayload(c))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermStockView) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "stock.view permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCorrectionPayload(c))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermStockView) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "stock.view permission required")
		return
	}
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("location_id"); raw != "" {
		locationID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || locationID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "location_id must be a positive integer")
			return
		}
		filter.LocationID = locationID
	}
	if raw := r.URL.Query().Get("variation_id"); raw != "" {
		variationID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || variationID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "variation_id must be a positive integer")
			return
		}
		filter.VariationID = variationID
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid limit")
			return
		}
		filter.Limit = limit
	}
	corrections, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	payload := make([]correctionPayload, 0, len(corrections))
	for _, c := range corrections {
		payload = append(payload, toCorrectionPayload(c))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"corrections": payload})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "correction id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var dup *shared.DuplicateTransactionError
	switch {
	case errors.As(err, &dup):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":        "Duplicate Transaction",
			"status":       http.StatusConflict,
			"detail":       dup.Error(),
			"original_ref": dup.Ref,
		})
	case errors.Is(err, ErrCorrectionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyApproved), errors.Is(err, ErrNotPending), errors.Is(err, shared.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, shared.ErrUnauthorizedLocation):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNegativePhysicalQty):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("correction request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toCorrectionPayload(c Correction) correctionPayload {
	payload := correctionPayload{
		ID:          c.ID,
		Code:        c.Code,
		VariationID: c.VariationID,
		LocationID:  c.LocationID,
		SystemQty:   c.SystemQty.String(),
		PhysicalQty: c.PhysicalQty.String(),
		Difference:  c.Difference.String(),
		Reason:      c.Reason,
		Note:        c.Note,
		Status:      string(c.Status),
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
		ApprovedBy:  c.ApprovedBy,
		ApprovedAt:  c.ApprovedAt,
		VoidedBy:    c.VoidedBy,
		VoidedAt:    c.VoidedAt,
		VoidReason:  c.VoidReason,
	}
	if c.AppliedDelta != nil {
		s := c.AppliedDelta.String()
		payload.AppliedDelta = &s
	}
	return payload
}
