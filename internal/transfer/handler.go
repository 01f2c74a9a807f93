package transfer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/platform/httpx"
	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// Handler wires HTTP endpoints for transfers.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/check", h.handleCheck)
	r.Post("/{id}/send", h.handleSend)
	r.Post("/{id}/arrival", h.handleArrival)
	r.Post("/{id}/complete", h.handleComplete)
	r.Post("/{id}/cancel", h.handleCancel)
}

type createRequest struct {
	Code           string          `json:"code" validate:"omitempty,max=50"`
	Workflow       string          `json:"workflow" validate:"omitempty,oneof=full simplified"`
	FromLocationID int64           `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID   int64           `json:"to_location_id" validate:"required,gt=0"`
	Note           string          `json:"note" validate:"omitempty,max=500"`
	Items          []createItemReq `json:"items" validate:"required,min=1,dive"`
}

type createItemReq struct {
	VariationID int64    `json:"variation_id" validate:"required,gt=0"`
	Qty         string   `json:"qty" validate:"required"`
	SerialRefs  []string `json:"serial_refs" validate:"omitempty,dive,max=100"`
}

type itemQtyReq struct {
	ItemID int64  `json:"item_id" validate:"required,gt=0"`
	Qty    string `json:"qty" validate:"required"`
}

type checkRequest struct {
	Items []itemQtyReq `json:"items" validate:"required,min=1,dive"`
	Note  string       `json:"note" validate:"omitempty,max=500"`
}

type arrivalRequest struct {
	Items []itemQtyReq `json:"items" validate:"required,min=1,dive"`
	Note  string       `json:"note" validate:"omitempty,max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

type transferPayload struct {
	ID             int64         `json:"id"`
	Code           string        `json:"code"`
	Workflow       string        `json:"workflow"`
	Status         string        `json:"status"`
	FromLocationID int64         `json:"from_location_id"`
	ToLocationID   int64         `json:"to_location_id"`
	Note           string        `json:"note,omitempty"`
	CreatedBy      int64         `json:"created_by"`
	CheckedBy      *int64        `json:"checked_by,omitempty"`
	SentBy         *int64        `json:"sent_by,omitempty"`
	ReceivedBy     *int64        `json:"received_by,omitempty"`
	CompletedBy    *int64        `json:"completed_by,omitempty"`
	CancelledBy    *int64        `json:"cancelled_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	Items          []itemPayload `json:"items"`
}

type itemPayload struct {
	ID          int64    `json:"id"`
	VariationID int64    `json:"variation_id"`
	Qty         string   `json:"qty"`
	VerifiedQty *string  `json:"verified_qty,omitempty"`
	ReceivedQty *string  `json:"received_qty,omitempty"`
	SerialRefs  []string `json:"serial_refs,omitempty"`
}

type discrepancyPayload struct {
	ItemID      int64  `json:"item_id"`
	VariationID int64  `json:"variation_id"`
	Requested   string `json:"requested"`
	OnHand      string `json:"on_hand"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermTransferCreate) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "transfer.create permission required")
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
	input := CreateInput{
		Code:           req.Code,
		Workflow:       Workflow(req.Workflow),
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, item := range req.Items {
		qty, err := decimal.NewFromString(item.Qty)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item qty must be a decimal number")
			return
		}
		input.Items = append(input.Items, CreateItemInput{
			VariationID: item.VariationID,
			Qty:         qty,
			SerialRefs:  item.SerialRefs,
		})
	}
	t, err := h.service.Create(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransferPayload(t))
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermTransferCheck) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "transfer.check permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CheckInput{Note: req.Note}
	if !h.appendItemQtys(w, &input.Items, req.Items) {
		return
	}
	t, discrepancies, err := h.service.Check(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	payload := make([]discrepancyPayload, 0, len(discrepancies))
	for _, d := range discrepancies {
		payload = append(payload, discrepancyPayload{
			ItemID:      d.ItemID,
			VariationID: d.VariationID,
			Requested:   d.Requested.String(),
			OnHand:      d.OnHand.String(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"transfer":      toTransferPayload(t),
		"discrepancies": payload,
	})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermTransferSend) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "transfer.send permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Send(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferPayload(t))
}

func (h *Handler) handleArrival(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermTransferReceive) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "transfer.receive permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req arrivalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ArrivalInput{Note: req.Note}
	if !h.appendItemQtys(w, &input.Items, req.Items) {
		return
	}
	t, err := h.service.VerifyArrival(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferPayload(t))
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermTransferComplete) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "transfer.complete permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Complete(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferPayload(t))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermTransferCancel) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "transfer.cancel permission required")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	t, err := h.service.Cancel(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferPayload(t))
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
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferPayload(t))
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
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid limit")
			return
		}
		filter.Limit = limit
	}
	transfers, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	payload := make([]transferPayload, 0, len(transfers))
	for _, t := range transfers {
		payload = append(payload, toTransferPayload(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": payload})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transfer id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) appendItemQtys(w http.ResponseWriter, dst *[]ItemQtyInput, items []itemQtyReq) bool {
	for _, item := range items {
		qty, err := decimal.NewFromString(item.Qty)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item qty must be a decimal number")
			return false
		}
		*dst = append(*dst, ItemQtyInput{ItemID: item.ItemID, Qty: qty})
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var (
		dup       *shared.DuplicateTransactionError
		violation *PolicyViolationError
	)
	switch {
	case errors.As(err, &dup):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":        "Duplicate Transaction",
			"status":       http.StatusConflict,
			"detail":       dup.Error(),
			"original_ref": dup.Ref,
		})
	case errors.As(err, &violation):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":        "Separation Of Duties Violation",
			"status":       http.StatusConflict,
			"detail":       violation.Error(),
			"code":         violation.Code,
			"configurable": violation.Configurable,
		})
	case errors.Is(err, ErrTransferNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, shared.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, ErrVerificationIncomplete):
		httpx.Problem(w, http.StatusConflict, "Verification Incomplete", err.Error())
	case errors.Is(err, shared.ErrUnauthorizedLocation):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrSameLocation), errors.Is(err, ErrNoItems), errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ledger.ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	default:
		h.logger.Error("transfer request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toTransferPayload(t Transfer) transferPayload {
	payload := transferPayload{
		ID:             t.ID,
		Code:           t.Code,
		Workflow:       string(t.Workflow),
		Status:         string(t.Status),
		FromLocationID: t.FromLocationID,
		ToLocationID:   t.ToLocationID,
		Note:           t.Note,
		CreatedBy:      t.CreatedBy,
		CheckedBy:      t.CheckedBy,
		SentBy:         t.SentBy,
		ReceivedBy:     t.ReceivedBy,
		CompletedBy:    t.CompletedBy,
		CancelledBy:    t.CancelledBy,
		CreatedAt:      t.CreatedAt,
		SentAt:         t.SentAt,
		CompletedAt:    t.CompletedAt,
		CancelledAt:    t.CancelledAt,
		Items:          make([]itemPayload, 0, len(t.Items)),
	}
	for _, item := range t.Items {
		ip := itemPayload{
			ID:          item.ID,
			VariationID: item.VariationID,
			Qty:         item.Qty.String(),
			SerialRefs:  item.SerialRefs,
		}
		if item.VerifiedQty != nil {
			s := item.VerifiedQty.String()
			ip.VerifiedQty = &s
		}
		if item.ReceivedQty != nil {
			s := item.ReceivedQty.String()
			ip.ReceivedQty = &s
		}
		payload.Items = append(payload.Items, ip)
	}
	return payload
}
