package ledger

import (
	"context"
	"errors"
	"fmt"
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

// IdempotencyPort guards movement submissions against retries.
type IdempotencyPort interface {
	Reserve(ctx context.Context, fingerprint, module, ref string) error
	Release(ctx context.Context, fingerprint string) error
	Window() time.Duration
}

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyPort
	validate    *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyPort) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idem, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/card", h.handleStockCard)
	r.Get("/balance", h.handleBalance)
	r.Post("/movements", h.handleMovement)
}

type movementRequest struct {
	VariationID   int64  `json:"variation_id" validate:"required,gt=0"`
	LocationID    int64  `json:"location_id" validate:"required,gt=0"`
	Qty           string `json:"qty" validate:"required"`
	Type          string `json:"type" validate:"required"`
	RefType       string `json:"ref_type" validate:"omitempty,max=50"`
	RefID         string `json:"ref_id" validate:"omitempty,max=100"`
	Note          string `json:"note" validate:"omitempty,max=500"`
	AllowNegative bool   `json:"allow_negative"`
}

type movementResponse struct {
	Transaction entryPayload   `json:"transaction"`
	Balance     balancePayload `json:"balance"`
}

type entryPayload struct {
	ID          int64     `json:"id"`
	VariationID int64     `json:"variation_id"`
	LocationID  int64     `json:"location_id"`
	Type        string    `json:"type"`
	Qty         string    `json:"qty"`
	BalanceQty  string    `json:"balance_qty"`
	RefType     string    `json:"ref_type,omitempty"`
	RefID       string    `json:"ref_id,omitempty"`
	ActorID     int64     `json:"actor_id"`
	ActorName   string    `json:"actor_name,omitempty"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type balancePayload struct {
	VariationID int64  `json:"variation_id"`
	LocationID  int64  `json:"location_id"`
	Qty         string `json:"qty"`
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermStockAdjust) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "stock.adjust permission required")
		return
	}
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal number")
		return
	}
	input := ChangeInput{
		VariationID:   req.VariationID,
		LocationID:    req.LocationID,
		Delta:         qty,
		Type:          TransactionType(req.Type),
		RefType:       req.RefType,
		RefID:         req.RefID,
		Actor:         actor,
		Note:          req.Note,
		AllowNegative: req.AllowNegative,
	}
	if err := input.Validate(); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	fingerprint := movementFingerprint(actor, req, h.idempotency.Window(), r.Header.Get("Idempotency-Key"))
	if err := h.idempotency.Reserve(r.Context(), fingerprint, "ledger", req.RefID); err != nil {
		h.respondError(w, err)
		return
	}
	entry, balance, err := h.service.ApplyChange(r.Context(), input)
	if err != nil {
		_ = h.idempotency.Release(r.Context(), fingerprint)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movementResponse{
		Transaction: toEntryPayload(entry),
		Balance:     toBalancePayload(balance),
	})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermStockView) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "stock.view permission required")
		return
	}
	filter, err := parseCardFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, toEntryPayload(entry))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": payload})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermStockView) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "stock.view permission required")
		return
	}
	variationID, err := queryInt64(r, "variation_id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	locationID, err := queryInt64(r, "location_id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	balance, err := h.service.BalanceOf(r.Context(), variationID, locationID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalancePayload(balance))
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
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrUnknownTransactionType):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func movementFingerprint(actor shared.Actor, req movementRequest, window time.Duration, explicit string) string {
	if explicit != "" {
		return shared.Fingerprint("ledger", explicit)
	}
	counterparty := req.VariationID<<32 | req.LocationID
	return shared.BusinessFingerprint("ledger", actor.ID, counterparty, req.Qty, time.Now(), window)
}

func parseCardFilter(r *http.Request) (StockCardFilter, error) {
	variationID, err := queryInt64(r, "variation_id")
	if err != nil {
		return StockCardFilter{}, err
	}
	locationID, err := queryInt64(r, "location_id")
	if err != nil {
		return StockCardFilter{}, err
	}
	filter := StockCardFilter{VariationID: variationID, LocationID: locationID}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return StockCardFilter{}, fmt.Errorf("invalid from timestamp: %w", err)
		}
		filter.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return StockCardFilter{}, fmt.Errorf("invalid to timestamp: %w", err)
		}
		filter.To = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return StockCardFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}

func toEntryPayload(entry Entry) entryPayload {
	return entryPayload{
		ID:          entry.ID,
		VariationID: entry.VariationID,
		LocationID:  entry.LocationID,
		Type:        string(entry.Type),
		Qty:         entry.Qty.String(),
		BalanceQty:  entry.BalanceQty.String(),
		RefType:     entry.RefType,
		RefID:       entry.RefID,
		ActorID:     entry.ActorID,
		ActorName:   entry.ActorName,
		Note:        entry.Note,
		CreatedAt:   entry.CreatedAt,
	}
}

func toBalancePayload(balance Balance) balancePayload {
	return balancePayload{
		VariationID: balance.VariationID,
		LocationID:  balance.LocationID,
		Qty:         balance.Qty.String(),
	}
}
