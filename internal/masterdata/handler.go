package masterdata

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-retail/meridian-retail/internal/platform/httpx"
	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// Handler wires HTTP endpoints for master data.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the master data handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/locations", func(r chi.Router) {
		r.Get("/", h.handleListLocations)
		r.Post("/", h.handleCreateLocation)
		r.Get("/{id}", h.handleGetLocation)
		r.Put("/{id}", h.handleUpdateLocation)
	})
	r.Route("/variations", func(r chi.Router) {
		r.Get("/", h.handleListVariations)
		r.Post("/", h.handleCreateVariation)
		r.Get("/{id}", h.handleGetVariation)
		r.Put("/{id}", h.handleUpdateVariation)
	})
}

type locationRequest struct {
	Code     string `json:"code" validate:"required,max=50"`
	Name     string `json:"name" validate:"required,max=200"`
	Kind     string `json:"kind" validate:"required,oneof=store warehouse transit"`
	Address  string `json:"address" validate:"omitempty,max=500"`
	IsActive *bool  `json:"is_active"`
}

type variationRequest struct {
	SKU         string `json:"sku" validate:"required,max=100"`
	ProductName string `json:"product_name" validate:"required,max=200"`
	Name        string `json:"name" validate:"omitempty,max=200"`
	Barcode     string `json:"barcode" validate:"omitempty,max=100"`
	Serialized  bool   `json:"serialized"`
	IsActive    *bool  `json:"is_active"`
}

func (h *Handler) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locations, total, err := h.service.ListLocations(r.Context(), listFilters(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": locations, "total": total})
}

func (h *Handler) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	l, err := h.service.GetLocation(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermAllLocations) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "master data maintenance requires all-locations access")
		return
	}
	var req locationRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.service.CreateLocation(r.Context(), Location{
		Code: req.Code, Name: req.Name, Kind: req.Kind, Address: req.Address,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, l)
}

func (h *Handler) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermAllLocations) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "master data maintenance requires all-locations access")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	err := h.service.UpdateLocation(r.Context(), id, Location{
		Code: req.Code, Name: req.Name, Kind: req.Kind, Address: req.Address, IsActive: active,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	l, err := h.service.GetLocation(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) handleListVariations(w http.ResponseWriter, r *http.Request) {
	variations, total, err := h.service.ListVariations(r.Context(), listFilters(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variations": variations, "total": total})
}

func (h *Handler) handleGetVariation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	v, err := h.service.GetVariation(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleCreateVariation(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermAllLocations) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "master data maintenance requires all-locations access")
		return
	}
	var req variationRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.service.CreateVariation(r.Context(), Variation{
		SKU: req.SKU, ProductName: req.ProductName, Name: req.Name,
		Barcode: req.Barcode, Serialized: req.Serialized,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) handleUpdateVariation(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.HasPermission(shared.PermAllLocations) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "master data maintenance requires all-locations access")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req variationRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	err := h.service.UpdateVariation(r.Context(), id, Variation{
		SKU: req.SKU, ProductName: req.ProductName, Name: req.Name,
		Barcode: req.Barcode, Serialized: req.Serialized, IsActive: active,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	v, err := h.service.GetVariation(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrLocationNotFound), errors.Is(err, ErrVariationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateCode):
		httpx.Problem(w, http.StatusConflict, "Duplicate Code", err.Error())
	default:
		h.logger.Error("masterdata request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func listFilters(r *http.Request) ListFilters {
	filters := ListFilters{Search: r.URL.Query().Get("search")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			filters.Limit = limit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filters.IsActive = &active
		}
	}
	return filters
}
