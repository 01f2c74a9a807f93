package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-retail/meridian-retail/internal/correction"
	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/masterdata"
	"github.com/meridian-retail/meridian-retail/internal/platform/httpx"
	"github.com/meridian-retail/meridian-retail/internal/shared"
	"github.com/meridian-retail/meridian-retail/internal/transfer"
	"github.com/meridian-retail/meridian-retail/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	LedgerHandler     *ledger.Handler
	TransferHandler   *transfer.Handler
	CorrectionHandler *correction.Handler
	MasterDataHandler *masterdata.Handler
	JobsHandler       *jobs.Handler
	Pool              *pgxpool.Pool
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		// Scope list for gateway role provisioning.
		r.Get("/meta/permissions", func(w http.ResponseWriter, r *http.Request) {
			httpx.JSON(w, http.StatusOK, map[string]any{"permissions": shared.EngineScopes()})
		})
		if params.LedgerHandler != nil {
			r.Route("/stock", params.LedgerHandler.MountRoutes)
		}
		if params.TransferHandler != nil {
			r.Route("/transfers", params.TransferHandler.MountRoutes)
		}
		if params.CorrectionHandler != nil {
			r.Route("/corrections", params.CorrectionHandler.MountRoutes)
		}
		if params.MasterDataHandler != nil {
			r.Route("/masterdata", params.MasterDataHandler.MountRoutes)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	return r
}
