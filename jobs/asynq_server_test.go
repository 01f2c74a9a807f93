package jobs

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpointWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	h := NewHandler(nil, slog.Default())
	r.Route("/jobs", h.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/health", nil))

	require.Equal(t, 200, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())
}

func TestStockNotifyHandlerAcceptsOwnTask(t *testing.T) {
	task, err := NewStockNotifyTask(StockNotifyPayload{
		Kind:        NotifyTransferCompleted,
		Module:      "transfer",
		Ref:         "42",
		LocationIDs: []int64{10, 20},
		ActorID:     5,
		At:          time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, TaskStockNotify, task.Type())

	handler := NewStockNotifyHandler(slog.Default())
	require.NoError(t, handler(context.Background(), task))
}

type countingCleaner struct {
	calls int
}

func (c *countingCleaner) Cleanup(ctx context.Context) (int64, error) {
	c.calls++
	return 3, nil
}

func TestIdempotencyCleanupHandler(t *testing.T) {
	cleaner := &countingCleaner{}
	handler := NewIdempotencyCleanupHandler(cleaner, slog.Default())

	require.NoError(t, handler(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 1, cleaner.calls)
}
