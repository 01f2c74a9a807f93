package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockNotify fans out stock events to downstream consumers.
	TaskStockNotify = "stock:notify"
	// TaskIdempotencyCleanup purges expired idempotency reservations.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// Stock notification kinds.
const (
	NotifyTransferSent      = "transfer.sent"
	NotifyTransferCompleted = "transfer.completed"
	NotifyTransferCancelled = "transfer.cancelled"
	NotifyCorrectionApplied = "correction.approved"
	NotifyStockInsufficient = "stock.insufficient"
)

// StockNotifyPayload describes one stock event for fan-out.
type StockNotifyPayload struct {
	Kind        string    `json:"kind"`
	Module      string    `json:"module"`
	Ref         string    `json:"ref"`
	Code        string    `json:"code,omitempty"`
	VariationID int64     `json:"variation_id,omitempty"`
	LocationIDs []int64   `json:"location_ids,omitempty"`
	Delta       string    `json:"delta,omitempty"`
	ActorID     int64     `json:"actor_id"`
	ActorName   string    `json:"actor_name,omitempty"`
	At          time.Time `json:"at"`
}

// NewStockNotifyTask constructs an Asynq task.
func NewStockNotifyTask(payload StockNotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockNotify, data, asynq.Queue(QueueDefault)), nil
}

// NewStockNotifyHandler processes TaskStockNotify tasks. Delivery targets
// (webhooks, store dashboards) hang off this single point.
func NewStockNotifyHandler(logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload StockNotifyPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		logger.Info("stock notification",
			slog.String("kind", payload.Kind),
			slog.String("module", payload.Module),
			slog.String("ref", payload.Ref),
			slog.Int64("actor_id", payload.ActorID),
		)
		return nil
	}
}

// IdempotencyCleaner is the part of the idempotency store the cleanup task
// needs.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// NewIdempotencyCleanupTask constructs the cron-scheduled cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupHandler purges reservations older than the window.
func NewIdempotencyCleanupHandler(store IdempotencyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		purged, err := store.Cleanup(ctx)
		if err != nil {
			logger.Error("idempotency cleanup failed", slog.Any("error", err))
			return err
		}
		if purged > 0 {
			logger.Info("idempotency cleanup", slog.Int64("purged", purged))
		}
		return nil
	}
}
