package jobs

import (
	"context"
	"fmt"

	"github.com/meridian-retail/meridian-retail/internal/correction"
	"github.com/meridian-retail/meridian-retail/internal/transfer"
)

// Notifier adapts the job queue to the workflow notification ports. Services
// call it after commit; enqueue failures surface as errors and the caller
// logs them without rolling anything back.
type Notifier struct {
	client *Client
}

// NewNotifier constructs a Notifier.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// NotifyTransfer implements transfer.NotifierPort.
func (n *Notifier) NotifyTransfer(ctx context.Context, evt transfer.Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	_, err := n.client.EnqueueStockNotify(ctx, StockNotifyPayload{
		Kind:        string(evt.Kind),
		Module:      "transfer",
		Ref:         fmt.Sprintf("%d", evt.TransferID),
		Code:        evt.Code,
		LocationIDs: []int64{evt.FromLocationID, evt.ToLocationID},
		ActorID:     evt.ActorID,
		ActorName:   evt.ActorName,
		At:          evt.At,
	})
	return err
}

// NotifyCorrection implements correction.NotifierPort.
func (n *Notifier) NotifyCorrection(ctx context.Context, evt correction.Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	_, err := n.client.EnqueueStockNotify(ctx, StockNotifyPayload{
		Kind:        NotifyCorrectionApplied,
		Module:      "correction",
		Ref:         fmt.Sprintf("%d", evt.CorrectionID),
		Code:        evt.Code,
		VariationID: evt.VariationID,
		LocationIDs: []int64{evt.LocationID},
		Delta:       evt.Delta,
		ActorID:     evt.ActorID,
		ActorName:   evt.ActorName,
		At:          evt.At,
	})
	return err
}
