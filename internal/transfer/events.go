package transfer

import (
	"context"
	"time"
)

// EventKind names a committed transfer transition.
type EventKind string

const (
	EventSent      EventKind = "transfer.sent"
	EventCompleted EventKind = "transfer.completed"
	EventCancelled EventKind = "transfer.cancelled"
)

// Event describes a committed transition for side channels. Dispatch happens
// strictly after commit; delivery failures never unwind the transition.
type Event struct {
	Kind           EventKind
	TransferID     int64
	Code           string
	FromLocationID int64
	ToLocationID   int64
	ActorID        int64
	ActorName      string
	At             time.Time
}

// NotifierPort fans committed events out to the alerting channel.
type NotifierPort interface {
	NotifyTransfer(ctx context.Context, evt Event) error
}
