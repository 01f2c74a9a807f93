package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// ============================================================================
// IN-MEMORY FIXTURES
// ============================================================================

type memState struct {
	transfers map[int64]*Transfer
	balances  map[string]decimal.Decimal
	entries   []ledger.Entry
	serials   map[string]string // ref -> status
	serialLoc map[string]int64
	nextTID   int64
	nextIID   int64
	nextEID   int64
}

func newMemState() *memState {
	return &memState{
		transfers: make(map[int64]*Transfer),
		balances:  make(map[string]decimal.Decimal),
		serials:   make(map[string]string),
		serialLoc: make(map[string]int64),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, t := range s.transfers {
		copied := *t
		copied.Items = make([]Item, len(t.Items))
		copy(copied.Items, t.Items)
		c.transfers[id] = &copied
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.entries = append(c.entries, s.entries...)
	for k, v := range s.serials {
		c.serials[k] = v
	}
	for k, v := range s.serialLoc {
		c.serialLoc[k] = v
	}
	c.nextTID, c.nextIID, c.nextEID = s.nextTID, s.nextIID, s.nextEID
	return c
}

type memRepo struct {
	state *memState
}

func newMemRepo() *memRepo {
	return &memRepo{state: newMemState()}
}

func balKey(variationID, locationID int64) string {
	return fmt.Sprintf("%d:%d", variationID, locationID)
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	working := r.state.clone()
	if err := fn(ctx, &memTx{state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memRepo) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	t, ok := r.state.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	copied := *t
	copied.Items = make([]Item, len(t.Items))
	copy(copied.Items, t.Items)
	return copied, nil
}

func (r *memRepo) ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	var out []Transfer
	for _, t := range r.state.transfers {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.LocationIDs != nil && !touchesAny(t, filter.LocationIDs) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func touchesAny(t *Transfer, locationIDs []int64) bool {
	for _, id := range locationIDs {
		if t.FromLocationID == id || t.ToLocationID == id {
			return true
		}
	}
	return false
}

func (r *memRepo) balance(variationID, locationID int64) decimal.Decimal {
	if qty, ok := r.state.balances[balKey(variationID, locationID)]; ok {
		return qty
	}
	return decimal.Zero
}

func (r *memRepo) entriesOf(txType ledger.TransactionType) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range r.state.entries {
		if e.Type == txType {
			out = append(out, e)
		}
	}
	return out
}

func (r *memRepo) seed(variationID, locationID int64, qty string) {
	r.state.balances[balKey(variationID, locationID)] = decimal.RequireFromString(qty)
}

type memTx struct {
	state *memState
}

func (tx *memTx) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	t, ok := tx.state.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	copied := *t
	copied.Items = make([]Item, len(t.Items))
	copy(copied.Items, t.Items)
	return copied, nil
}

func (tx *memTx) InsertTransfer(ctx context.Context, t Transfer) (int64, error) {
	tx.state.nextTID++
	t.ID = tx.state.nextTID
	tx.state.transfers[t.ID] = &t
	return t.ID, nil
}

func (tx *memTx) InsertItems(ctx context.Context, transferID int64, items []Item) error {
	t := tx.state.transfers[transferID]
	for i := range items {
		tx.state.nextIID++
		items[i].ID = tx.state.nextIID
		t.Items = append(t.Items, items[i])
		for _, ref := range items[i].SerialRefs {
			tx.state.serials[ref] = "reserved"
		}
	}
	return nil
}

func (tx *memTx) UpdateTransition(ctx context.Context, up TransitionUpdate) (bool, error) {
	t, ok := tx.state.transfers[up.TransferID]
	if !ok || t.Status != up.From {
		return false, nil
	}
	t.Status = up.To
	at := up.At
	actor := up.ActorID
	switch up.To {
	case StatusChecking, StatusVerified:
		t.CheckedBy, t.CheckedAt = &actor, &at
	case StatusInTransit:
		t.SentBy, t.SentAt = &actor, &at
	case StatusVerifying:
		t.ReceivedBy, t.ReceivedAt = &actor, &at
	case StatusCompleted:
		t.CompletedBy, t.CompletedAt = &actor, &at
	case StatusCancelled:
		t.CancelledBy, t.CancelledAt = &actor, &at
	}
	return true, nil
}

func (tx *memTx) setItemQty(itemID int64, qty decimal.Decimal, received bool) error {
	for _, t := range tx.state.transfers {
		for i := range t.Items {
			if t.Items[i].ID == itemID {
				if received {
					t.Items[i].ReceivedQty = &qty
				} else {
					t.Items[i].VerifiedQty = &qty
				}
				return nil
			}
		}
	}
	return ErrItemNotFound
}

func (tx *memTx) SetItemVerifiedQty(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	return tx.setItemQty(itemID, qty, false)
}

func (tx *memTx) SetItemReceivedQty(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	return tx.setItemQty(itemID, qty, true)
}

func (tx *memTx) MarkSerialUnitsInTransit(ctx context.Context, transferID int64) error {
	t := tx.state.transfers[transferID]
	for _, item := range t.Items {
		for _, ref := range item.SerialRefs {
			if tx.state.serials[ref] == "reserved" {
				tx.state.serials[ref] = "in_transit"
			}
		}
	}
	return nil
}

func (tx *memTx) MoveSerialUnits(ctx context.Context, transferID, toLocationID int64) error {
	t := tx.state.transfers[transferID]
	for _, item := range t.Items {
		for _, ref := range item.SerialRefs {
			if tx.state.serials[ref] == "in_transit" {
				tx.state.serials[ref] = "in_stock"
				tx.state.serialLoc[ref] = toLocationID
			}
		}
	}
	return nil
}

func (tx *memTx) BalanceOf(ctx context.Context, variationID, locationID int64) (decimal.Decimal, error) {
	if qty, ok := tx.state.balances[balKey(variationID, locationID)]; ok {
		return qty, nil
	}
	return decimal.Zero, nil
}

func (tx *memTx) ApplyStockChange(ctx context.Context, input ledger.ChangeInput) (ledger.Entry, error) {
	entry, _, err := ledger.Apply(ctx, &memLedgerTx{state: tx.state}, input)
	return entry, err
}

// memLedgerTx adapts the shared balance map to the ledger's tx contract.
type memLedgerTx struct {
	state *memState
}

func (l *memLedgerTx) BalanceForUpdate(ctx context.Context, variationID, locationID int64) (ledger.Balance, error) {
	if qty, ok := l.state.balances[balKey(variationID, locationID)]; ok {
		return ledger.Balance{VariationID: variationID, LocationID: locationID, Qty: qty}, nil
	}
	return ledger.Balance{}, ledger.ErrBalanceNotFound
}

func (l *memLedgerTx) UpsertBalance(ctx context.Context, balance ledger.Balance) error {
	l.state.balances[balKey(balance.VariationID, balance.LocationID)] = balance.Qty
	return nil
}

func (l *memLedgerTx) InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
	l.state.nextEID++
	entry.ID = l.state.nextEID
	l.state.entries = append(l.state.entries, entry)
	return entry.ID, nil
}

type allowAllAuthz struct{}

func (allowAllAuthz) IsAuthorizedForLocation(ctx context.Context, actor shared.Actor, locationID int64) (bool, error) {
	return true, nil
}

func (allowAllAuthz) AccessibleLocationIDs(ctx context.Context, actor shared.Actor) ([]int64, error) {
	return nil, nil
}

type mapAuthz struct {
	allowed map[int64][]int64
}

func (a mapAuthz) IsAuthorizedForLocation(ctx context.Context, actor shared.Actor, locationID int64) (bool, error) {
	for _, id := range a.allowed[actor.ID] {
		if id == locationID {
			return true, nil
		}
	}
	return false, nil
}

func (a mapAuthz) AccessibleLocationIDs(ctx context.Context, actor shared.Actor) ([]int64, error) {
	return a.allowed[actor.ID], nil
}

type recordingNotifier struct {
	events []Event
}

func (n *recordingNotifier) NotifyTransfer(ctx context.Context, evt Event) error {
	n.events = append(n.events, evt)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(repo *memRepo, cfg ServiceConfig, policy TransitionPolicy, authz shared.Authorizer) (*Service, *recordingNotifier) {
	notifier := &recordingNotifier{}
	if authz == nil {
		authz = allowAllAuthz{}
	}
	svc := NewService(repo, authz, nil, nil, policy, notifier, nil, nil, cfg)
	return svc, notifier
}

var (
	creator   = shared.Actor{ID: 1, DisplayName: "Creator"}
	checker   = shared.Actor{ID: 2, DisplayName: "Checker"}
	sender    = shared.Actor{ID: 3, DisplayName: "Sender"}
	receiver  = shared.Actor{ID: 4, DisplayName: "Receiver"}
	completer = shared.Actor{ID: 5, DisplayName: "Completer"}
)

func createDraft(t *testing.T, svc *Service, workflow Workflow, qty string) Transfer {
	t.Helper()
	tr, err := svc.Create(context.Background(), creator, CreateInput{
		Workflow:       workflow,
		FromLocationID: 10,
		ToLocationID:   20,
		Items:          []CreateItemInput{{VariationID: 100, Qty: dec(qty)}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, tr.Status)
	return tr
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateMovesNoStock(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{}, nil, nil)

	createDraft(t, svc, WorkflowFull, "20")
	require.True(t, dec("50").Equal(repo.balance(100, 10)))
	require.Empty(t, repo.state.entries)
}

func TestFullWorkflowSendAndComplete(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, notifier := newTestService(repo, ServiceConfig{}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowFull, "20")

	checked, discrepancies, err := svc.Check(ctx, checker, tr.ID, CheckInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("20")}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusVerified, checked.Status)
	require.Empty(t, discrepancies)

	sent, err := svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, sent.Status)
	require.True(t, dec("30").Equal(repo.balance(100, 10)))
	require.True(t, repo.balance(100, 20).IsZero())

	outs := repo.entriesOf(ledger.TransactionTypeTransferOut)
	require.Len(t, outs, 1)
	require.True(t, dec("30").Equal(outs[0].BalanceQty))

	// Two units damaged in transit.
	_, err = svc.VerifyArrival(ctx, receiver, tr.ID, ArrivalInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("18")}},
	})
	require.NoError(t, err)

	completed, err := svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.True(t, dec("30").Equal(repo.balance(100, 10)))
	require.True(t, dec("18").Equal(repo.balance(100, 20)))

	ins := repo.entriesOf(ledger.TransactionTypeTransferIn)
	require.Len(t, ins, 1)
	require.True(t, dec("18").Equal(ins[0].BalanceQty))

	require.Len(t, notifier.events, 2)
	require.Equal(t, EventSent, notifier.events[0].Kind)
	require.Equal(t, EventCompleted, notifier.events[1].Kind)
}

func TestCompleteWithFullyDamagedReceipt(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowFull, "20")
	_, _, err := svc.Check(ctx, checker, tr.ID, CheckInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("20")}},
	})
	require.NoError(t, err)
	_, err = svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)

	// Whole shipment destroyed in transit.
	_, err = svc.VerifyArrival(ctx, receiver, tr.ID, ArrivalInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("0")}},
	})
	require.NoError(t, err)

	completed, err := svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.True(t, dec("30").Equal(repo.balance(100, 10)))
	require.True(t, repo.balance(100, 20).IsZero())
	require.Empty(t, repo.entriesOf(ledger.TransactionTypeTransferIn))
}

func TestCancelWithZeroVerifiedQty(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowFull, "20")
	_, _, err := svc.Check(ctx, checker, tr.ID, CheckInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("0")}},
	})
	require.NoError(t, err)

	// Nothing left the source, so sending moves no stock and cancelling
	// compensates nothing.
	_, err = svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	require.True(t, dec("50").Equal(repo.balance(100, 10)))

	cancelled, err := svc.Cancel(ctx, sender, tr.ID, "shipment scrapped")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.True(t, dec("50").Equal(repo.balance(100, 10)))
	require.Empty(t, repo.entriesOf(ledger.TransactionTypeTransferCancel))
}

func TestCompletedTransferIsImmutable(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")
	_, err := svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, completer, tr.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = svc.Send(ctx, sender, tr.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	// Exactly one credit, balances untouched by the failed calls.
	require.Len(t, repo.entriesOf(ledger.TransactionTypeTransferIn), 1)
	require.True(t, dec("30").Equal(repo.balance(100, 10)))
	require.True(t, dec("20").Equal(repo.balance(100, 20)))
}

func TestSimplifiedWorkflowFallsBackToRequestedQty(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")

	// The simplified path skips checking entirely.
	_, _, err := svc.Check(ctx, checker, tr.ID, CheckInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("20")}},
	})
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	completed, err := svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.True(t, dec("20").Equal(repo.balance(100, 20)))
}

func TestFullWorkflowRequiresArrivalVerification(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowFull, "20")
	_, _, err := svc.Check(ctx, checker, tr.ID, CheckInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("20")}},
	})
	require.NoError(t, err)
	_, err = svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, completer, tr.ID)
	require.ErrorIs(t, err, ErrVerificationIncomplete)
	require.True(t, repo.balance(100, 20).IsZero())
}

func TestCheckFlagsDiscrepancies(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "5")
	svc, _ := newTestService(repo, ServiceConfig{}, nil, nil)

	tr := createDraft(t, svc, WorkflowFull, "20")
	_, discrepancies, err := svc.Check(context.Background(), checker, tr.ID, CheckInput{
		Items: []ItemQtyInput{{ItemID: tr.Items[0].ID, Qty: dec("20")}},
	})
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	require.True(t, dec("5").Equal(discrepancies[0].OnHand))
	require.True(t, dec("20").Equal(discrepancies[0].Requested))
}

func TestSendInsufficientStockRollsBack(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "10")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, nil)

	tr := createDraft(t, svc, WorkflowSimplified, "20")
	_, err := svc.Send(context.Background(), sender, tr.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	// Nothing committed: status and balance untouched, no log entries.
	got, err := svc.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	require.True(t, dec("10").Equal(repo.balance(100, 10)))
	require.Empty(t, repo.state.entries)
}

func TestSeparationOfDuties(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, SODPolicy{Enforce: true}, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")
	sent, err := svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, sent.Status)

	// Sender cannot also complete.
	_, err = svc.Complete(ctx, sender, tr.ID)
	require.ErrorIs(t, err, ErrSeparationOfDuties)
	var violation *PolicyViolationError
	require.ErrorAs(t, err, &violation)
	require.Equal(t, CodeSODSenderCompleter, violation.Code)

	// Creator cannot complete either.
	_, err = svc.Complete(ctx, creator, tr.ID)
	require.ErrorIs(t, err, ErrSeparationOfDuties)

	// A distinct actor can.
	_, err = svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)
}

func TestSODDisabledAllowsSameActor(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, SODPolicy{Enforce: false}, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")
	_, err := svc.Send(ctx, creator, tr.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, creator, tr.ID)
	require.NoError(t, err)
}

func TestLocationScopedAuthorization(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	authz := mapAuthz{allowed: map[int64][]int64{
		sender.ID:    {10},
		completer.ID: {20},
	}}
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, authz)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")

	// Completer has no source access, cannot send.
	_, err := svc.Send(ctx, completer, tr.ID)
	require.ErrorIs(t, err, shared.ErrUnauthorizedLocation)

	_, err = svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)

	// Sender has no destination access, cannot complete.
	_, err = svc.Complete(ctx, sender, tr.ID)
	require.ErrorIs(t, err, shared.ErrUnauthorizedLocation)

	_, err = svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)
}

func TestListScopedToAccessibleLocations(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	repo.seed(100, 30, "50")
	authz := mapAuthz{allowed: map[int64][]int64{
		creator.ID: {10, 20, 30, 40},
		checker.ID: {30},
	}}
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, authz)

	createDraft(t, svc, WorkflowSimplified, "20")
	other, err := svc.Create(context.Background(), creator, CreateInput{
		Workflow:       WorkflowSimplified,
		FromLocationID: 30,
		ToLocationID:   40,
		Items:          []CreateItemInput{{VariationID: 100, Qty: dec("5")}},
	})
	require.NoError(t, err)

	// Unrestricted actor sees both transfers.
	all, err := svc.List(shared.ContextWithActor(context.Background(), creator), ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Checker only sees the transfer touching location 30.
	scoped, err := svc.List(shared.ContextWithActor(context.Background(), checker), ListFilter{})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, other.ID, scoped[0].ID)
}

func TestCancelAfterSendCompensatesSource(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, notifier := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")
	_, err := svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	require.True(t, dec("30").Equal(repo.balance(100, 10)))

	cancelled, err := svc.Cancel(ctx, sender, tr.ID, "truck broke down")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.True(t, dec("50").Equal(repo.balance(100, 10)))

	// Compensation appends, the original transfer-out entry stays.
	require.Len(t, repo.entriesOf(ledger.TransactionTypeTransferOut), 1)
	require.Len(t, repo.entriesOf(ledger.TransactionTypeTransferCancel), 1)

	_, err = svc.Send(ctx, sender, tr.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Equal(t, EventCancelled, notifier.events[len(notifier.events)-1].Kind)
}

func TestCancelCompletedTransferFails(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, nil)
	ctx := context.Background()

	tr := createDraft(t, svc, WorkflowSimplified, "20")
	_, err := svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, sender, tr.ID, "too late to cancel")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSerialUnitsMoveOnComplete(t *testing.T) {
	repo := newMemRepo()
	repo.seed(100, 10, "50")
	svc, _ := newTestService(repo, ServiceConfig{DefaultWorkflow: WorkflowSimplified}, nil, nil)
	ctx := context.Background()

	tr, err := svc.Create(ctx, creator, CreateInput{
		Workflow:       WorkflowSimplified,
		FromLocationID: 10,
		ToLocationID:   20,
		Items: []CreateItemInput{
			{VariationID: 100, Qty: dec("2"), SerialRefs: []string{"SN-001", "SN-002"}},
		},
	})
	require.NoError(t, err)

	_, err = svc.Send(ctx, sender, tr.ID)
	require.NoError(t, err)
	require.Equal(t, "in_transit", repo.state.serials["SN-001"])

	_, err = svc.Complete(ctx, completer, tr.ID)
	require.NoError(t, err)
	require.Equal(t, "in_stock", repo.state.serials["SN-001"])
	require.Equal(t, "in_stock", repo.state.serials["SN-002"])
	require.Equal(t, int64(20), repo.state.serialLoc["SN-001"])
}

func TestCreateValidation(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo, ServiceConfig{}, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, creator, CreateInput{FromLocationID: 10, ToLocationID: 10,
		Items: []CreateItemInput{{VariationID: 1, Qty: dec("1")}}})
	require.ErrorIs(t, err, ErrSameLocation)

	_, err = svc.Create(ctx, creator, CreateInput{FromLocationID: 10, ToLocationID: 20})
	require.ErrorIs(t, err, ErrNoItems)

	_, err = svc.Create(ctx, creator, CreateInput{FromLocationID: 10, ToLocationID: 20,
		Items: []CreateItemInput{{VariationID: 1, Qty: dec("-1")}}})
	require.Error(t, err)
}

var (
	errUnknownLocation  = errors.New("location not found")
	errUnknownVariation = errors.New("variation not found")
)

type setCatalog struct {
	locations  map[int64]bool
	variations map[int64]bool
}

func (c setCatalog) RequireLocation(ctx context.Context, id int64) error {
	if !c.locations[id] {
		return errUnknownLocation
	}
	return nil
}

func (c setCatalog) RequireVariation(ctx context.Context, id int64) error {
	if !c.variations[id] {
		return errUnknownVariation
	}
	return nil
}

func TestCreateChecksMasterData(t *testing.T) {
	repo := newMemRepo()
	catalog := setCatalog{
		locations:  map[int64]bool{10: true, 20: true},
		variations: map[int64]bool{100: true},
	}
	svc := NewService(repo, allowAllAuthz{}, catalog, nil, nil, nil, nil, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Create(ctx, creator, CreateInput{FromLocationID: 10, ToLocationID: 99,
		Items: []CreateItemInput{{VariationID: 100, Qty: dec("1")}}})
	require.ErrorIs(t, err, errUnknownLocation)

	_, err = svc.Create(ctx, creator, CreateInput{FromLocationID: 10, ToLocationID: 20,
		Items: []CreateItemInput{{VariationID: 999, Qty: dec("1")}}})
	require.ErrorIs(t, err, errUnknownVariation)

	tr, err := svc.Create(ctx, creator, CreateInput{FromLocationID: 10, ToLocationID: 20,
		Items: []CreateItemInput{{VariationID: 100, Qty: dec("1")}}})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, tr.Status)
}

type dupIdem struct {
	seen map[string]string
}

func (d *dupIdem) Reserve(ctx context.Context, fingerprint, module, ref string) error {
	if d.seen == nil {
		d.seen = make(map[string]string)
	}
	if original, ok := d.seen[fingerprint]; ok {
		return &shared.DuplicateTransactionError{Fingerprint: fingerprint, Module: module, Ref: original, FirstSeen: time.Now()}
	}
	d.seen[fingerprint] = ref
	return nil
}

func (d *dupIdem) Release(ctx context.Context, fingerprint string) error {
	delete(d.seen, fingerprint)
	return nil
}

func (d *dupIdem) Window() time.Duration { return shared.DefaultIdempotencyWindow }

func TestCreateIsIdempotencyGuarded(t *testing.T) {
	repo := newMemRepo()
	notifier := &recordingNotifier{}
	svc := NewService(repo, allowAllAuthz{}, nil, nil, nil, notifier, &dupIdem{}, nil, ServiceConfig{})
	ctx := context.Background()

	input := CreateInput{
		FromLocationID: 10,
		ToLocationID:   20,
		Items:          []CreateItemInput{{VariationID: 100, Qty: dec("5")}},
		IdempotencyKey: "client-key-1",
	}
	first, err := svc.Create(ctx, creator, input)
	require.NoError(t, err)

	_, err = svc.Create(ctx, creator, input)
	require.ErrorIs(t, err, shared.ErrDuplicateTransaction)
	var dup *shared.DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.Code, dup.Ref)

	// Exactly one transfer persisted.
	transfers, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, transfers, 1)
}
