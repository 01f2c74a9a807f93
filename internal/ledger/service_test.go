package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-retail/meridian-retail/internal/shared"
)

type memoryRepo struct {
	balances map[string]Balance
	entries  []Entry
	nextID   int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[string]Balance)}
}

func balanceKeyFor(variationID, locationID int64) string {
	return fmt.Sprintf("%d:%d", variationID, locationID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[string]Balance, len(r.balances))
	for k, v := range r.balances {
		snapshot[k] = v
	}
	entriesLen := len(r.entries)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.balances = snapshot
		r.entries = r.entries[:entriesLen]
		return err
	}
	return nil
}

func (r *memoryRepo) StockCard(ctx context.Context, filter StockCardFilter) ([]Entry, error) {
	var entries []Entry
	for _, entry := range r.entries {
		if entry.VariationID == filter.VariationID && entry.LocationID == filter.LocationID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (r *memoryRepo) BalanceOf(ctx context.Context, variationID, locationID int64) (Balance, error) {
	if bal, ok := r.balances[balanceKeyFor(variationID, locationID)]; ok {
		return bal, nil
	}
	return Balance{VariationID: variationID, LocationID: locationID, Qty: decimal.Zero}, nil
}

func (tx *memoryTx) BalanceForUpdate(ctx context.Context, variationID, locationID int64) (Balance, error) {
	if bal, ok := tx.repo.balances[balanceKeyFor(variationID, locationID)]; ok {
		return bal, nil
	}
	return Balance{VariationID: variationID, LocationID: locationID, Qty: decimal.Zero}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.repo.balances[balanceKeyFor(balance.VariationID, balance.LocationID)] = balance
	return nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.entries = append(tx.repo.entries, entry)
	return tx.repo.nextID, nil
}

func testActor() shared.Actor {
	return shared.Actor{ID: 7, DisplayName: "Cashier One"}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApplyCreatesBalanceLazily(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{})
	ctx := context.Background()

	entry, balance, err := svc.ApplyChange(ctx, ChangeInput{
		VariationID: 1, LocationID: 2, Delta: dec("12.5"),
		Type: TransactionTypePurchase, RefType: "grn", RefID: "GRN-1", Actor: testActor(),
	})
	require.NoError(t, err)
	require.True(t, dec("12.5").Equal(balance.Qty))
	require.True(t, dec("12.5").Equal(entry.BalanceQty))
	require.Equal(t, TransactionTypePurchase, entry.Type)
	require.Equal(t, int64(7), entry.ActorID)
}

func TestApplyRejectsNegativeBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{})
	ctx := context.Background()

	_, _, err := svc.ApplyChange(ctx, ChangeInput{
		VariationID: 1, LocationID: 1, Delta: dec("10"),
		Type: TransactionTypePurchase, Actor: testActor(),
	})
	require.NoError(t, err)

	_, _, err = svc.ApplyChange(ctx, ChangeInput{
		VariationID: 1, LocationID: 1, Delta: dec("-10.01"),
		Type: TransactionTypeSale, Actor: testActor(),
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Failed mutation leaves balance and log untouched.
	balance, err := svc.BalanceOf(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, dec("10").Equal(balance.Qty))
	entries, err := svc.StockCard(ctx, StockCardFilter{VariationID: 1, LocationID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestApplyAllowNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{})
	ctx := context.Background()

	entry, balance, err := svc.ApplyChange(ctx, ChangeInput{
		VariationID: 3, LocationID: 1, Delta: dec("-4"),
		Type: TransactionTypeAdjustment, Actor: testActor(), AllowNegative: true,
	})
	require.NoError(t, err)
	require.True(t, dec("-4").Equal(balance.Qty))
	require.True(t, dec("-4").Equal(entry.BalanceQty))
}

func TestApplyRejectsZeroDelta(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{})

	_, _, err := svc.ApplyChange(context.Background(), ChangeInput{
		VariationID: 1, LocationID: 1, Delta: decimal.Zero,
		Type: TransactionTypeSale, Actor: testActor(),
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestBalanceReconstruction(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{})
	ctx := context.Background()

	deltas := []string{"50", "-12.25", "3.75", "-20", "0.5"}
	for i, d := range deltas {
		txType := TransactionTypePurchase
		if dec(d).IsNegative() {
			txType = TransactionTypeSale
		}
		_, _, err := svc.ApplyChange(ctx, ChangeInput{
			VariationID: 9, LocationID: 4, Delta: dec(d),
			Type: txType, RefID: fmt.Sprintf("DOC-%d", i), Actor: testActor(),
		})
		require.NoError(t, err)
	}

	entries, err := svc.StockCard(ctx, StockCardFilter{VariationID: 9, LocationID: 4})
	require.NoError(t, err)
	require.Len(t, entries, len(deltas))

	sum := decimal.Zero
	for _, entry := range entries {
		sum = sum.Add(entry.Qty)
	}
	balance, err := svc.BalanceOf(ctx, 9, 4)
	require.NoError(t, err)
	require.True(t, sum.Equal(balance.Qty), "balance %s must equal log sum %s", balance.Qty, sum)
	require.True(t, entries[len(entries)-1].BalanceQty.Equal(balance.Qty))
}

func TestServiceDefaultAllowNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, ServiceConfig{AllowNegativeStock: true})

	_, balance, err := svc.ApplyChange(context.Background(), ChangeInput{
		VariationID: 2, LocationID: 2, Delta: dec("-1"),
		Type: TransactionTypeSale, Actor: testActor(),
	})
	require.NoError(t, err)
	require.True(t, dec("-1").Equal(balance.Qty))
}
