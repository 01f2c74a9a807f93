package shared

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultIdempotencyWindow is how long a fingerprint blocks resubmission.
const DefaultIdempotencyWindow = 300 * time.Second

// ErrDuplicateTransaction indicates the guard matched a recent identical
// event. Callers treat it as a conflict, not a system failure.
var ErrDuplicateTransaction = errors.New("duplicate transaction")

// DuplicateTransactionError carries a reference to the record produced by
// the first submission.
type DuplicateTransactionError struct {
	Fingerprint string
	Module      string
	Ref         string
	FirstSeen   time.Time
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate %s event, original ref %s submitted at %s", e.Module, e.Ref, e.FirstSeen.Format(time.RFC3339))
}

// Unwrap allows errors.Is(err, ErrDuplicateTransaction).
func (e *DuplicateTransactionError) Unwrap() error {
	return ErrDuplicateTransaction
}

// Fingerprint hashes an explicit idempotency key supplied by the caller.
func Fingerprint(module, key string) string {
	sum := sha256.Sum256([]byte(module + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// BusinessFingerprint derives a fallback fingerprint from a business-key
// tuple when the caller supplies no explicit key. The timestamp is rounded
// into buckets so retries of the same real-world event land on the same
// fingerprint.
func BusinessFingerprint(module string, actorID, counterpartyID int64, amount string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultIdempotencyWindow
	}
	slot := at.UTC().Truncate(bucket).Unix()
	key := fmt.Sprintf("%d|%d|%s|%d", actorID, counterpartyID, amount, slot)
	return Fingerprint(module, key)
}

// IdempotencyStore persists reserved fingerprints.
type IdempotencyStore struct {
	pool   *pgxpool.Pool
	window time.Duration
}

// NewIdempotencyStore constructs the store. A non-positive window falls back
// to DefaultIdempotencyWindow.
func NewIdempotencyStore(pool *pgxpool.Pool, window time.Duration) *IdempotencyStore {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	return &IdempotencyStore{pool: pool, window: window}
}

// Window exposes the configured dedup window.
func (s *IdempotencyStore) Window() time.Duration {
	if s == nil {
		return DefaultIdempotencyWindow
	}
	return s.window
}

// Reserve claims the fingerprint before any stock is mutated. A fingerprint
// already claimed inside the window yields a DuplicateTransactionError with
// the original reference; a stale claim outside the window is taken over.
func (s *IdempotencyStore) Reserve(ctx context.Context, fingerprint, module, ref string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if fingerprint == "" {
		return errors.New("idempotency fingerprint required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	cutoff := time.Now().Add(-s.window)
	var claimed string
	err := s.pool.QueryRow(ctx, `INSERT INTO idempotency_keys (fingerprint, module, ref, created_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (fingerprint) DO UPDATE SET module=EXCLUDED.module, ref=EXCLUDED.ref, created_at=NOW()
WHERE idempotency_keys.created_at < $4
RETURNING fingerprint`, fingerprint, module, ref, cutoff).Scan(&claimed)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	// Conflict inside the window: surface the original submission.
	dup := &DuplicateTransactionError{Fingerprint: fingerprint}
	lookupErr := s.pool.QueryRow(ctx, `SELECT module, ref, created_at FROM idempotency_keys WHERE fingerprint=$1`, fingerprint).
		Scan(&dup.Module, &dup.Ref, &dup.FirstSeen)
	if lookupErr != nil && !errors.Is(lookupErr, pgx.ErrNoRows) {
		return lookupErr
	}
	return dup
}

// Release removes a reservation, typically after the guarded write failed.
func (s *IdempotencyStore) Release(ctx context.Context, fingerprint string) error {
	if s == nil {
		return nil
	}
	if fingerprint == "" {
		return errors.New("idempotency fingerprint required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE fingerprint=$1`, fingerprint)
	return err
}

// Cleanup removes reservations older than the window. Run from the worker
// cron; returns the number of purged rows.
func (s *IdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.window)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
