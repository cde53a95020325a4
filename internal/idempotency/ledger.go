// Package idempotency implements the reservation ledger that gives every
// command an exactly-once visible effect. The ledger itself is a single
// table; storage serializes concurrent reservations on the key row.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wvsnp/backend/internal/domain"
)

// Ledger row statuses.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// MinKeyLength is the shortest accepted idempotency key.
const MinKeyLength = 8

// Record is one ledger row. A key is scoped to one operation kind and one
// input hash for its whole life.
type Record struct {
	Key          string    `json:"key"`
	OpKind       string    `json:"op_kind"`
	InputHash    string    `json:"input_hash"`
	Status       string    `json:"status"`
	ResponseJSON []byte    `json:"response_json,omitempty"`
	ReservedAt   time.Time `json:"reserved_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Outcome of a reservation attempt.
type Outcome string

const (
	OutcomeNew        Outcome = "NEW"
	OutcomeCompleted  Outcome = "COMPLETED"
	OutcomeInProgress Outcome = "IN_PROGRESS"
)

// Reservation is what CheckAndReserve hands back to the command handler.
// Response is only set for OutcomeCompleted.
type Reservation struct {
	Outcome  Outcome
	Response []byte
}

// Rows is the row-level contract the storage transaction provides. Get
// must lock the row for the rest of the transaction (SELECT ... FOR UPDATE
// in Postgres, the store mutex in memory) and return nil when no row
// exists.
type Rows interface {
	Get(ctx context.Context, key string) (*Record, error)
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
}

// ValidateKey rejects missing or too-short idempotency keys.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength {
		return domain.Errf(domain.ErrMissingIdempotencyKey, "idempotency key must be at least %d characters", MinKeyLength)
	}
	return nil
}

// HashInput hashes the command input for key scoping. json.Marshal sorts
// map keys, so equal inputs always hash equal.
func HashInput(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%+v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CheckAndReserve runs the ledger state machine for one key inside an open
// transaction:
//
//   - no row: insert PROCESSING and report NEW
//   - COMPLETED: report COMPLETED with the cached response
//   - PROCESSING, unexpired: report IN_PROGRESS
//   - FAILED or expired: reset to PROCESSING and report NEW
//   - different op kind or input hash: IDEMPOTENCY_KEY_REUSED
func CheckAndReserve(ctx context.Context, rows Rows, key, opKind, inputHash string, ttl time.Duration, now time.Time) (*Reservation, error) {
	rec, err := rows.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	if rec == nil {
		rec = &Record{
			Key:        key,
			OpKind:     opKind,
			InputHash:  inputHash,
			Status:     StatusProcessing,
			ReservedAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		if err := rows.Insert(ctx, rec); err != nil {
			return nil, fmt.Errorf("idempotency insert %s: %w", key, err)
		}
		return &Reservation{Outcome: OutcomeNew}, nil
	}

	if rec.OpKind != opKind || rec.InputHash != inputHash {
		return nil, domain.Errf(domain.ErrIdempotencyKeyReused,
			"key %s was used for %s with different inputs", key, rec.OpKind)
	}

	switch {
	case rec.Status == StatusCompleted:
		return &Reservation{Outcome: OutcomeCompleted, Response: rec.ResponseJSON}, nil
	case rec.Status == StatusProcessing && now.Before(rec.ExpiresAt):
		return &Reservation{Outcome: OutcomeInProgress}, nil
	}

	// FAILED, or a PROCESSING reservation whose holder died past the TTL.
	rec.Status = StatusProcessing
	rec.ReservedAt = now
	rec.ExpiresAt = now.Add(ttl)
	rec.ResponseJSON = nil
	if err := rows.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("idempotency reset %s: %w", key, err)
	}
	return &Reservation{Outcome: OutcomeNew}, nil
}

// RecordResult marks the key COMPLETED with the response to replay on
// retries. Part of the command transaction.
func RecordResult(ctx context.Context, rows Rows, key string, response []byte) error {
	rec, err := rows.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency get %s: %w", key, err)
	}
	if rec == nil {
		return fmt.Errorf("idempotency record result: key %s has no reservation", key)
	}
	rec.Status = StatusCompleted
	rec.ResponseJSON = response
	if err := rows.Update(ctx, rec); err != nil {
		return fmt.Errorf("idempotency complete %s: %w", key, err)
	}
	return nil
}

// RecordFailure marks the key FAILED so the caller may retry with the same
// key. Runs in its own transaction after the command rolled back.
func RecordFailure(ctx context.Context, rows Rows, key string) error {
	rec, err := rows.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency get %s: %w", key, err)
	}
	if rec == nil {
		return nil
	}
	if rec.Status == StatusCompleted {
		return nil
	}
	rec.Status = StatusFailed
	if err := rows.Update(ctx, rec); err != nil {
		return fmt.Errorf("idempotency fail %s: %w", key, err)
	}
	return nil
}
