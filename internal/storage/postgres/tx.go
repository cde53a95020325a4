package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/eventlog"
	"github.com/wvsnp/backend/internal/idempotency"
	"github.com/wvsnp/backend/internal/storage"
)

// tx implements both storage.Tx and storage.ReadTx over one *sql.Tx.
// Read-only transactions are enforced by BeginTx, not by this type.
type tx struct {
	db *sql.Tx
}

func (t *tx) Commit() error {
	if t.db == nil {
		return fmt.Errorf("transaction already finished")
	}
	err := t.db.Commit()
	t.db = nil
	if err != nil {
		return translate(err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.db == nil {
		return nil
	}
	err := t.db.Rollback()
	t.db = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return translate(err)
	}
	return nil
}

// --- event log ---

const eventColumns = `event_id, aggregate_kind, aggregate_id, event_type, event_data,
       occurred_at, ingested_at, cycle_id, correlation_id, causation_id, actor_id, actor_kind`

const appendEventSQL = `
INSERT INTO events (event_id, aggregate_kind, aggregate_id, event_type, event_data,
                    occurred_at, cycle_id, correlation_id, causation_id, actor_id, actor_kind)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ingested_at`

// AppendEvent validates the envelope, inserts the row, and returns a copy
// stamped with the trigger-assigned ingested_at. Duplicate event ids hit the
// primary key and translate to IMMUTABILITY_VIOLATION.
func (t *tx) AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	if err := eventlog.ValidateForAppend(ev); err != nil {
		return nil, err
	}
	stamped := *ev
	err := t.db.QueryRowContext(ctx, appendEventSQL,
		ev.EventID, ev.AggregateKind, ev.AggregateID, ev.EventType, ev.DataJSON(),
		ev.OccurredAt.UTC(), ev.CycleID, ev.CorrelationID, nullString(ev.CausationID),
		ev.ActorID, ev.ActorKind,
	).Scan(&stamped.IngestedAt)
	if err != nil {
		return nil, translate(err)
	}
	stamped.IngestedAt = stamped.IngestedAt.UTC()
	return &stamped, nil
}

// DeleteEvent always fails: when the row exists the immutability trigger
// raises, and when it does not there is still nothing a caller may delete.
func (t *tx) DeleteEvent(ctx context.Context, eventID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM events WHERE event_id = $1`, eventID); err != nil {
		return translate(err)
	}
	return domain.Errf(domain.ErrImmutabilityViolation, "events are append-only")
}

func (t *tx) FetchSince(ctx context.Context, since domain.Watermark, limit int) ([]domain.Event, error) {
	var (
		query strings.Builder
		args  []interface{}
	)
	query.WriteString(`SELECT ` + eventColumns + ` FROM events`)
	if !since.IsZero() {
		query.WriteString(` WHERE (ingested_at, event_id) > ($1, $2)`)
		args = append(args, since.IngestedAt, since.EventID)
	}
	query.WriteString(` ORDER BY ingested_at, event_id`)
	if limit > 0 {
		fmt.Fprintf(&query, ` LIMIT %d`, limit)
	}
	rows, err := t.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, translate(err)
	}
	return scanEvents(rows)
}

func (t *tx) EventsForAggregate(ctx context.Context, kind, id string) ([]domain.Event, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_kind = $1 AND aggregate_id = $2
		 ORDER BY ingested_at, event_id`, kind, id)
	if err != nil {
		return nil, translate(err)
	}
	return scanEvents(rows)
}

func (t *tx) EventsForCycle(ctx context.Context, cycleID string) ([]domain.Event, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE cycle_id = $1
		 ORDER BY ingested_at, event_id`, cycleID)
	if err != nil {
		return nil, translate(err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			data      []byte
			causation sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.AggregateKind, &ev.AggregateID, &ev.EventType,
			&data, &ev.OccurredAt, &ev.IngestedAt, &ev.CycleID, &ev.CorrelationID,
			&causation, &ev.ActorID, &ev.ActorKind); err != nil {
			return nil, translate(err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.EventData); err != nil {
				return nil, fmt.Errorf("failed to decode payload of event %s: %w", ev.EventID, err)
			}
		}
		ev.CausationID = causation.String
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.IngestedAt = ev.IngestedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// --- aggregate locks ---

// LockAggregates takes FOR UPDATE row locks in the fixed lock order and
// seeds missing allocator rows so the first voucher of a county has a row
// to lock.
func (t *tx) LockAggregates(ctx context.Context, refs []storage.AggregateRef) error {
	for _, ref := range storage.SortRefs(refs) {
		var err error
		switch ref.Kind {
		case storage.LockGrantBucketGeneral:
			err = t.lockBucket(ctx, ref.ID, domain.BucketGeneral)
		case storage.LockGrantBucketLIRP:
			err = t.lockBucket(ctx, ref.ID, domain.BucketLIRP)
		case storage.LockAllocator:
			err = t.lockAllocator(ctx, ref.ID)
		default:
			err = t.lockProjection(ctx, ref.Kind.String(), ref.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) lockBucket(ctx context.Context, cycleID, bucket string) error {
	rows, err := t.db.QueryContext(ctx,
		`SELECT 1 FROM grant_buckets WHERE cycle_id = $1 AND bucket = $2 FOR UPDATE`,
		cycleID, bucket)
	if err != nil {
		return translate(err)
	}
	return drain(rows)
}

func (t *tx) lockProjection(ctx context.Context, kind, id string) error {
	rows, err := t.db.QueryContext(ctx,
		`SELECT 1 FROM projections WHERE aggregate_kind = $1 AND aggregate_id = $2 FOR UPDATE`,
		kind, id)
	if err != nil {
		return translate(err)
	}
	return drain(rows)
}

func (t *tx) lockAllocator(ctx context.Context, id string) error {
	state, cycleID := allocatorSeed(id)
	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO projections (aggregate_kind, aggregate_id, cycle_id, state)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_kind, aggregate_id) DO NOTHING`,
		domain.KindAllocator, id, cycleID, state); err != nil {
		return translate(err)
	}
	return t.lockProjection(ctx, domain.KindAllocator, id)
}

func allocatorSeed(id string) ([]byte, string) {
	cycleID, county := domain.SplitAllocatorID(id)
	state, _ := json.Marshal(domain.NewAllocatorState(cycleID, county))
	return state, cycleID
}

func drain(rows *sql.Rows) error {
	defer rows.Close()
	for rows.Next() {
	}
	return translate(rows.Err())
}

// --- projections ---

const projectionColumns = `aggregate_kind, aggregate_id, cycle_id, state,
       watermark_ingested_at, watermark_event_id, rebuilt_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProjection(sc rowScanner) (*storage.ProjectionRow, error) {
	var (
		p  storage.ProjectionRow
		wm sql.NullTime
	)
	if err := sc.Scan(&p.AggregateKind, &p.AggregateID, &p.CycleID, &p.State,
		&wm, &p.WatermarkEventID, &p.RebuiltAt); err != nil {
		return nil, err
	}
	if wm.Valid {
		p.WatermarkIngestedAt = wm.Time.UTC()
	}
	p.RebuiltAt = p.RebuiltAt.UTC()
	return &p, nil
}

func (t *tx) GetProjection(ctx context.Context, kind, id string) (*storage.ProjectionRow, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+projectionColumns+` FROM projections
		 WHERE aggregate_kind = $1 AND aggregate_id = $2`, kind, id)
	p, err := scanProjection(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func (t *tx) ListProjections(ctx context.Context, f storage.ProjectionFilter) ([]storage.ProjectionRow, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("aggregate_kind = $%d", len(args)))
	}
	if f.CycleID != "" {
		args = append(args, f.CycleID)
		conds = append(conds, fmt.Sprintf("cycle_id = $%d", len(args)))
	}
	query := `SELECT ` + projectionColumns + ` FROM projections`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY aggregate_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []storage.ProjectionRow
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *tx) FindClaimByFingerprint(ctx context.Context, cycleID, fingerprint string) (*storage.ProjectionRow, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+projectionColumns+` FROM projections
		 WHERE aggregate_kind = $1 AND cycle_id = $2 AND state->>'fingerprint' = $3`,
		domain.KindClaim, cycleID, fingerprint)
	p, err := scanProjection(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func (t *tx) FindBatchByFingerprint(ctx context.Context, fingerprint string) (*storage.ProjectionRow, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+projectionColumns+` FROM projections
		 WHERE aggregate_kind = $1 AND state->>'fingerprint' = $2`,
		domain.KindOasisBatch, fingerprint)
	p, err := scanProjection(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func (t *tx) UpsertProjection(ctx context.Context, row storage.ProjectionRow) error {
	wm := sql.NullTime{Time: row.WatermarkIngestedAt, Valid: !row.WatermarkIngestedAt.IsZero()}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO projections (aggregate_kind, aggregate_id, cycle_id, state,
		                          watermark_ingested_at, watermark_event_id, rebuilt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (aggregate_kind, aggregate_id) DO UPDATE SET
		     cycle_id              = EXCLUDED.cycle_id,
		     state                 = EXCLUDED.state,
		     watermark_ingested_at = EXCLUDED.watermark_ingested_at,
		     watermark_event_id    = EXCLUDED.watermark_event_id,
		     rebuilt_at            = now()`,
		row.AggregateKind, row.AggregateID, row.CycleID, row.State,
		wm, row.WatermarkEventID)
	return translate(err)
}

// TruncateProjections clears every derived table. The event log, artifact
// store, and idempotency ledger survive a rebuild.
func (t *tx) TruncateProjections(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx,
		`TRUNCATE projections, grant_buckets, oasis_batch_items, payments, adjustments`)
	return translate(err)
}

// --- grant buckets ---

func (t *tx) GetGrantBucket(ctx context.Context, cycleID, bucket string) (*storage.GrantBucketRow, error) {
	var g storage.GrantBucketRow
	err := t.db.QueryRowContext(ctx,
		`SELECT cycle_id, bucket, awarded, available, encumbered, liquidated, released
		 FROM grant_buckets WHERE cycle_id = $1 AND bucket = $2`, cycleID, bucket).
		Scan(&g.CycleID, &g.Bucket, &g.Awarded, &g.Available, &g.Encumbered, &g.Liquidated, &g.Released)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

func (t *tx) UpsertGrantBucket(ctx context.Context, row storage.GrantBucketRow) error {
	if err := row.CheckArithmetic(); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO grant_buckets (cycle_id, bucket, awarded, available, encumbered, liquidated, released)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (cycle_id, bucket) DO UPDATE SET
		     awarded    = EXCLUDED.awarded,
		     available  = EXCLUDED.available,
		     encumbered = EXCLUDED.encumbered,
		     liquidated = EXCLUDED.liquidated,
		     released   = EXCLUDED.released`,
		row.CycleID, row.Bucket, row.Awarded, row.Available, row.Encumbered, row.Liquidated, row.Released)
	return translate(err)
}

// --- batch items, payments, adjustments ---

func (t *tx) ListBatchItems(ctx context.Context, batchID string) ([]storage.BatchItemRow, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT batch_id, seq, invoice_id, vendor_code, amount_cents
		 FROM oasis_batch_items WHERE batch_id = $1 ORDER BY seq`, batchID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []storage.BatchItemRow
	for rows.Next() {
		var it storage.BatchItemRow
		if err := rows.Scan(&it.BatchID, &it.Seq, &it.InvoiceID, &it.VendorCode, &it.Amount); err != nil {
			return nil, translate(err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *tx) ReplaceBatchItems(ctx context.Context, batchID string, items []storage.BatchItemRow) error {
	if _, err := t.db.ExecContext(ctx,
		`DELETE FROM oasis_batch_items WHERE batch_id = $1`, batchID); err != nil {
		return translate(err)
	}
	for _, it := range items {
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO oasis_batch_items (batch_id, seq, invoice_id, vendor_code, amount_cents)
			 VALUES ($1, $2, $3, $4, $5)`,
			batchID, it.Seq, it.InvoiceID, it.VendorCode, it.Amount); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (t *tx) ListPayments(ctx context.Context, cycleID string) ([]storage.PaymentRow, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT payment_id, cycle_id, invoice_id, amount_cents, method, reference, recorded_at
		 FROM payments WHERE cycle_id = $1 ORDER BY recorded_at, payment_id`, cycleID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []storage.PaymentRow
	for rows.Next() {
		var p storage.PaymentRow
		if err := rows.Scan(&p.PaymentID, &p.CycleID, &p.InvoiceID, &p.Amount,
			&p.Method, &p.Reference, &p.RecordedAt); err != nil {
			return nil, translate(err)
		}
		p.RecordedAt = p.RecordedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *tx) InsertPayment(ctx context.Context, p storage.PaymentRow) error {
	recorded := sql.NullTime{Time: p.RecordedAt, Valid: !p.RecordedAt.IsZero()}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO payments (payment_id, cycle_id, invoice_id, amount_cents, method, reference, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))`,
		p.PaymentID, p.CycleID, p.InvoiceID, p.Amount, p.Method, p.Reference, recorded)
	return translate(err)
}

func (t *tx) ListAdjustments(ctx context.Context, cycleID string) ([]storage.AdjustmentRow, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT adjustment_id, cycle_id, claim_id, target_invoice_id, delta_cents, reason, created_at
		 FROM adjustments WHERE cycle_id = $1 ORDER BY created_at, adjustment_id`, cycleID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []storage.AdjustmentRow
	for rows.Next() {
		var (
			a      storage.AdjustmentRow
			target sql.NullString
		)
		if err := rows.Scan(&a.AdjustmentID, &a.CycleID, &a.ClaimID, &target,
			&a.Delta, &a.Reason, &a.CreatedAt); err != nil {
			return nil, translate(err)
		}
		a.TargetInvoiceID = target.String
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *tx) InsertAdjustment(ctx context.Context, a storage.AdjustmentRow) error {
	created := sql.NullTime{Time: a.CreatedAt, Valid: !a.CreatedAt.IsZero()}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO adjustments (adjustment_id, cycle_id, claim_id, target_invoice_id, delta_cents, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))`,
		a.AdjustmentID, a.CycleID, a.ClaimID, nullString(a.TargetInvoiceID), a.Delta, a.Reason, created)
	return translate(err)
}

func (t *tx) UpdateAdjustment(ctx context.Context, a storage.AdjustmentRow) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE adjustments SET target_invoice_id = $2, delta_cents = $3, reason = $4
		 WHERE adjustment_id = $1`,
		a.AdjustmentID, nullString(a.TargetInvoiceID), a.Delta, a.Reason)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return domain.Errf(domain.ErrStorageSerialization, "adjustment %s not found", a.AdjustmentID)
	}
	return nil
}

// --- artifacts ---

func (t *tx) GetArtifact(ctx context.Context, digest string) (*artifacts.Artifact, error) {
	var a artifacts.Artifact
	err := t.db.QueryRowContext(ctx,
		`SELECT digest, kind, media_type, size_bytes, content, created_at
		 FROM artifacts WHERE digest = $1`, digest).
		Scan(&a.Digest, &a.Kind, &a.MediaType, &a.Size, &a.Content, &a.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// PutArtifact is idempotent: content addressing means a digest collision is
// the same bytes, so conflicts are ignored rather than updated.
func (t *tx) PutArtifact(ctx context.Context, a artifacts.Artifact) error {
	created := sql.NullTime{Time: a.CreatedAt, Valid: !a.CreatedAt.IsZero()}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO artifacts (digest, kind, media_type, size_bytes, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		 ON CONFLICT (digest) DO NOTHING`,
		a.Digest, a.Kind, a.MediaType, a.Size, a.Content, created)
	return translate(err)
}

// --- idempotency ---

type idemRows struct {
	tx *tx
}

func (t *tx) Idempotency() idempotency.Rows {
	return &idemRows{tx: t}
}

// Get locks the row FOR UPDATE so concurrent holders of the same key
// serialize on the ledger state machine. Absent keys return nil.
func (r *idemRows) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := r.tx.db.QueryRowContext(ctx,
		`SELECT key, op_kind, input_hash, status, response_json, reserved_at, expires_at
		 FROM idempotency WHERE key = $1 FOR UPDATE`, key).
		Scan(&rec.Key, &rec.OpKind, &rec.InputHash, &rec.Status, &rec.ResponseJSON,
			&rec.ReservedAt, &rec.ExpiresAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	rec.ReservedAt = rec.ReservedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

func (r *idemRows) Insert(ctx context.Context, rec *idempotency.Record) error {
	_, err := r.tx.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, op_kind, input_hash, status, response_json, reserved_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Key, rec.OpKind, rec.InputHash, rec.Status, rec.ResponseJSON,
		rec.ReservedAt, rec.ExpiresAt)
	return translate(err)
}

func (r *idemRows) Update(ctx context.Context, rec *idempotency.Record) error {
	_, err := r.tx.db.ExecContext(ctx,
		`UPDATE idempotency
		 SET op_kind = $2, input_hash = $3, status = $4, response_json = $5,
		     reserved_at = $6, expires_at = $7
		 WHERE key = $1`,
		rec.Key, rec.OpKind, rec.InputHash, rec.Status, rec.ResponseJSON,
		rec.ReservedAt, rec.ExpiresAt)
	return translate(err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
