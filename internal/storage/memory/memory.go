// Package memory is the in-process storage implementation. One writer at a
// time holds the store mutex for the life of its transaction, which makes
// the fixed lock order trivially safe; readers share an RLock. Semantics
// mirror the postgres implementation: server-side ingest stamping, tuple
// pagination, idempotency-row serialization, fingerprint uniqueness, and
// an immutable event log.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/eventlog"
	"github.com/wvsnp/backend/internal/idempotency"
	"github.com/wvsnp/backend/internal/storage"
)

type projKey struct {
	kind string
	id   string
}

type bucketKey struct {
	cycleID string
	bucket  string
}

// data is the committed store image. Transactions mutate a clone and swap
// it in on commit.
type data struct {
	events      []domain.Event
	eventIDs    map[string]struct{}
	lastIngest  time.Time
	lastEventID string

	projections map[projKey]storage.ProjectionRow
	buckets     map[bucketKey]storage.GrantBucketRow
	batchItems  map[string][]storage.BatchItemRow
	payments    map[string]storage.PaymentRow
	adjustments map[string]storage.AdjustmentRow
	artifacts   map[string]artifacts.Artifact
	idem        map[string]idempotency.Record
}

func newData() *data {
	return &data{
		eventIDs:    map[string]struct{}{},
		projections: map[projKey]storage.ProjectionRow{},
		buckets:     map[bucketKey]storage.GrantBucketRow{},
		batchItems:  map[string][]storage.BatchItemRow{},
		payments:    map[string]storage.PaymentRow{},
		adjustments: map[string]storage.AdjustmentRow{},
		artifacts:   map[string]artifacts.Artifact{},
		idem:        map[string]idempotency.Record{},
	}
}

func (d *data) clone() *data {
	c := newData()
	c.events = append([]domain.Event(nil), d.events...)
	for k := range d.eventIDs {
		c.eventIDs[k] = struct{}{}
	}
	c.lastIngest = d.lastIngest
	c.lastEventID = d.lastEventID
	for k, v := range d.projections {
		c.projections[k] = v
	}
	for k, v := range d.buckets {
		c.buckets[k] = v
	}
	for k, v := range d.batchItems {
		c.batchItems[k] = append([]storage.BatchItemRow(nil), v...)
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.adjustments {
		c.adjustments[k] = v
	}
	for k, v := range d.artifacts {
		c.artifacts[k] = v
	}
	for k, v := range d.idem {
		c.idem[k] = v
	}
	return c
}

// Store is the in-memory storage.Store.
type Store struct {
	mu    sync.RWMutex
	clock func() time.Time
	cur   *data
}

// New builds an empty store stamping with the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock builds a store with an injected clock for deterministic
// ingest stamps in tests.
func NewWithClock(clock func() time.Time) *Store {
	return &Store{clock: clock, cur: newData()}
}

// Begin opens a writable transaction. The store mutex is held until Commit
// or Rollback.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{store: s, data: s.cur.clone()}, nil
}

// View opens a read-only transaction over the committed image.
func (s *Store) View(ctx context.Context) (storage.ReadTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	return &viewTx{store: s, data: s.cur}, nil
}

// Close releases nothing; it exists to satisfy storage.Store.
func (s *Store) Close() error { return nil }

type viewTx struct {
	store *Store
	data  *data
	done  bool
}

func (v *viewTx) Rollback() error {
	if v.done {
		return nil
	}
	v.done = true
	v.store.mu.RUnlock()
	return nil
}

type tx struct {
	store *Store
	data  *data
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.cur = t.data
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

// --- event log ---

func (t *tx) AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	if err := eventlog.ValidateForAppend(ev); err != nil {
		return nil, err
	}
	if _, dup := t.data.eventIDs[ev.EventID]; dup {
		return nil, domain.Errf(domain.ErrImmutabilityViolation, "event %s is already in the log", ev.EventID)
	}

	stamped := *ev
	ingest := t.store.clock().UTC()
	if ingest.Before(t.data.lastIngest) {
		ingest = t.data.lastIngest
	}
	if ingest.Equal(t.data.lastIngest) && stamped.EventID <= t.data.lastEventID {
		ingest = ingest.Add(time.Microsecond)
	}
	stamped.IngestedAt = ingest

	t.data.events = append(t.data.events, stamped)
	t.data.eventIDs[stamped.EventID] = struct{}{}
	t.data.lastIngest = ingest
	t.data.lastEventID = stamped.EventID
	return &stamped, nil
}

func (t *tx) DeleteEvent(ctx context.Context, eventID string) error {
	return domain.Errf(domain.ErrImmutabilityViolation, "event log rows cannot be deleted")
}

func fetchSince(d *data, since domain.Watermark, limit int) []domain.Event {
	out := []domain.Event{}
	for _, ev := range d.events {
		if since.Covers(&ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func eventsWhere(d *data, keep func(*domain.Event) bool) []domain.Event {
	out := []domain.Event{}
	for _, ev := range d.events {
		if keep(&ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (t *tx) FetchSince(ctx context.Context, since domain.Watermark, limit int) ([]domain.Event, error) {
	return fetchSince(t.data, since, limit), nil
}

func (v *viewTx) FetchSince(ctx context.Context, since domain.Watermark, limit int) ([]domain.Event, error) {
	return fetchSince(v.data, since, limit), nil
}

func (t *tx) EventsForAggregate(ctx context.Context, kind, id string) ([]domain.Event, error) {
	return eventsWhere(t.data, func(ev *domain.Event) bool {
		return ev.AggregateKind == kind && ev.AggregateID == id
	}), nil
}

func (v *viewTx) EventsForAggregate(ctx context.Context, kind, id string) ([]domain.Event, error) {
	return eventsWhere(v.data, func(ev *domain.Event) bool {
		return ev.AggregateKind == kind && ev.AggregateID == id
	}), nil
}

func (t *tx) EventsForCycle(ctx context.Context, cycleID string) ([]domain.Event, error) {
	return eventsWhere(t.data, func(ev *domain.Event) bool { return ev.CycleID == cycleID }), nil
}

func (v *viewTx) EventsForCycle(ctx context.Context, cycleID string) ([]domain.Event, error) {
	return eventsWhere(v.data, func(ev *domain.Event) bool { return ev.CycleID == cycleID }), nil
}

// --- locks ---

// LockAggregates is a no-op for mutual exclusion here (the store mutex
// already serializes writers) but still walks the refs in the fixed order
// and seeds missing allocator rows, exactly as postgres does.
func (t *tx) LockAggregates(ctx context.Context, refs []storage.AggregateRef) error {
	for _, ref := range storage.SortRefs(refs) {
		if ref.Kind != storage.LockAllocator {
			continue
		}
		key := projKey{kind: domain.KindAllocator, id: ref.ID}
		if _, ok := t.data.projections[key]; ok {
			continue
		}
		state, cycleID := allocatorSeed(ref.ID)
		t.data.projections[key] = storage.ProjectionRow{
			AggregateKind: domain.KindAllocator,
			AggregateID:   ref.ID,
			CycleID:       cycleID,
			State:         state,
			RebuiltAt:     t.store.clock().UTC(),
		}
	}
	return nil
}

// --- projections ---

func getProjection(d *data, kind, id string) *storage.ProjectionRow {
	row, ok := d.projections[projKey{kind: kind, id: id}]
	if !ok {
		return nil
	}
	cp := row
	cp.State = append([]byte(nil), row.State...)
	return &cp
}

func listProjections(d *data, f storage.ProjectionFilter) []storage.ProjectionRow {
	out := []storage.ProjectionRow{}
	for key, row := range d.projections {
		if key.kind != f.Kind {
			continue
		}
		if f.CycleID != "" && row.CycleID != f.CycleID {
			continue
		}
		cp := row
		cp.State = append([]byte(nil), row.State...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateID < out[j].AggregateID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (t *tx) GetProjection(ctx context.Context, kind, id string) (*storage.ProjectionRow, error) {
	return getProjection(t.data, kind, id), nil
}

func (v *viewTx) GetProjection(ctx context.Context, kind, id string) (*storage.ProjectionRow, error) {
	return getProjection(v.data, kind, id), nil
}

func (t *tx) ListProjections(ctx context.Context, f storage.ProjectionFilter) ([]storage.ProjectionRow, error) {
	return listProjections(t.data, f), nil
}

func (v *viewTx) ListProjections(ctx context.Context, f storage.ProjectionFilter) ([]storage.ProjectionRow, error) {
	return listProjections(v.data, f), nil
}

type fingerprintState struct {
	Fingerprint string `json:"fingerprint"`
}

func findByFingerprint(d *data, kind, cycleID, fingerprint string) *storage.ProjectionRow {
	for key, row := range d.projections {
		if key.kind != kind {
			continue
		}
		if cycleID != "" && row.CycleID != cycleID {
			continue
		}
		var st fingerprintState
		if err := json.Unmarshal(row.State, &st); err != nil {
			continue
		}
		if st.Fingerprint == fingerprint {
			cp := row
			cp.State = append([]byte(nil), row.State...)
			return &cp
		}
	}
	return nil
}

func (t *tx) FindClaimByFingerprint(ctx context.Context, cycleID, fingerprint string) (*storage.ProjectionRow, error) {
	return findByFingerprint(t.data, domain.KindClaim, cycleID, fingerprint), nil
}

func (v *viewTx) FindClaimByFingerprint(ctx context.Context, cycleID, fingerprint string) (*storage.ProjectionRow, error) {
	return findByFingerprint(v.data, domain.KindClaim, cycleID, fingerprint), nil
}

func (t *tx) FindBatchByFingerprint(ctx context.Context, fingerprint string) (*storage.ProjectionRow, error) {
	return findByFingerprint(t.data, domain.KindOasisBatch, "", fingerprint), nil
}

func (v *viewTx) FindBatchByFingerprint(ctx context.Context, fingerprint string) (*storage.ProjectionRow, error) {
	return findByFingerprint(v.data, domain.KindOasisBatch, "", fingerprint), nil
}

func (t *tx) UpsertProjection(ctx context.Context, row storage.ProjectionRow) error {
	key := projKey{kind: row.AggregateKind, id: row.AggregateID}
	// Mirror the partial unique indexes on claim and batch fingerprints.
	if row.AggregateKind == domain.KindClaim || row.AggregateKind == domain.KindOasisBatch {
		var st fingerprintState
		if err := json.Unmarshal(row.State, &st); err == nil && st.Fingerprint != "" {
			scope := row.CycleID
			if row.AggregateKind == domain.KindOasisBatch {
				scope = ""
			}
			if existing := findByFingerprint(t.data, row.AggregateKind, scope, st.Fingerprint); existing != nil &&
				existing.AggregateID != row.AggregateID {
				return domain.Errf(domain.ErrStorageSerialization,
					"fingerprint %s already belongs to %s", st.Fingerprint, existing.AggregateID)
			}
		}
	}
	row.State = append([]byte(nil), row.State...)
	if row.RebuiltAt.IsZero() {
		row.RebuiltAt = t.store.clock().UTC()
	}
	t.data.projections[key] = row
	return nil
}

func (t *tx) TruncateProjections(ctx context.Context) error {
	t.data.projections = map[projKey]storage.ProjectionRow{}
	t.data.buckets = map[bucketKey]storage.GrantBucketRow{}
	t.data.batchItems = map[string][]storage.BatchItemRow{}
	t.data.payments = map[string]storage.PaymentRow{}
	t.data.adjustments = map[string]storage.AdjustmentRow{}
	return nil
}

// --- grant buckets ---

func (t *tx) UpsertGrantBucket(ctx context.Context, row storage.GrantBucketRow) error {
	if err := row.CheckArithmetic(); err != nil {
		return err
	}
	t.data.buckets[bucketKey{cycleID: row.CycleID, bucket: row.Bucket}] = row
	return nil
}

func getGrantBucket(d *data, cycleID, bucket string) *storage.GrantBucketRow {
	row, ok := d.buckets[bucketKey{cycleID: cycleID, bucket: bucket}]
	if !ok {
		return nil
	}
	cp := row
	return &cp
}

func (t *tx) GetGrantBucket(ctx context.Context, cycleID, bucket string) (*storage.GrantBucketRow, error) {
	return getGrantBucket(t.data, cycleID, bucket), nil
}

func (v *viewTx) GetGrantBucket(ctx context.Context, cycleID, bucket string) (*storage.GrantBucketRow, error) {
	return getGrantBucket(v.data, cycleID, bucket), nil
}

// --- batch items, payments, adjustments ---

func (t *tx) ReplaceBatchItems(ctx context.Context, batchID string, items []storage.BatchItemRow) error {
	rows := make([]storage.BatchItemRow, len(items))
	copy(rows, items)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	t.data.batchItems[batchID] = rows
	return nil
}

func listBatchItems(d *data, batchID string) []storage.BatchItemRow {
	return append([]storage.BatchItemRow{}, d.batchItems[batchID]...)
}

func (t *tx) ListBatchItems(ctx context.Context, batchID string) ([]storage.BatchItemRow, error) {
	return listBatchItems(t.data, batchID), nil
}

func (v *viewTx) ListBatchItems(ctx context.Context, batchID string) ([]storage.BatchItemRow, error) {
	return listBatchItems(v.data, batchID), nil
}

func (t *tx) InsertPayment(ctx context.Context, p storage.PaymentRow) error {
	if _, dup := t.data.payments[p.PaymentID]; dup {
		return domain.Errf(domain.ErrStorageSerialization, "payment %s already recorded", p.PaymentID)
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = t.store.clock().UTC()
	}
	t.data.payments[p.PaymentID] = p
	return nil
}

func listPayments(d *data, cycleID string) []storage.PaymentRow {
	out := []storage.PaymentRow{}
	for _, p := range d.payments {
		if cycleID == "" || p.CycleID == cycleID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].PaymentID < out[j].PaymentID
	})
	return out
}

func (t *tx) ListPayments(ctx context.Context, cycleID string) ([]storage.PaymentRow, error) {
	return listPayments(t.data, cycleID), nil
}

func (v *viewTx) ListPayments(ctx context.Context, cycleID string) ([]storage.PaymentRow, error) {
	return listPayments(v.data, cycleID), nil
}

func (t *tx) InsertAdjustment(ctx context.Context, a storage.AdjustmentRow) error {
	if _, dup := t.data.adjustments[a.AdjustmentID]; dup {
		return domain.Errf(domain.ErrStorageSerialization, "adjustment %s already recorded", a.AdjustmentID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = t.store.clock().UTC()
	}
	t.data.adjustments[a.AdjustmentID] = a
	return nil
}

func (t *tx) UpdateAdjustment(ctx context.Context, a storage.AdjustmentRow) error {
	existing, ok := t.data.adjustments[a.AdjustmentID]
	if !ok {
		return domain.Errf(domain.ErrStorageSerialization, "adjustment %s does not exist", a.AdjustmentID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = existing.CreatedAt
	}
	t.data.adjustments[a.AdjustmentID] = a
	return nil
}

func listAdjustments(d *data, cycleID string) []storage.AdjustmentRow {
	out := []storage.AdjustmentRow{}
	for _, a := range d.adjustments {
		if cycleID == "" || a.CycleID == cycleID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AdjustmentID < out[j].AdjustmentID
	})
	return out
}

func (t *tx) ListAdjustments(ctx context.Context, cycleID string) ([]storage.AdjustmentRow, error) {
	return listAdjustments(t.data, cycleID), nil
}

func (v *viewTx) ListAdjustments(ctx context.Context, cycleID string) ([]storage.AdjustmentRow, error) {
	return listAdjustments(v.data, cycleID), nil
}

// --- artifacts ---

func (t *tx) PutArtifact(ctx context.Context, a artifacts.Artifact) error {
	if _, exists := t.data.artifacts[a.Digest]; exists {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = t.store.clock().UTC()
	}
	a.Content = append([]byte(nil), a.Content...)
	t.data.artifacts[a.Digest] = a
	return nil
}

func getArtifact(d *data, digest string) *artifacts.Artifact {
	a, ok := d.artifacts[digest]
	if !ok {
		return nil
	}
	cp := a
	cp.Content = append([]byte(nil), a.Content...)
	return &cp
}

func (t *tx) GetArtifact(ctx context.Context, digest string) (*artifacts.Artifact, error) {
	return getArtifact(t.data, digest), nil
}

func (v *viewTx) GetArtifact(ctx context.Context, digest string) (*artifacts.Artifact, error) {
	return getArtifact(v.data, digest), nil
}

// --- idempotency ---

type idemRows struct {
	tx *tx
}

func (t *tx) Idempotency() idempotency.Rows {
	return &idemRows{tx: t}
}

func (r *idemRows) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, ok := r.tx.data.idem[key]
	if !ok {
		return nil, nil
	}
	cp := rec
	cp.ResponseJSON = append([]byte(nil), rec.ResponseJSON...)
	return &cp, nil
}

func (r *idemRows) Insert(ctx context.Context, rec *idempotency.Record) error {
	if _, dup := r.tx.data.idem[rec.Key]; dup {
		return domain.Errf(domain.ErrStorageSerialization, "idempotency key %s already reserved", rec.Key)
	}
	cp := *rec
	cp.ResponseJSON = append([]byte(nil), rec.ResponseJSON...)
	r.tx.data.idem[rec.Key] = cp
	return nil
}

func (r *idemRows) Update(ctx context.Context, rec *idempotency.Record) error {
	cp := *rec
	cp.ResponseJSON = append([]byte(nil), rec.ResponseJSON...)
	r.tx.data.idem[rec.Key] = cp
	return nil
}

// allocatorSeed is what a fresh allocator projection row holds.
func allocatorSeed(id string) ([]byte, string) {
	cycleID, county := id, ""
	if i := strings.IndexByte(id, '/'); i >= 0 {
		cycleID, county = id[:i], id[i+1:]
	}
	state, _ := json.Marshal(domain.NewAllocatorState(cycleID, county))
	return state, cycleID
}
