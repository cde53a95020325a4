// Package commands implements the transactional write surface. Every
// command runs the same skeleton: reserve the idempotency key, take row
// locks in the fixed order, validate with pure domain guards, append
// events, refresh the touched projections, record the cached response, and
// commit. Transient storage errors are retried with backoff; business
// errors roll back and mark the reservation FAILED so the caller can retry
// with the same key.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/events"
	"github.com/wvsnp/backend/internal/idempotency"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/storage"
)

// Envelope carries the caller identity every command requires.
type Envelope struct {
	IdempotencyKey string `json:"idempotencyKey"`
	CorrelationID  string `json:"correlationId"`
	ActorID        string `json:"actorId"`
	ActorKind      string `json:"actorKind"`
}

// RetryPolicy bounds the transient-error retry loop.
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
}

// DefaultRetry is three attempts starting at 100ms.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseBackoff: 100 * time.Millisecond}

// OasisOptions are the treasury constants stamped into rendered files.
type OasisOptions struct {
	FundCode      string
	OrgCode       string
	ObjectCode    string
	FormatVersion string
}

// Options tunes the service.
type Options struct {
	IdempotencyTTL time.Duration
	TentativeTTL   time.Duration
	Retry          RetryPolicy
	Oasis          OasisOptions
	Clock          func() time.Time
}

func (o *Options) fill() {
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
	if o.TentativeTTL <= 0 {
		o.TentativeTTL = 14 * 24 * time.Hour
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = DefaultRetry
	}
	if o.Oasis.FundCode == "" {
		o.Oasis = OasisOptions{FundCode: "WVSNP", OrgCode: "WVDA", ObjectCode: "5100"}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Service executes commands against the store.
type Service struct {
	store   storage.Store
	proj    *projection.Engine
	gate    *closeout.Engine
	emitter events.Emitter
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options
}

// New wires a command service. emitter and m may be nil; log may be nil.
func New(store storage.Store, proj *projection.Engine, gate *closeout.Engine, emitter events.Emitter, m *metrics.Metrics, log *zap.Logger, opts Options) *Service {
	opts.fill()
	if log == nil {
		log = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Service{
		store:   store,
		proj:    proj,
		gate:    gate,
		emitter: emitter,
		metrics: m,
		log:     log.Named("commands"),
		opts:    opts,
	}
}

func (s *Service) now() time.Time {
	return s.opts.Clock().UTC()
}

// exec is the per-attempt workspace handed to each command body.
type exec struct {
	s         *Service
	tx        storage.Tx
	env       Envelope
	now       time.Time
	causation string
	appended  []domain.Event
	touched   []touchedRef
}

type touchedRef struct {
	kind string
	id   string
}

func (x *exec) lock(ctx context.Context, refs ...storage.AggregateRef) error {
	return x.tx.LockAggregates(ctx, refs)
}

// append runs the post-close gate, stamps the envelope, and writes one
// event. The first event of a command has no causation; every later one is
// caused by the first.
func (x *exec) append(ctx context.Context, kind, id, cycleID, eventType string, data map[string]interface{}) (*domain.Event, error) {
	if err := x.s.gate.Gate(ctx, x.tx, cycleID, eventType); err != nil {
		return nil, err
	}
	ev := &domain.Event{
		EventID:       domain.NewEventID(),
		AggregateKind: kind,
		AggregateID:   id,
		EventType:     eventType,
		EventData:     data,
		OccurredAt:    x.now,
		CycleID:       cycleID,
		CorrelationID: x.env.CorrelationID,
		CausationID:   x.causation,
		ActorID:       x.env.ActorID,
		ActorKind:     x.env.ActorKind,
	}
	stamped, err := x.tx.AppendEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if x.causation == "" {
		x.causation = stamped.EventID
	}
	x.appended = append(x.appended, *stamped)
	x.touch(kind, id)
	return stamped, nil
}

// touch schedules a projection refresh for an aggregate, deduplicating
// while preserving first-touch order.
func (x *exec) touch(kind, id string) {
	for _, t := range x.touched {
		if t.kind == kind && t.id == id {
			return
		}
	}
	x.touched = append(x.touched, touchedRef{kind: kind, id: id})
}

// refreshProjections refolds every touched aggregate inside the command
// transaction. Artifacts have no projection.
func (x *exec) refreshProjections(ctx context.Context) error {
	for _, t := range x.touched {
		if t.kind == domain.KindArtifact {
			continue
		}
		if err := x.s.proj.ApplyForAggregate(ctx, x.tx, t.kind, t.id); err != nil {
			return err
		}
	}
	return nil
}

type commandFn func(ctx context.Context, x *exec) (interface{}, error)

// execute runs one command through the skeleton with the transient-error
// retry loop. It returns the response JSON, which is also what a replayed
// COMPLETED reservation returns.
func (s *Service) execute(ctx context.Context, env Envelope, opKind string, input interface{}, fn commandFn) (json.RawMessage, error) {
	start := s.opts.Clock()
	if err := s.validateEnvelope(&env); err != nil {
		s.metrics.RecordCommand(opKind, domain.CodeOf(err), time.Since(start))
		return nil, err
	}
	inputHash := idempotency.HashInput(input)

	var payload json.RawMessage
	var err error
	for attempt := 1; ; attempt++ {
		payload, err = s.attempt(ctx, env, opKind, inputHash, fn)
		if err == nil || !domain.IsTransient(err) || attempt >= s.opts.Retry.Attempts {
			break
		}
		backoff := s.opts.Retry.BaseBackoff << (attempt - 1)
		backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		s.log.Warn("retrying command after transient storage error",
			zap.String("op", opKind),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	code := ""
	if err != nil {
		code = domain.CodeOf(err)
		if domain.IsInvariant(err) {
			s.log.Error("invariant violation", zap.String("op", opKind), zap.Error(err))
		} else {
			s.log.Info("command rejected", zap.String("op", opKind), zap.String("code", code), zap.Error(err))
		}
	}
	s.metrics.RecordCommand(opKind, code, time.Since(start))
	return payload, err
}

// attempt is one pass through steps 1-10 of the skeleton.
func (s *Service) attempt(ctx context.Context, env Envelope, opKind, inputHash string, fn commandFn) (json.RawMessage, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	res, err := idempotency.CheckAndReserve(ctx, tx.Idempotency(), env.IdempotencyKey, opKind, inputHash, s.opts.IdempotencyTTL, s.now())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	switch res.Outcome {
	case idempotency.OutcomeCompleted:
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.metrics.RecordIdempotency("replayed")
		return res.Response, nil
	case idempotency.OutcomeInProgress:
		tx.Rollback()
		s.metrics.RecordIdempotency("in_progress")
		return nil, domain.Errf(domain.ErrOperationInProgress, "key %s is being processed", env.IdempotencyKey)
	}
	s.metrics.RecordIdempotency("new")

	x := &exec{s: s, tx: tx, env: env, now: s.now()}
	result, err := fn(ctx, x)
	if err != nil {
		tx.Rollback()
		s.recordFailure(ctx, env.IdempotencyKey)
		return nil, err
	}
	if err := x.refreshProjections(ctx); err != nil {
		tx.Rollback()
		s.recordFailure(ctx, env.IdempotencyKey)
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		tx.Rollback()
		s.recordFailure(ctx, env.IdempotencyKey)
		return nil, fmt.Errorf("marshal %s response: %w", opKind, err)
	}
	if err := idempotency.RecordResult(ctx, tx.Idempotency(), env.IdempotencyKey, payload); err != nil {
		tx.Rollback()
		s.recordFailure(ctx, env.IdempotencyKey)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		s.recordFailure(ctx, env.IdempotencyKey)
		return nil, err
	}

	for i := range x.appended {
		s.emitter.EmitEvent(&x.appended[i])
		s.metrics.RecordEventAppended(x.appended[i].EventType)
	}
	return payload, nil
}

// recordFailure best-effort marks the reservation FAILED in a fresh short
// transaction. Its own error is swallowed so the original error survives.
func (s *Service) recordFailure(ctx context.Context, key string) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.log.Warn("record failure: begin", zap.Error(err))
		return
	}
	if err := idempotency.RecordFailure(ctx, tx.Idempotency(), key); err != nil {
		tx.Rollback()
		s.log.Warn("record failure", zap.String("key", key), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		s.log.Warn("record failure: commit", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) validateEnvelope(env *Envelope) error {
	if err := idempotency.ValidateKey(env.IdempotencyKey); err != nil {
		return err
	}
	if env.ActorID == "" {
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "actorId is required")
	}
	switch env.ActorKind {
	case domain.ActorApplicant, domain.ActorAdmin, domain.ActorSystem:
	default:
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "actorKind %q unknown", env.ActorKind)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = domain.NewCorrelationID()
	}
	return nil
}

func decode[T any](payload json.RawMessage, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// --- aggregate folds (read inside a command transaction) ---

func foldGrant(ctx context.Context, tx storage.ReadTx, cycleID string) (*domain.GrantState, error) {
	evs, err := tx.EventsForAggregate(ctx, domain.KindGrant, cycleID)
	if err != nil {
		return nil, err
	}
	st := domain.NewGrantState(cycleID)
	for i := range evs {
		st.Apply(&evs[i])
	}
	return st, nil
}

func foldVoucher(ctx context.Context, tx storage.ReadTx, voucherID string) (*domain.VoucherState, error) {
	evs, err := tx.EventsForAggregate(ctx, domain.KindVoucher, voucherID)
	if err != nil {
		return nil, err
	}
	st := domain.NewVoucherState(voucherID)
	for i := range evs {
		st.Apply(&evs[i])
	}
	return st, nil
}

func foldClinic(ctx context.Context, tx storage.ReadTx, clinicID string) (*domain.ClinicState, error) {
	evs, err := tx.EventsForAggregate(ctx, domain.KindClinic, clinicID)
	if err != nil {
		return nil, err
	}
	st := domain.NewClinicState(clinicID)
	for i := range evs {
		st.Apply(&evs[i])
	}
	return st, nil
}

func foldClaim(ctx context.Context, tx storage.ReadTx, claimID string) (*domain.ClaimState, error) {
	evs, err := tx.EventsForAggregate(ctx, domain.KindClaim, claimID)
	if err != nil {
		return nil, err
	}
	st := domain.NewClaimState(claimID)
	for i := range evs {
		st.Apply(&evs[i])
	}
	return st, nil
}

func foldInvoice(ctx context.Context, tx storage.ReadTx, invoiceID string) (*domain.InvoiceState, error) {
	own, err := tx.EventsForAggregate(ctx, domain.KindInvoice, invoiceID)
	if err != nil {
		return nil, err
	}
	st := domain.NewInvoiceState(invoiceID)
	if len(own) == 0 {
		return st, nil
	}
	evs, err := tx.EventsForCycle(ctx, own[0].CycleID)
	if err != nil {
		return nil, err
	}
	for i := range evs {
		ev := &evs[i]
		switch {
		case ev.AggregateKind == domain.KindInvoice && ev.AggregateID == invoiceID:
			st.Apply(ev)
		case ev.AggregateKind == domain.KindOasisBatch:
			switch ev.EventType {
			case domain.EventBatchItemAdded:
				if ev.DataString("invoiceId") == invoiceID {
					st.ApplyBatchEffect(ev)
				}
			case domain.EventBatchRejected, domain.EventBatchVoided:
				if st.BatchID == ev.AggregateID {
					st.ApplyBatchEffect(ev)
				}
			}
		}
	}
	return st, nil
}

func foldBatch(ctx context.Context, tx storage.ReadTx, batchID string) (*domain.BatchState, error) {
	evs, err := tx.EventsForAggregate(ctx, domain.KindOasisBatch, batchID)
	if err != nil {
		return nil, err
	}
	st := domain.NewBatchState(batchID)
	for i := range evs {
		st.Apply(&evs[i])
	}
	return st, nil
}

func foldCloseout(ctx context.Context, tx storage.ReadTx, cycleID string) (*domain.CloseoutState, error) {
	evs, err := tx.EventsForCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	st := domain.NewCloseoutState(cycleID)
	for i := range evs {
		ev := &evs[i]
		switch ev.EventType {
		case domain.EventCloseoutPreflightCompleted, domain.EventCloseoutStarted,
			domain.EventCloseoutReconciled, domain.EventAuditHoldSet,
			domain.EventAuditResolved, domain.EventGrantCycleClosed:
			st.Apply(ev)
		}
	}
	return st, nil
}

func foldFiling(ctx context.Context, tx storage.ReadTx, filingID string) (*domain.BreederFilingState, error) {
	evs, err := tx.EventsForAggregate(ctx, domain.KindBreederFiling, filingID)
	if err != nil {
		return nil, err
	}
	st := domain.NewBreederFilingState(filingID)
	for i := range evs {
		st.Apply(&evs[i])
	}
	return st, nil
}
