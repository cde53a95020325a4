// Package gateway hands rendered OASIS export files to the state treasury
// and polls for their disposition. Every outbound call goes through a
// circuit breaker; the resulting batch transitions go through the normal
// command surface with a SYSTEM actor and deterministic idempotency keys.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/circuitbreaker"
	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/storage"
	"github.com/wvsnp/backend/pb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const gatewayActor = "system:gateway"

// Config tunes the submitter.
type Config struct {
	// PollInterval drives the disposition poll loop; zero disables it.
	PollInterval time.Duration
	Breaker      circuitbreaker.Config
}

// Submitter owns the treasury side of the batch lifecycle.
type Submitter struct {
	client  pb.GatewayClient
	breaker *circuitbreaker.Breaker
	svc     *commands.Service
	store   storage.Store
	metrics *metrics.Metrics
	log     *zap.Logger
	clock   func() time.Time
	cfg     Config
	wg      sync.WaitGroup
}

// New wires a submitter. client may be nil (the mock that accepts
// everything); m and log may be nil; clock may be nil (wall clock).
func New(client pb.GatewayClient, svc *commands.Service, store storage.Store, m *metrics.Metrics, log *zap.Logger, clock func() time.Time, cfg Config) *Submitter {
	if client == nil {
		client = pb.NewMockGatewayClient()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "oasis-gateway"
	}
	s := &Submitter{
		client:  client,
		svc:     svc,
		store:   store,
		metrics: m,
		log:     log.Named("gateway"),
		clock:   clock,
		cfg:     cfg,
	}
	cfg.Breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
		s.log.Warn("breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	s.breaker = circuitbreaker.New(cfg.Breaker)
	return s
}

func gatewayEnv(key string) commands.Envelope {
	return commands.Envelope{
		IdempotencyKey: key,
		ActorID:        gatewayActor,
		ActorKind:      domain.ActorSystem,
	}
}

// call runs one gateway RPC through the breaker. A tripped breaker surfaces
// as a storage timeout, which the callers' retry loops treat as transient.
func (s *Submitter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := s.clock()
	err := s.breaker.Execute(ctx, fn)
	outcome := "ok"
	switch {
	case err == circuitbreaker.ErrOpen, err == circuitbreaker.ErrTooManyRequests:
		outcome = "breaker_open"
		err = domain.WrapErr(domain.ErrStorageTimeout, err)
	case err != nil:
		outcome = "error"
		err = domain.WrapErr(domain.ErrStorageTimeout, err)
	}
	s.metrics.RecordGateway(op, outcome, s.clock().Sub(start))
	return err
}

// Transmit sends a rendered batch's file to the treasury and records the
// submission. It returns the treasury receipt id, which the poll loop later
// resolves into an acknowledgement or rejection. Retransmitting an already
// submitted batch replays the recorded submission.
func (s *Submitter) Transmit(ctx context.Context, batchID string) (string, error) {
	batch, art, err := s.loadRenderedBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if batch.Status == domain.BatchSubmitted || batch.Status == domain.BatchAcknowledged {
		return batch.GatewayRef, nil
	}

	var resp *pb.SubmitBatchResponse
	err = s.call(ctx, "submit", func(ctx context.Context) error {
		var rpcErr error
		resp, rpcErr = s.client.SubmitBatch(ctx, &pb.SubmitBatchRequest{
			BatchCode:         batch.BatchCode,
			FormatVersion:     batch.FormatVersion,
			RecordCount:       int32(batch.RecordCount),
			ControlTotalCents: int64(batch.ControlTotal),
			Sha256:            batch.SHA256,
			Content:           art.Content,
			SubmittedAt:       timestamppb.New(s.clock().UTC()),
		})
		return rpcErr
	})
	if err != nil {
		return "", err
	}

	_, err = s.svc.SubmitExportBatch(ctx, gatewayEnv("gateway:submit:"+batchID), commands.BatchRefInput{
		BatchID:   batchID,
		Reference: resp.ReceiptId,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("batch transmitted",
		zap.String("batch_id", batchID),
		zap.String("receipt_id", resp.ReceiptId))
	return resp.ReceiptId, nil
}

// loadRenderedBatch reads a batch and its rendered file, releasing the view
// before the caller begins a write transaction. The artifact is nil for an
// already-submitted batch, whose transmit replays without it.
func (s *Submitter) loadRenderedBatch(ctx context.Context, batchID string) (*domain.BatchState, *artifacts.Artifact, error) {
	view, err := s.store.View(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer view.Rollback()
	row, err := view.GetProjection(ctx, domain.KindOasisBatch, batchID)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, domain.Errf(domain.ErrBatchNotFound, "batch %s not found", batchID)
	}
	var batch domain.BatchState
	if err := row.Decode(&batch); err != nil {
		return nil, nil, err
	}
	if batch.Status == domain.BatchSubmitted || batch.Status == domain.BatchAcknowledged {
		return &batch, nil, nil
	}
	if err := batch.CanSubmit(); err != nil {
		return nil, nil, err
	}
	art, err := view.GetArtifact(ctx, batch.ArtifactRef)
	if err != nil {
		return nil, nil, err
	}
	if art == nil {
		return nil, nil, domain.Errf(domain.ErrMissingRequiredArtifact, "batch %s has no rendered file", batchID)
	}
	return &batch, art, nil
}

// PollOnce asks the treasury for the disposition of every submitted batch
// and applies acknowledgements and rejections. Returns how many batches it
// resolved.
func (s *Submitter) PollOnce(ctx context.Context) (int, error) {
	open, err := s.scanSubmittedBatches(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range open {
		var resp *pb.GetBatchStatusResponse
		err := s.call(ctx, "poll", func(ctx context.Context) error {
			var rpcErr error
			resp, rpcErr = s.client.GetBatchStatus(ctx, &pb.GetBatchStatusRequest{ReceiptId: p.receipt})
			return rpcErr
		})
		if err != nil {
			// Transient; the next poll picks the batch up again.
			return resolved, err
		}

		switch resp.Disposition {
		case pb.BatchDisposition_ACCEPTED:
			_, err = s.svc.AcknowledgeExportBatch(ctx, gatewayEnv("gateway:ack:"+p.batchID), commands.BatchRefInput{
				BatchID:   p.batchID,
				Reference: resp.Reference,
			})
		case pb.BatchDisposition_REJECTED:
			_, err = s.svc.RejectExportBatch(ctx, gatewayEnv("gateway:reject:"+p.batchID), commands.BatchRefInput{
				BatchID: p.batchID,
				Reason:  resp.RejectReason,
			})
		default:
			continue
		}
		if err != nil {
			return resolved, err
		}
		resolved++
		s.log.Info("batch resolved",
			zap.String("batch_id", p.batchID),
			zap.String("disposition", resp.Disposition.String()))
	}
	return resolved, nil
}

type pendingBatch struct {
	batchID string
	receipt string
}

// scanSubmittedBatches lists the batches awaiting a treasury disposition,
// releasing the view before the ack/reject commands begin writing.
func (s *Submitter) scanSubmittedBatches(ctx context.Context) ([]pendingBatch, error) {
	view, err := s.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Rollback()
	rows, err := view.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindOasisBatch})
	if err != nil {
		return nil, err
	}

	var open []pendingBatch
	for i := range rows {
		var b domain.BatchState
		if err := rows[i].Decode(&b); err != nil {
			return nil, err
		}
		if b.Status == domain.BatchSubmitted && b.GatewayRef != "" {
			open = append(open, pendingBatch{batchID: b.BatchID, receipt: b.GatewayRef})
		}
	}
	return open, nil
}

// Start launches the poll loop. It stops when ctx is cancelled; Wait blocks
// until it has drained.
func (s *Submitter) Start(ctx context.Context) {
	if s.cfg.PollInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.PollOnce(ctx); err != nil {
					s.log.Warn("disposition poll failed", zap.Error(err))
				}
			}
		}
	}()
}

// Wait blocks until the poll loop has exited.
func (s *Submitter) Wait() {
	s.wg.Wait()
}
