package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/wvsnp/backend/internal/circuitbreaker"
	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/storage/memory"
	"github.com/wvsnp/backend/pb"
)

const (
	testCycle  = "cycle-fy26"
	testClinic = "clinic-elkview"
)

type fixture struct {
	svc   *commands.Service
	store *memory.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		f.now = f.now.Add(time.Microsecond)
		return f.now
	}
	f.store = memory.NewWithClock(clock)
	f.svc = commands.New(f.store, projection.New(nil), closeout.New(nil), nil,
		metrics.New(prometheus.NewRegistry()), nil, commands.Options{Clock: clock})
	return f
}

func (f *fixture) clock() func() time.Time {
	return func() time.Time {
		f.now = f.now.Add(time.Microsecond)
		return f.now
	}
}

func env(key string) commands.Envelope {
	return commands.Envelope{IdempotencyKey: key, ActorID: "user:admin", ActorKind: domain.ActorAdmin}
}

func ref(content string) string {
	return "sha256:" + domain.ArtifactDigest([]byte(content))
}

// renderedBatch drives a cycle through voucher, claim, invoice, and batch
// render, returning the batch id ready for transmission.
func (f *fixture) renderedBatch(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.CreateGrantCycle(ctx, env("gw-seed-cycle"), commands.CreateGrantCycleInput{
		CycleID:             testCycle,
		CycleShort:          "FY26",
		PeriodStart:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:           time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
		ClaimsDeadline:      time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		AwardedGeneralCents: 100000,
		RateNum:             1,
		RateDen:             1,
	})
	require.NoError(t, err)
	_, err = f.svc.RegisterClinic(ctx, env("gw-seed-clinic"), commands.RegisterClinicInput{
		ClinicID:         testClinic,
		Name:             "Elkview Veterinary Clinic",
		LicenseNumber:    "WV-VET-4411",
		LicenseExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		OasisVendorCode:  "VET004411",
	})
	require.NoError(t, err)

	voucher, err := f.svc.IssueVoucher(ctx, env("gw-issue-1"), commands.IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-gw-1",
		MaxReimbursementCents: 50000,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	claim, err := f.svc.SubmitClaim(ctx, env("gw-claim-1"), commands.SubmitClaimInput{
		VoucherID:          voucher.VoucherID,
		ClinicID:           testClinic,
		ProcedureCode:      "SPAY",
		DateOfService:      "2026-02-10",
		AmountCents:        50000,
		ProcedureReportRef: ref("report-gw-1"),
		ClinicInvoiceRef:   ref("invoice-gw-1"),
	})
	require.NoError(t, err)
	_, err = f.svc.AdjudicateClaim(ctx, env("gw-approve-1"), commands.AdjudicateClaimInput{
		ClaimID:       claim.ClaimID,
		Decision:      commands.DecisionApprove,
		DecisionBasis: "documentation complete",
	})
	require.NoError(t, err)

	inv, err := f.svc.GenerateInvoice(ctx, env("gw-invoice-1"), commands.GenerateInvoiceInput{
		CycleID:     testCycle,
		ClinicID:    testClinic,
		PeriodStart: "2026-02-01",
		PeriodEnd:   "2026-02-28",
	})
	require.NoError(t, err)
	_, err = f.svc.SubmitInvoice(ctx, env("gw-submit-inv-1"), commands.SubmitInvoiceInput{InvoiceID: inv.InvoiceID})
	require.NoError(t, err)

	batch, err := f.svc.GenerateExportBatch(ctx, env("gw-batch-1"), commands.GenerateExportBatchInput{
		CycleID:     testCycle,
		PeriodStart: "2026-02-01",
		PeriodEnd:   "2026-02-28",
	})
	require.NoError(t, err)
	_, err = f.svc.RenderExportFile(ctx, env("gw-render-1"), commands.RenderExportFileInput{BatchID: batch.BatchID})
	require.NoError(t, err)
	return batch.BatchID
}

func (f *fixture) batchState(t *testing.T, batchID string) *domain.BatchState {
	t.Helper()
	view, err := f.store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()
	row, err := view.GetProjection(context.Background(), domain.KindOasisBatch, batchID)
	require.NoError(t, err)
	require.NotNil(t, row)
	var st domain.BatchState
	require.NoError(t, row.Decode(&st))
	return &st
}

// scriptedClient lets a test choose the disposition and inject failures.
type scriptedClient struct {
	mock        *pb.MockGatewayClient
	disposition pb.BatchDisposition
	submitErr   error
	submits     int
}

func newScriptedClient(d pb.BatchDisposition) *scriptedClient {
	return &scriptedClient{mock: pb.NewMockGatewayClient(), disposition: d}
}

func (c *scriptedClient) SubmitBatch(ctx context.Context, in *pb.SubmitBatchRequest, opts ...grpc.CallOption) (*pb.SubmitBatchResponse, error) {
	c.submits++
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	return c.mock.SubmitBatch(ctx, in, opts...)
}

func (c *scriptedClient) GetBatchStatus(ctx context.Context, in *pb.GetBatchStatusRequest, opts ...grpc.CallOption) (*pb.GetBatchStatusResponse, error) {
	resp, err := c.mock.GetBatchStatus(ctx, in, opts...)
	if err != nil || resp.Disposition == pb.BatchDisposition_PENDING {
		return resp, err
	}
	resp.Disposition = c.disposition
	if c.disposition == pb.BatchDisposition_REJECTED {
		resp.Reference = ""
		resp.RejectReason = "vendor code not on file"
	}
	return resp, nil
}

func TestTransmitSubmitsRenderedBatch(t *testing.T) {
	f := newFixture(t)
	batchID := f.renderedBatch(t)
	client := newScriptedClient(pb.BatchDisposition_ACCEPTED)
	sub := New(client, f.svc, f.store, nil, nil, f.clock(), Config{})
	ctx := context.Background()

	receipt, err := sub.Transmit(ctx, batchID)
	require.NoError(t, err)
	require.NotEmpty(t, receipt)

	st := f.batchState(t, batchID)
	assert.Equal(t, domain.BatchSubmitted, st.Status)
	assert.Equal(t, receipt, st.GatewayRef)

	// Retransmission replays the recorded receipt without a second RPC.
	again, err := sub.Transmit(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, receipt, again)
	assert.Equal(t, 1, client.submits)
}

func TestTransmitRequiresRenderedFile(t *testing.T) {
	f := newFixture(t)
	sub := New(nil, f.svc, f.store, nil, nil, f.clock(), Config{})

	_, err := sub.Transmit(context.Background(), "BATCH-nope")
	assert.Equal(t, domain.ErrBatchNotFound, domain.CodeOf(err))
}

func TestPollAcknowledgesAcceptedBatch(t *testing.T) {
	f := newFixture(t)
	batchID := f.renderedBatch(t)
	sub := New(newScriptedClient(pb.BatchDisposition_ACCEPTED), f.svc, f.store, nil, nil, f.clock(), Config{})
	ctx := context.Background()

	_, err := sub.Transmit(ctx, batchID)
	require.NoError(t, err)

	resolved, err := sub.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	st := f.batchState(t, batchID)
	assert.Equal(t, domain.BatchAcknowledged, st.Status)
	assert.NotEmpty(t, st.AckRef)

	// Nothing left pending.
	resolved, err = sub.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)
}

func TestPollRejectionFreesTheBatch(t *testing.T) {
	f := newFixture(t)
	batchID := f.renderedBatch(t)
	sub := New(newScriptedClient(pb.BatchDisposition_REJECTED), f.svc, f.store, nil, nil, f.clock(), Config{})
	ctx := context.Background()

	_, err := sub.Transmit(ctx, batchID)
	require.NoError(t, err)

	resolved, err := sub.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	st := f.batchState(t, batchID)
	assert.Equal(t, domain.BatchRejected, st.Status)
}

func TestBreakerOpenSurfacesAsTransient(t *testing.T) {
	f := newFixture(t)
	batchID := f.renderedBatch(t)
	client := newScriptedClient(pb.BatchDisposition_ACCEPTED)
	client.submitErr = errors.New("connection refused")
	sub := New(client, f.svc, f.store, nil, nil, f.clock(), Config{
		Breaker: circuitbreaker.Config{
			ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
			Timeout:     time.Hour,
			Clock:       f.clock(),
		},
	})
	ctx := context.Background()

	_, err := sub.Transmit(ctx, batchID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrStorageTimeout, domain.CodeOf(err))
	assert.True(t, domain.IsTransient(err))

	// The breaker is open now; the remote is not touched again.
	_, err = sub.Transmit(ctx, batchID)
	assert.Equal(t, domain.ErrStorageTimeout, domain.CodeOf(err))
	assert.Equal(t, 1, client.submits)
}
