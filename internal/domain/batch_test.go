package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderedBatch(t *testing.T) *BatchState {
	t.Helper()
	b := NewBatchState("batch-1")
	b.Apply(&Event{
		EventID:       NewEventID(),
		AggregateKind: KindOasisBatch,
		AggregateID:   "batch-1",
		EventType:     EventBatchCreated,
		CycleID:       "cycle-1",
		EventData: map[string]interface{}{
			"batchCode":           "WVSNP-FY26-0007",
			"fingerprint":         "abc123",
			"periodStart":         "2026-03-01",
			"periodEnd":           "2026-03-31",
			"watermarkIngestedAt": "2026-04-01T00:00:00Z",
			"watermarkEventId":    NewEventID(),
		},
	})
	b.Apply(&Event{EventType: EventBatchItemAdded, EventData: map[string]interface{}{
		"seq": float64(1), "invoiceId": "inv-1", "vendorCode": "VC0000001", "amountCents": "100000",
	}})
	b.Apply(&Event{EventType: EventBatchItemAdded, EventData: map[string]interface{}{
		"seq": float64(2), "invoiceId": "inv-2", "vendorCode": "VC0000002", "amountCents": "25000",
	}})
	b.Apply(&Event{EventType: EventBatchFileRendered, EventData: map[string]interface{}{
		"recordCount":       float64(2),
		"controlTotalCents": "125000",
		"contentLength":     float64(510),
		"sha256":            "deadbeef",
		"formatVersion":     "OASIS-1.0",
		"artifactRef":       "sha256:deadbeef",
	}})
	return b
}

func TestBatchStateFold(t *testing.T) {
	b := renderedBatch(t)

	assert.Equal(t, BatchFileRendered, b.Status)
	assert.Equal(t, "WVSNP-FY26-0007", b.BatchCode)
	assert.Equal(t, 2, b.RecordCount)
	assert.Equal(t, Cents(125000), b.ControlTotal)
	assert.Equal(t, []string{"inv-1", "inv-2"}, b.InvoiceIDs())
	assert.False(t, b.Watermark.IsZero())
	require.NoError(t, b.CheckInvariant())

	b.Apply(&Event{
		EventType:  EventBatchSubmitted,
		OccurredAt: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
		EventData:  map[string]interface{}{"gatewayRef": "gw-55"},
	})
	assert.Equal(t, BatchSubmitted, b.Status)
	assert.Equal(t, "gw-55", b.GatewayRef)
	assert.False(t, b.SubmittedAt.IsZero())

	b.Apply(&Event{EventType: EventBatchAcknowledged, EventData: map[string]interface{}{"ackRef": "ack-7"}})
	assert.Equal(t, BatchAcknowledged, b.Status)
	assert.Equal(t, "ack-7", b.AckRef)
}

func TestBatchInvariantCountAndTotal(t *testing.T) {
	b := renderedBatch(t)
	require.NoError(t, b.CheckInvariant())

	b.RecordCount = 3
	err := b.CheckInvariant()
	require.Error(t, err)
	assert.Equal(t, ErrBatchInvariant, CodeOf(err))

	b.RecordCount = 2
	b.ControlTotal = 125001
	err = b.CheckInvariant()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control total")

	// The counts are not enforced before the file exists.
	created := NewBatchState("batch-2")
	created.Status = BatchCreated
	created.RecordCount = 99
	assert.NoError(t, created.CheckInvariant())
}

func TestBatchGuards(t *testing.T) {
	missing := NewBatchState("nope")
	assert.Equal(t, ErrBatchNotFound, CodeOf(missing.CanRender()))
	assert.Equal(t, ErrBatchNotFound, CodeOf(missing.CanSubmit()))
	assert.Equal(t, ErrBatchNotFound, CodeOf(missing.CanVoid()))
	assert.Equal(t, ErrBatchNotFound, CodeOf(missing.CanResolve()))

	created := NewBatchState("b")
	created.Status = BatchCreated
	assert.NoError(t, created.CanRender())
	assert.Equal(t, ErrBatchNotRendered, CodeOf(created.CanSubmit()))
	assert.NoError(t, created.CanVoid())
	assert.Equal(t, ErrBatchNotSubmitted, CodeOf(created.CanResolve()))

	rendered := renderedBatch(t)
	assert.NoError(t, rendered.CanRender(), "re-render is allowed")
	assert.NoError(t, rendered.CanSubmit())
	assert.NoError(t, rendered.CanVoid())
	assert.Equal(t, ErrBatchNotSubmitted, CodeOf(rendered.CanResolve()))

	submitted := renderedBatch(t)
	submitted.Apply(&Event{EventType: EventBatchSubmitted})
	assert.Equal(t, ErrBatchAlreadySubmitted, CodeOf(submitted.CanRender()))
	assert.Equal(t, ErrBatchAlreadySubmitted, CodeOf(submitted.CanSubmit()))
	assert.Equal(t, ErrBatchAlreadySubmitted, CodeOf(submitted.CanVoid()))
	assert.NoError(t, submitted.CanResolve())

	rejected := renderedBatch(t)
	rejected.Apply(&Event{EventType: EventBatchSubmitted})
	rejected.Apply(&Event{EventType: EventBatchRejected, EventData: map[string]interface{}{"reason": "bad fund code"}})
	assert.NoError(t, rejected.CanVoid(), "rejected batches may be voided and replaced")
	assert.Equal(t, "bad fund code", rejected.CloseReason)

	voided := renderedBatch(t)
	voided.Apply(&Event{EventType: EventBatchVoided, EventData: map[string]interface{}{"reason": "operator"}})
	assert.Equal(t, ErrBatchAlreadyVoided, CodeOf(voided.CanRender()))
	assert.Equal(t, ErrBatchAlreadyVoided, CodeOf(voided.CanSubmit()))
	assert.Equal(t, ErrBatchAlreadyVoided, CodeOf(voided.CanVoid()))
	assert.Equal(t, ErrBatchAlreadyVoided, CodeOf(voided.CanResolve()))
}
