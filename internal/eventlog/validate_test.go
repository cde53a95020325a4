package eventlog

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/domain"
)

func validEvent() *domain.Event {
	return &domain.Event{
		EventID:       domain.NewEventID(),
		AggregateKind: domain.KindVoucher,
		AggregateID:   "FY26-KANAWHA-00001",
		EventType:     domain.EventVoucherIssued,
		EventData:     map[string]interface{}{"county": "KANAWHA", "seq": float64(1)},
		OccurredAt:    time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		CycleID:       "cycle-1",
		CorrelationID: domain.NewCorrelationID(),
		ActorID:       "user:admin",
		ActorKind:     domain.ActorAdmin,
	}
}

func TestValidateForAppendAccepts(t *testing.T) {
	require.NoError(t, ValidateForAppend(validEvent()))
}

func TestValidateForAppendRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Event)
		code   string
	}{
		{name: "random uuid", mutate: func(e *domain.Event) { e.EventID = uuid.NewString() }, code: domain.ErrUUIDTimeOrderedRequired},
		{name: "garbage id", mutate: func(e *domain.Event) { e.EventID = "ev-123" }, code: domain.ErrUUIDTimeOrderedRequired},
		{name: "lowercase type", mutate: func(e *domain.Event) { e.EventType = "voucher_issued" }, code: domain.ErrEventTypeInvalid},
		{name: "dashed type", mutate: func(e *domain.Event) { e.EventType = "VOUCHER-ISSUED" }, code: domain.ErrEventTypeInvalid},
		{name: "empty type", mutate: func(e *domain.Event) { e.EventType = "" }, code: domain.ErrEventTypeInvalid},
		{name: "no aggregate", mutate: func(e *domain.Event) { e.AggregateID = "" }, code: domain.ErrEventEnvelopeInvalid},
		{name: "no occurred_at", mutate: func(e *domain.Event) { e.OccurredAt = time.Time{} }, code: domain.ErrEventEnvelopeInvalid},
		{name: "no cycle", mutate: func(e *domain.Event) { e.CycleID = "" }, code: domain.ErrEventEnvelopeInvalid},
		{name: "no correlation", mutate: func(e *domain.Event) { e.CorrelationID = "" }, code: domain.ErrEventEnvelopeInvalid},
		{name: "no actor", mutate: func(e *domain.Event) { e.ActorID = "" }, code: domain.ErrEventEnvelopeInvalid},
		{name: "unknown actor kind", mutate: func(e *domain.Event) { e.ActorKind = "ROBOT" }, code: domain.ErrEventEnvelopeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(ev)
			err := ValidateForAppend(ev)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}
}

func TestCheckNoBigInts(t *testing.T) {
	ok := map[string]interface{}{
		"amountCents": "4611686018427387904",
		"seq":         float64(42),
		"ratio":       0.5,
		"nested":      map[string]interface{}{"count": float64(9007199254740991)},
		"list":        []interface{}{float64(1), "two", true, nil},
	}
	require.NoError(t, CheckNoBigInts(ok))

	tests := []struct {
		name string
		data map[string]interface{}
	}{
		{name: "big.Int pointer", data: map[string]interface{}{"amount": big.NewInt(1)}},
		{name: "float past 2^53", data: map[string]interface{}{"amount": float64(9007199254740993)}},
		{name: "negative float past 2^53", data: map[string]interface{}{"amount": float64(-9007199254740993)}},
		{name: "json.Number past 2^53", data: map[string]interface{}{"amount": json.Number("9007199254740993")}},
		{name: "json.Number past int64", data: map[string]interface{}{"amount": json.Number("92233720368547758080")}},
		{name: "huge exponent", data: map[string]interface{}{"amount": json.Number("1e300")}},
		{name: "nested offender", data: map[string]interface{}{"outer": map[string]interface{}{"inner": []interface{}{big.NewInt(7)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckNoBigInts(tt.data)
			require.Error(t, err)
			assert.Equal(t, domain.ErrEventDataBigintForbidden, domain.CodeOf(err))
		})
	}

	// Small json.Number values are fine when a decoder ran with UseNumber.
	assert.NoError(t, CheckNoBigInts(map[string]interface{}{"seq": json.Number("41")}))
}

func TestValidateForAppendChecksPayload(t *testing.T) {
	ev := validEvent()
	ev.EventData["awarded"] = big.NewInt(1_000_000_000)
	err := ValidateForAppend(ev)
	require.Error(t, err)
	assert.Equal(t, domain.ErrEventDataBigintForbidden, domain.CodeOf(err))
}
