package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCents(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Cents
		wantErr bool
	}{
		{name: "plain", in: "12345", want: 12345},
		{name: "zero", in: "0", want: 0},
		{name: "negative", in: "-250", want: -250},
		{name: "whitespace trimmed", in: " 500 ", want: 500},
		{name: "empty", in: "", wantErr: true},
		{name: "decimal point", in: "123.45", wantErr: true},
		{name: "non numeric", in: "abc", wantErr: true},
		{name: "overflow", in: "99999999999999999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCents(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAmountRejectsNegative(t *testing.T) {
	_, err := ParseAmount("-1")
	require.Error(t, err)

	got, err := ParseAmount("40000")
	require.NoError(t, err)
	assert.Equal(t, Cents(40000), got)
}

func TestCentsRoundTrip(t *testing.T) {
	for _, v := range []Cents{0, 1, 99, 100, 123456789, -42} {
		parsed, err := ParseCents(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
}

func TestCentsDollars(t *testing.T) {
	assert.Equal(t, "0.00", Cents(0).Dollars())
	assert.Equal(t, "1.05", Cents(105).Dollars())
	assert.Equal(t, "1234.00", Cents(123400).Dollars())
	assert.Equal(t, "-0.99", Cents(-99).Dollars())
}

func TestRateApplyHalfUp(t *testing.T) {
	tests := []struct {
		name   string
		rate   Rate
		amount Cents
		want   Cents
	}{
		{name: "exact", rate: Rate{Num: 1, Den: 2}, amount: 100, want: 50},
		{name: "rounds up at half", rate: Rate{Num: 1, Den: 2}, amount: 101, want: 51},
		{name: "rounds down below half", rate: Rate{Num: 1, Den: 3}, amount: 100, want: 33},
		{name: "rounds up above half", rate: Rate{Num: 2, Den: 3}, amount: 100, want: 67},
		{name: "full rate", rate: Rate{Num: 1, Den: 1}, amount: 40000, want: 40000},
		{name: "ninety percent", rate: Rate{Num: 9, Den: 10}, amount: 40005, want: 36005},
		{name: "zero amount", rate: Rate{Num: 3, Den: 4}, amount: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rate.Apply(tt.amount))
		})
	}
}

func TestRateValid(t *testing.T) {
	assert.True(t, Rate{Num: 3, Den: 4}.Valid())
	assert.False(t, Rate{Num: 1, Den: 0}.Valid())
	assert.False(t, Rate{Num: -1, Den: 4}.Valid())
}
