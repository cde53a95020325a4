package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is fixed-point money in whole cents. Event payloads carry money as
// decimal digit strings; Cents never round-trips through a float.
type Cents int64

// ParseCents decodes a decimal digit string (optionally signed) into cents.
func ParseCents(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty money string")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid money string %q: %w", s, err)
	}
	return Cents(v), nil
}

// ParseAmount decodes a non-negative money field.
func ParseAmount(s string) (Cents, error) {
	c, err := ParseCents(s)
	if err != nil {
		return 0, err
	}
	if c < 0 {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	return c, nil
}

// String renders the canonical decimal digit encoding used in event payloads.
func (c Cents) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Dollars renders a human display form ("123.45") for logs and reports.
func (c Cents) Dollars() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Rate is a reimbursement ratio applied to eligible amounts.
type Rate struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Valid reports whether the rate is well formed.
func (r Rate) Valid() bool {
	return r.Den > 0 && r.Num >= 0
}

// Apply computes amount*Num/Den with half-up integer rounding.
func (r Rate) Apply(amount Cents) Cents {
	if r.Den == 0 {
		return 0
	}
	return Cents((int64(amount)*r.Num + r.Den/2) / r.Den)
}

// MinCents returns the smaller of two amounts.
func MinCents(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}
