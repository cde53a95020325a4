package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewEventID mints a time-ordered (version 7) UUID. The millisecond
// timestamp in the high bits makes lexical order track generation order,
// which is what the (ingested_at, event_id) replay tuple relies on.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; there is no
		// useful recovery for an id generator.
		panic(fmt.Sprintf("uuid v7 generation failed: %v", err))
	}
	return id.String()
}

// ValidateEventID enforces the time-ordered identifier format on append.
func ValidateEventID(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return Errf(ErrUUIDTimeOrderedRequired, "event_id %q is not a UUID", s)
	}
	if id.Version() != 7 {
		return Errf(ErrUUIDTimeOrderedRequired, "event_id %q is UUID v%d, need v7", s, id.Version())
	}
	return nil
}

// NewCorrelationID mints an id for grouping the events of one operation.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewClaimClientID mints a human-facing claim id: CLM-<cycleShort>-<hex8>.
func NewClaimClientID(cycleShort string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("random claim id: %v", err))
	}
	return fmt.Sprintf("CLM-%s-%s", strings.ToUpper(cycleShort), strings.ToUpper(hex.EncodeToString(b[:])))
}

// ValidateClaimClientID checks a caller-supplied claim id.
func ValidateClaimClientID(s string) error {
	parts := strings.Split(s, "-")
	if len(parts) < 3 || parts[0] != "CLM" {
		return Errf(ErrClaimIDInvalid, "claim id %q does not match CLM-<cycle>-<suffix>", s)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Errf(ErrClaimIDInvalid, "claim id %q has an empty segment", s)
		}
	}
	return nil
}

// NewRefID mints a short human-facing reference id: <PREFIX>-<hex8>. Used
// for invoices, payments, adjustments, batches, and filings.
func NewRefID(prefix string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("random ref id: %v", err))
	}
	return fmt.Sprintf("%s-%s", strings.ToUpper(prefix), strings.ToUpper(hex.EncodeToString(b[:])))
}

// FormatVoucherCode mints the allocator-backed voucher code
// {CYCLE_SHORT}-{COUNTY}-{SEQ} with the sequence zero-padded to five digits.
func FormatVoucherCode(cycleShort, county string, seq int64) string {
	return fmt.Sprintf("%s-%s-%05d", strings.ToUpper(cycleShort), strings.ToUpper(county), seq)
}
