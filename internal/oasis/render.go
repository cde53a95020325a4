// Package oasis renders the fixed-width treasury export file. The renderer
// is a pure function of its inputs: equal inputs produce byte-identical
// output and therefore an identical sha-256, which is what makes re-render
// idempotence and batch audit trails possible. Nothing in here touches
// storage.
package oasis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/wvsnp/backend/internal/domain"
)

// FormatVersion identifies the record layout. It travels in the header and
// in the OASIS_EXPORT_FILE_RENDERED event.
const FormatVersion = "OASIS-1.0"

// recordWidth is the exact length of every rendered line.
const recordWidth = 100

const recordSep = "\r\n"

// InvoiceLine is one detail record's worth of input.
type InvoiceLine struct {
	InvoiceID   string
	ClinicID    string
	VendorCode  string
	AmountCents domain.Cents
	PeriodStart string // YYYY-MM-DD
	PeriodEnd   string // YYYY-MM-DD
}

// BatchMeta is the header/footer input.
type BatchMeta struct {
	BatchCode      string
	GenerationDate time.Time
	FundCode       string
	OrgCode        string
	ObjectCode     string
	FormatVersion  string // defaults to FormatVersion when empty
}

// File is the rendered result.
type File struct {
	Content       []byte
	RecordCount   int
	ControlTotal  domain.Cents
	SHA256        string
	FormatVersion string
}

// Render maps an ordered invoice list and batch metadata to the fixed-width
// file. The caller owns the ordering; the renderer writes lines in the
// order given.
func Render(invoices []InvoiceLine, meta BatchMeta) (*File, error) {
	version := meta.FormatVersion
	if version == "" {
		version = FormatVersion
	}

	var controlTotal domain.Cents
	for _, inv := range invoices {
		if inv.AmountCents < 0 {
			return nil, domain.Errf(domain.ErrBatchInvariant,
				"invoice %s has negative amount %d", inv.InvoiceID, inv.AmountCents)
		}
		controlTotal += inv.AmountCents
	}
	recordCount := len(invoices)

	var sb strings.Builder
	sb.Grow((recordCount + 2) * (recordWidth + len(recordSep)))

	header := "H" +
		padRight(meta.BatchCode, 20) +
		formatDate(meta.GenerationDate) +
		fmt.Sprintf("%06d", recordCount) +
		fmt.Sprintf("%012d", controlTotal) +
		padRight(meta.FundCode, 5) +
		padRight(version, 10) +
		strings.Repeat(" ", 38)
	sb.WriteString(header)
	sb.WriteString(recordSep)

	for _, inv := range invoices {
		end, err := parseDay(inv.PeriodEnd)
		if err != nil {
			return nil, domain.Errf(domain.ErrInvalidDateFormat,
				"invoice %s period_end %q: %v", inv.InvoiceID, inv.PeriodEnd, err)
		}
		desc := "WVSNP Reimbursement " + inv.PeriodStart
		detail := "D" +
			padRight(inv.VendorCode, 10) +
			padRight(truncate(inv.InvoiceID, 15), 15) +
			formatDate(end) +
			fmt.Sprintf("%012d", inv.AmountCents) +
			padRight(meta.FundCode, 5) +
			padRight(meta.OrgCode, 5) +
			padRight(meta.ObjectCode, 4) +
			padRight(truncate(desc, 30), 30) +
			strings.Repeat(" ", 10)
		sb.WriteString(detail)
		sb.WriteString(recordSep)
	}

	footer := "F" +
		padRight(meta.BatchCode, 20) +
		fmt.Sprintf("%06d", recordCount) +
		fmt.Sprintf("%012d", controlTotal) +
		strings.Repeat(" ", 61)
	sb.WriteString(footer)
	sb.WriteString(recordSep)

	content := []byte(sb.String())
	if err := checkRecordWidths(content); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	return &File{
		Content:       content,
		RecordCount:   recordCount,
		ControlTotal:  controlTotal,
		SHA256:        hex.EncodeToString(sum[:]),
		FormatVersion: version,
	}, nil
}

// checkRecordWidths asserts the post-condition that every rendered line is
// exactly recordWidth ASCII characters. A failure here is a renderer bug,
// not bad input.
func checkRecordWidths(content []byte) error {
	body := strings.TrimSuffix(string(content), recordSep)
	for i, line := range strings.Split(body, recordSep) {
		if len(line) != recordWidth {
			return domain.Errf(domain.ErrBatchInvariant,
				"record %d is %d characters, want %d", i, len(line), recordWidth)
		}
	}
	return nil
}

// padRight space-pads s to width, replacing non-ASCII bytes so the file
// stays within the us-ascii contract. Oversized values are truncated.
func padRight(s string, width int) string {
	s = asciiOnly(s)
	if len(s) > width {
		s = s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, width int) string {
	s = asciiOnly(s)
	if len(s) > width {
		return s[:width]
	}
	return s
}

func asciiOnly(s string) string {
	clean := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			c = '?'
		}
		clean[i] = c
	}
	return string(clean)
}

func formatDate(t time.Time) string {
	return t.Format("01022006")
}

func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
