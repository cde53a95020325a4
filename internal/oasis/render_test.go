package oasis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/domain"
)

func testMeta() BatchMeta {
	return BatchMeta{
		BatchCode:      "WVSNP-FY2026-TEST",
		GenerationDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		FundCode:       "WVSNP",
		OrgCode:        "WVDA",
		ObjectCode:     "5100",
	}
}

func testInvoices() []InvoiceLine {
	return []InvoiceLine{
		{InvoiceID: "i1", ClinicID: "clinic1", VendorCode: "VENDOR001", AmountCents: 50000, PeriodStart: "2026-01-01", PeriodEnd: "2026-01-31"},
		{InvoiceID: "i2", ClinicID: "clinic2", VendorCode: "VENDOR002", AmountCents: 75000, PeriodStart: "2026-01-01", PeriodEnd: "2026-01-31"},
	}
}

func TestRenderDeterministic(t *testing.T) {
	first, err := Render(testInvoices(), testMeta())
	require.NoError(t, err)
	second, err := Render(testInvoices(), testMeta())
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, 2, first.RecordCount)
	assert.Equal(t, domain.Cents(125000), first.ControlTotal)
}

func TestRenderRecordLayout(t *testing.T) {
	f, err := Render(testInvoices(), testMeta())
	require.NoError(t, err)

	content := string(f.Content)
	require.True(t, strings.HasSuffix(content, "\r\n"), "file must end with CRLF")

	lines := strings.Split(strings.TrimSuffix(content, "\r\n"), "\r\n")
	require.Len(t, lines, 4) // header + 2 details + footer
	for i, line := range lines {
		assert.Len(t, line, 100, "line %d", i)
	}

	header := lines[0]
	assert.Equal(t, "H", header[:1])
	assert.Equal(t, "WVSNP-FY2026-TEST   ", header[1:21])
	assert.Equal(t, "02012026", header[21:29])
	assert.Equal(t, "000002", header[29:35])
	assert.Equal(t, "000000125000", header[35:47])
	assert.Equal(t, "WVSNP", header[47:52])
	assert.Equal(t, "OASIS-1.0 ", header[52:62])

	detail := lines[1]
	assert.Equal(t, "D", detail[:1])
	assert.Equal(t, "VENDOR001 ", detail[1:11])
	assert.Equal(t, "i1             ", detail[11:26])
	assert.Equal(t, "01312026", detail[26:34])
	assert.Equal(t, "000000050000", detail[34:46])
	assert.Equal(t, "WVSNP", detail[46:51])
	assert.Equal(t, "WVDA ", detail[51:56])
	assert.Equal(t, "5100", detail[56:60])
	assert.Equal(t, "WVSNP Reimbursement 2026-01-01", detail[60:90])

	footer := lines[3]
	assert.Equal(t, "F", footer[:1])
	assert.Equal(t, "000002", footer[21:27])
	assert.Equal(t, "000000125000", footer[27:39])
}

func TestRenderEmptyBatch(t *testing.T) {
	f, err := Render(nil, testMeta())
	require.NoError(t, err)
	assert.Equal(t, 0, f.RecordCount)
	assert.Equal(t, domain.Cents(0), f.ControlTotal)

	lines := strings.Split(strings.TrimSuffix(string(f.Content), "\r\n"), "\r\n")
	assert.Len(t, lines, 2)
}

func TestRenderLongInvoiceIDTruncated(t *testing.T) {
	invoices := []InvoiceLine{{
		InvoiceID:   "invoice-0123456789-extra-long-id",
		VendorCode:  "V1",
		AmountCents: 100,
		PeriodStart: "2026-01-01",
		PeriodEnd:   "2026-01-31",
	}}
	f, err := Render(invoices, testMeta())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(f.Content), "\r\n"), "\r\n")
	assert.Equal(t, "invoice-0123456", lines[1][11:26])
}

func TestRenderNonASCIIReplaced(t *testing.T) {
	invoices := []InvoiceLine{{
		InvoiceID:   "ié1",
		VendorCode:  "V€1",
		AmountCents: 100,
		PeriodStart: "2026-01-01",
		PeriodEnd:   "2026-01-31",
	}}
	f, err := Render(invoices, testMeta())
	require.NoError(t, err)
	for _, b := range f.Content {
		assert.True(t, b == '\r' || b == '\n' || (b >= 0x20 && b <= 0x7e), "byte %#x not ascii", b)
	}
}

func TestRenderRejectsNegativeAmount(t *testing.T) {
	invoices := []InvoiceLine{{InvoiceID: "i1", VendorCode: "V1", AmountCents: -5, PeriodStart: "2026-01-01", PeriodEnd: "2026-01-31"}}
	_, err := Render(invoices, testMeta())
	require.Error(t, err)
	assert.Equal(t, domain.ErrBatchInvariant, domain.CodeOf(err))
}

func TestRenderRejectsBadPeriodEnd(t *testing.T) {
	invoices := []InvoiceLine{{InvoiceID: "i1", VendorCode: "V1", AmountCents: 100, PeriodStart: "2026-01-01", PeriodEnd: "01/31/2026"}}
	_, err := Render(invoices, testMeta())
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidDateFormat, domain.CodeOf(err))
}

func BenchmarkRender(b *testing.B) {
	invoices := make([]InvoiceLine, 200)
	for i := range invoices {
		invoices[i] = InvoiceLine{
			InvoiceID:   "invoice-" + string(rune('a'+i%26)),
			VendorCode:  "VENDOR001",
			AmountCents: domain.Cents(1000 + i),
			PeriodStart: "2026-01-01",
			PeriodEnd:   "2026-01-31",
		}
	}
	meta := testMeta()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Render(invoices, meta); err != nil {
			b.Fatal(err)
		}
	}
}
