// Command renderfile renders an OASIS fixed-width export file offline from
// a JSON batch description, for eyeballing the byte-exact output or handing
// finance a sample without touching a live store.
//
//	renderfile -in batch.json -out WVSNP-FY26-0228.txt
//
// The input mirrors the render inputs:
//
//	{
//	  "batchCode": "WVSNP-FY26-0228",
//	  "generationDate": "2026-03-01T00:00:00Z",
//	  "fundCode": "WVSNP",
//	  "orgCode": "WVDA",
//	  "objectCode": "5100",
//	  "invoices": [
//	    {"invoiceId": "INV-...", "vendorCode": "VET004411",
//	     "amountCents": 50000, "periodStart": "2026-02-01", "periodEnd": "2026-02-28"}
//	  ]
//	}
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/oasis"
)

type inputFile struct {
	BatchCode      string      `json:"batchCode"`
	GenerationDate time.Time   `json:"generationDate"`
	FundCode       string      `json:"fundCode"`
	OrgCode        string      `json:"orgCode"`
	ObjectCode     string      `json:"objectCode"`
	FormatVersion  string      `json:"formatVersion"`
	Invoices       []inputLine `json:"invoices"`
}

type inputLine struct {
	InvoiceID   string       `json:"invoiceId"`
	ClinicID    string       `json:"clinicId"`
	VendorCode  string       `json:"vendorCode"`
	AmountCents domain.Cents `json:"amountCents"`
	PeriodStart string       `json:"periodStart"`
	PeriodEnd   string       `json:"periodEnd"`
}

func main() {
	inPath := flag.String("in", "", "JSON batch description (default stdin)")
	outPath := flag.String("out", "", "output file (default stdout)")
	flag.Parse()

	in := os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			fail("open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	var spec inputFile
	if err := json.NewDecoder(in).Decode(&spec); err != nil {
		fail("parse input: %v", err)
	}
	if spec.GenerationDate.IsZero() {
		spec.GenerationDate = time.Now().UTC()
	}

	lines := make([]oasis.InvoiceLine, len(spec.Invoices))
	for i, l := range spec.Invoices {
		lines[i] = oasis.InvoiceLine{
			InvoiceID:   l.InvoiceID,
			ClinicID:    l.ClinicID,
			VendorCode:  l.VendorCode,
			AmountCents: l.AmountCents,
			PeriodStart: l.PeriodStart,
			PeriodEnd:   l.PeriodEnd,
		}
	}

	file, err := oasis.Render(lines, oasis.BatchMeta{
		BatchCode:      spec.BatchCode,
		GenerationDate: spec.GenerationDate,
		FundCode:       spec.FundCode,
		OrgCode:        spec.OrgCode,
		ObjectCode:     spec.ObjectCode,
		FormatVersion:  spec.FormatVersion,
	})
	if err != nil {
		fail("render: %v", err)
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fail("create output: %v", err)
		}
		defer f.Close()
		out = f
	}
	if _, err := out.Write(file.Content); err != nil {
		fail("write: %v", err)
	}
	fmt.Fprintf(os.Stderr, "records=%d control_total_cents=%d sha256=%s\n",
		file.RecordCount, int64(file.ControlTotal), file.SHA256)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
