package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var serviceDatePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})`)

// CanonicalServiceDate extracts the YYYY-MM-DD prefix of a date-of-service
// value, rejecting anything that does not start with one. Trailing time
// components are deliberately erased so resubmissions with and without a
// timestamp collapse to the same fingerprint.
func CanonicalServiceDate(dateOfService string) (string, error) {
	m := serviceDatePattern.FindStringSubmatch(strings.TrimSpace(dateOfService))
	if m == nil {
		return "", Errf(ErrInvalidDateFormat, "dateOfService %q must start with YYYY-MM-DD", dateOfService)
	}
	return m[1], nil
}

// ClaimFingerprint computes the durable dedup hash for a claim submission.
// The canonical string layout is part of the stored contract; it is indexed
// on the claim projection and must never change shape.
func ClaimFingerprint(voucherID, clinicID, procedureCode, dateOfService string, rabiesIncluded bool) (string, error) {
	canonDate, err := CanonicalServiceDate(dateOfService)
	if err != nil {
		return "", err
	}
	rabies := "0"
	if rabiesIncluded {
		rabies = "1"
	}
	canon := strings.ToLower(strings.TrimSpace(voucherID)) +
		":" + strings.ToLower(strings.TrimSpace(clinicID)) +
		":" + strings.ToUpper(strings.TrimSpace(procedureCode)) +
		":" + canonDate +
		":rabies=" + rabies
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// BatchFingerprint identifies the invoice set of an export batch. Invoice
// ids are sorted so the fingerprint is independent of selection order.
func BatchFingerprint(cycleID, periodStart, periodEnd string, invoiceIDs []string) string {
	sorted := make([]string, len(invoiceIDs))
	copy(sorted, invoiceIDs)
	sort.Strings(sorted)
	canon := cycleID + "|" + periodStart + "|" + periodEnd + "|" + strings.Join(sorted, ",")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// ArtifactDigest content-addresses a stored artifact.
func ArtifactDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
