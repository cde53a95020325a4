// Package artifacts defines the content-addressed artifact records the
// store keeps alongside the event log: claim documentation, rendered OASIS
// files, acknowledgment files. Writes are idempotent because the digest is
// the identity.
package artifacts

import (
	"strings"
	"time"

	"github.com/wvsnp/backend/internal/domain"
)

// Artifact kinds.
const (
	KindProcedureReport   = "PROCEDURE_REPORT"
	KindClinicInvoice     = "CLINIC_INVOICE"
	KindRabiesCertificate = "RABIES_CERTIFICATE"
	KindCopayReceipt      = "COPAY_RECEIPT"
	KindOasisFile         = "OASIS_FILE"
	KindAckFile           = "ACK_FILE"
	KindAudit             = "AUDIT_DOCUMENT"
)

// Artifact is one stored blob. Digest is "sha256:<hex>" over Content.
type Artifact struct {
	Digest    string    `json:"digest"`
	Kind      string    `json:"kind"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	Content   []byte    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds an artifact from raw content, computing the digest.
func New(kind, mediaType string, content []byte) Artifact {
	return Artifact{
		Digest:    "sha256:" + domain.ArtifactDigest(content),
		Kind:      kind,
		MediaType: mediaType,
		Size:      int64(len(content)),
		Content:   content,
	}
}

// ValidRef reports whether a payload artifact reference looks like a
// digest this store could hold.
func ValidRef(ref string) bool {
	rest, ok := strings.CutPrefix(ref, "sha256:")
	if !ok || len(rest) != 64 {
		return false
	}
	for _, c := range rest {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
