package commands

import (
	"context"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/domain"
)

// AttachArtifactInput uploads a document into the content-addressed store
// and records the attachment. Content is base64 on the wire; encoding/json
// handles the []byte conversion.
type AttachArtifactInput struct {
	CycleID   string `json:"cycleId"`
	Kind      string `json:"kind"`
	MediaType string `json:"mediaType"`
	Content   []byte `json:"content"`
}

// AttachArtifactResult reports the stored digest. The digest is the
// reference claims and batches carry in their payloads.
type AttachArtifactResult struct {
	ArtifactRef string `json:"artifactRef"`
	Size        int64  `json:"size"`
}

var artifactKinds = map[string]bool{
	artifacts.KindProcedureReport:   true,
	artifacts.KindClinicInvoice:     true,
	artifacts.KindRabiesCertificate: true,
	artifacts.KindCopayReceipt:      true,
	artifacts.KindOasisFile:         true,
	artifacts.KindAckFile:           true,
	artifacts.KindAudit:             true,
}

// AttachArtifact stores the content and appends the attachment record.
// Storage is idempotent on the digest, so re-uploading the same bytes is
// harmless; attachments stay recordable after the cycle closes.
func (s *Service) AttachArtifact(ctx context.Context, env Envelope, in AttachArtifactInput) (*AttachArtifactResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}
	if !artifactKinds[in.Kind] {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "unknown artifact kind %q", in.Kind)
	}
	if len(in.Content) == 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "content is empty")
	}
	if in.MediaType == "" {
		in.MediaType = "application/octet-stream"
	}

	return decode[AttachArtifactResult](s.execute(ctx, env, "AttachArtifact", in, func(ctx context.Context, x *exec) (interface{}, error) {
		artifact := artifacts.New(in.Kind, in.MediaType, in.Content)
		if err := x.tx.PutArtifact(ctx, artifact); err != nil {
			return nil, err
		}

		_, err := x.append(ctx, domain.KindArtifact, artifact.Digest, in.CycleID, domain.EventArtifactAttached, map[string]interface{}{
			"kind":      in.Kind,
			"mediaType": in.MediaType,
			"size":      artifact.Size,
		})
		if err != nil {
			return nil, err
		}
		return &AttachArtifactResult{ArtifactRef: artifact.Digest, Size: artifact.Size}, nil
	}))
}
