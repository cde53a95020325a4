package commands

import (
	"context"
	"time"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// Clinics span grant cycles. Their events carry the GLOBAL sentinel cycle
// to satisfy the envelope contract; the clinic projection row itself is
// stored cycle-less.
const globalCycle = "GLOBAL"

// RegisterClinicInput enrolls a provider. The OASIS vendor code is what the
// treasury export keys payments on; a clinic without one can never appear
// on an export batch.
type RegisterClinicInput struct {
	ClinicID         string    `json:"clinicId"`
	Name             string    `json:"name"`
	LicenseNumber    string    `json:"licenseNumber"`
	LicenseStatus    string    `json:"licenseStatus"`
	LicenseExpiresAt time.Time `json:"licenseExpiresAt"`
	OasisVendorCode  string    `json:"oasisVendorCode"`
	PaymentMethod    string    `json:"paymentMethod,omitempty"`
	RemitTo          string    `json:"remitTo,omitempty"`
}

// RegisterClinicResult reports the clinic. Created is false when the clinic
// was already registered.
type RegisterClinicResult struct {
	ClinicID string `json:"clinicId"`
	Created  bool   `json:"created"`
}

// RegisterClinic enrolls a clinic as an active provider.
func (s *Service) RegisterClinic(ctx context.Context, env Envelope, in RegisterClinicInput) (*RegisterClinicResult, error) {
	if in.ClinicID == "" || in.Name == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "clinicId and name are required")
	}
	if in.LicenseNumber == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "licenseNumber is required")
	}
	if in.LicenseStatus == "" {
		in.LicenseStatus = domain.LicenseActive
	}

	return decode[RegisterClinicResult](s.execute(ctx, env, "RegisterClinic", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockClinic, ID: in.ClinicID}); err != nil {
			return nil, err
		}
		clinic, err := foldClinic(ctx, x.tx, in.ClinicID)
		if err != nil {
			return nil, err
		}
		if clinic.Exists() {
			return &RegisterClinicResult{ClinicID: in.ClinicID, Created: false}, nil
		}

		_, err = x.append(ctx, domain.KindClinic, in.ClinicID, globalCycle, domain.EventClinicRegistered, map[string]interface{}{
			"name":             in.Name,
			"licenseNumber":    in.LicenseNumber,
			"licenseStatus":    in.LicenseStatus,
			"licenseExpiresAt": in.LicenseExpiresAt.UTC().Format(time.RFC3339),
			"oasisVendorCode":  in.OasisVendorCode,
			"paymentMethod":    in.PaymentMethod,
			"remitTo":          in.RemitTo,
		})
		if err != nil {
			return nil, err
		}
		return &RegisterClinicResult{ClinicID: in.ClinicID, Created: true}, nil
	}))
}

// UpdateClinicLicenseInput replaces a clinic's license on record.
type UpdateClinicLicenseInput struct {
	ClinicID         string    `json:"clinicId"`
	LicenseNumber    string    `json:"licenseNumber"`
	LicenseStatus    string    `json:"licenseStatus"`
	LicenseExpiresAt time.Time `json:"licenseExpiresAt"`
}

// ClinicStatusResult reports a clinic's status after a lifecycle command.
type ClinicStatusResult struct {
	ClinicID string `json:"clinicId"`
	Status   string `json:"status"`
}

// UpdateClinicLicense replaces the license record. Claims already submitted
// are untouched: license validity is always checked against the service
// date, not against the current record retroactively.
func (s *Service) UpdateClinicLicense(ctx context.Context, env Envelope, in UpdateClinicLicenseInput) (*ClinicStatusResult, error) {
	if in.ClinicID == "" || in.LicenseNumber == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "clinicId and licenseNumber are required")
	}
	switch in.LicenseStatus {
	case domain.LicenseActive, domain.LicenseLapsed, domain.LicenseRevoked:
	default:
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "licenseStatus %q unknown", in.LicenseStatus)
	}

	return decode[ClinicStatusResult](s.execute(ctx, env, "UpdateClinicLicense", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockClinic, ID: in.ClinicID}); err != nil {
			return nil, err
		}
		clinic, err := foldClinic(ctx, x.tx, in.ClinicID)
		if err != nil {
			return nil, err
		}
		if !clinic.Exists() {
			return nil, domain.Errf(domain.ErrClinicNotFound, "clinic %s does not exist", in.ClinicID)
		}

		_, err = x.append(ctx, domain.KindClinic, in.ClinicID, globalCycle, domain.EventClinicLicenseUpdated, map[string]interface{}{
			"licenseNumber":    in.LicenseNumber,
			"licenseStatus":    in.LicenseStatus,
			"licenseExpiresAt": in.LicenseExpiresAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		return &ClinicStatusResult{ClinicID: in.ClinicID, Status: clinic.Status}, nil
	}))
}

// SuspendClinicInput takes a clinic out of service.
type SuspendClinicInput struct {
	ClinicID string `json:"clinicId"`
	Reason   string `json:"reason"`
}

// SuspendClinic blocks new claim submissions naming the clinic. Already
// submitted claims continue through adjudication.
func (s *Service) SuspendClinic(ctx context.Context, env Envelope, in SuspendClinicInput) (*ClinicStatusResult, error) {
	if in.ClinicID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "clinicId is required")
	}

	return decode[ClinicStatusResult](s.execute(ctx, env, "SuspendClinic", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockClinic, ID: in.ClinicID}); err != nil {
			return nil, err
		}
		clinic, err := foldClinic(ctx, x.tx, in.ClinicID)
		if err != nil {
			return nil, err
		}
		if !clinic.Exists() {
			return nil, domain.Errf(domain.ErrClinicNotFound, "clinic %s does not exist", in.ClinicID)
		}
		if clinic.Status == domain.ClinicSuspended {
			return &ClinicStatusResult{ClinicID: in.ClinicID, Status: clinic.Status}, nil
		}

		_, err = x.append(ctx, domain.KindClinic, in.ClinicID, globalCycle, domain.EventClinicSuspended, map[string]interface{}{
			"reason": in.Reason,
		})
		if err != nil {
			return nil, err
		}
		return &ClinicStatusResult{ClinicID: in.ClinicID, Status: domain.ClinicSuspended}, nil
	}))
}

// ReinstateClinicInput returns a suspended clinic to service.
type ReinstateClinicInput struct {
	ClinicID string `json:"clinicId"`
}

// ReinstateClinic lifts a suspension.
func (s *Service) ReinstateClinic(ctx context.Context, env Envelope, in ReinstateClinicInput) (*ClinicStatusResult, error) {
	if in.ClinicID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "clinicId is required")
	}

	return decode[ClinicStatusResult](s.execute(ctx, env, "ReinstateClinic", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockClinic, ID: in.ClinicID}); err != nil {
			return nil, err
		}
		clinic, err := foldClinic(ctx, x.tx, in.ClinicID)
		if err != nil {
			return nil, err
		}
		if !clinic.Exists() {
			return nil, domain.Errf(domain.ErrClinicNotFound, "clinic %s does not exist", in.ClinicID)
		}
		if clinic.Status == domain.ClinicActive {
			return &ClinicStatusResult{ClinicID: in.ClinicID, Status: clinic.Status}, nil
		}

		_, err = x.append(ctx, domain.KindClinic, in.ClinicID, globalCycle, domain.EventClinicReinstated, nil)
		if err != nil {
			return nil, err
		}
		return &ClinicStatusResult{ClinicID: in.ClinicID, Status: domain.ClinicActive}, nil
	}))
}
