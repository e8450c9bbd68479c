package core

import (
	"time"
)

type CertificateStatus string

const (
	StatusRequested CertificateStatus = "requested"
	StatusIssued    CertificateStatus = "issued"
	StatusInstalled CertificateStatus = "installed"
	StatusFailed    CertificateStatus = "failed"
	StatusRevoked   CertificateStatus = "revoked"
)

var transitions = map[CertificateStatus][]CertificateStatus{
	StatusRequested: {StatusIssued, StatusFailed},
	StatusIssued:    {StatusInstalled, StatusFailed, StatusRevoked},
	StatusInstalled: {StatusRevoked},
}

// CanTransition reports whether a record may move from one status to another.
// Failed and revoked are terminal.
func (s CertificateStatus) CanTransition(to CertificateStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CertificateStatus) Terminal() bool {
	return s == StatusFailed || s == StatusRevoked
}

// CertificateRecord never carries PEM material, only references into the
// secret store.
type CertificateRecord struct {
	ID                  string            `json:"id" db:"id"`
	DomainRecordID      string            `json:"domain_record_id" db:"domain_record_id"`
	FQDN                string            `json:"fqdn" db:"fqdn"`
	Status              CertificateStatus `json:"status" db:"status"`
	InstallTargetPort   int               `json:"install_target_port" db:"install_target_port"`
	InstalledServerType *string           `json:"installed_server_type,omitempty" db:"installed_server_type"`
	KeyMaterialRef      string            `json:"key_material_ref" db:"key_material_ref"`
	CertRef             string            `json:"cert_ref" db:"cert_ref"`
	ChainRef            string            `json:"chain_ref" db:"chain_ref"`
	FailureReason       *string           `json:"failure_reason,omitempty" db:"failure_reason"`
	SupersededBy        *string           `json:"superseded_by,omitempty" db:"superseded_by"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	InstalledAt         *time.Time        `json:"installed_at,omitempty" db:"installed_at"`
	RevokedAt           *time.Time        `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}

// IssuedCertificate is what the CA hands back for a CSR.
type IssuedCertificate struct {
	CertPEM   []byte
	ChainPEM  []byte
	ValidFrom time.Time
	ValidTo   time.Time
	// CertURL is the CA's handle for later revocation, if any.
	CertURL string
}
