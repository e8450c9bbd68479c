package core

import (
	"time"
)

// DomainRecord is a live A-record created by the registrar.
type DomainRecord struct {
	ID                   string     `json:"id" db:"id"`
	Label                string     `json:"label" db:"label"`
	ZoneID               string     `json:"zone_id" db:"zone_id"`
	FQDN                 string     `json:"fqdn" db:"fqdn"`
	TargetAddress        string     `json:"target_address" db:"target_address"`
	TTL                  int64      `json:"ttl" db:"ttl"`
	CertificateInstalled bool       `json:"certificate_installed" db:"certificate_installed"`
	Orphaned             bool       `json:"orphaned" db:"orphaned"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

type ZoneSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RecordCount int64  `json:"record_count"`
	Private     bool   `json:"private"`
}

// Credentials are the DNS provider keys handed to each provider call.
type Credentials struct {
	AccessKey string `json:"-"`
	Secret    string `json:"-"`
	Region    string `json:"region"`
}

type ZoneRegistration struct {
	Zone         string     `json:"zone"`
	Registrar    string     `json:"registrar"`
	Status       []string   `json:"status"`
	CreatedDate  *time.Time `json:"created_date,omitempty"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	DaysToExpiry int        `json:"days_to_expiry"`
}

// StoredCredentials is the encrypted at-rest form of Credentials.
type StoredCredentials struct {
	ID           string    `db:"id"`
	AccessKeyEnc string    `db:"access_key_enc"`
	SecretEnc    string    `db:"secret_enc"`
	Region       string    `db:"region"`
	AccessKeyTag string    `db:"access_key_tag"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
