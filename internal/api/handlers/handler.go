package handlers

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/certs"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/credentials"
	"github.com/leozw/certiroute/internal/registrar"
)

type CredentialService interface {
	Save(ctx context.Context, accessKey, secret, region string) (*credentials.Status, error)
	Status(ctx context.Context) (*credentials.Status, error)
	Delete(ctx context.Context) error
}

type Registrar interface {
	Create(ctx context.Context, label, zoneID string) (*core.DomainRecord, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*core.DomainRecord, error)
	ListRecords(ctx context.Context) ([]*core.DomainRecord, error)
	List(ctx context.Context, zoneID string) ([]core.ZoneSummary, error)
	CurrentAddress(ctx context.Context) (netip.Addr, error)
	ZoneRegistration(ctx context.Context, zoneID string) (*core.ZoneRegistration, error)
	Reconcile(ctx context.Context, id string) (*registrar.ReconcileResult, error)
}

type Certificates interface {
	RequestCertificate(ctx context.Context, domainRecordID string, port int) (*core.CertificateRecord, error)
	InstallCertificate(ctx context.Context, certificateID, serverType string) (*certs.InstallResult, error)
	Delete(ctx context.Context, certificateID string, force bool) error
	Revoke(ctx context.Context, certificateID string) (*core.CertificateRecord, error)
	Get(ctx context.Context, id string) (*core.CertificateRecord, error)
	List(ctx context.Context, domainRecordID string) ([]*core.CertificateRecord, error)
	Served(ctx context.Context, id string) (*certs.ServedStatus, error)
}

type Detector interface {
	Detect(ctx context.Context) ([]core.HostDetection, error)
	Latest(ctx context.Context) (*core.DetectionSnapshot, error)
	ScanPorts(ctx context.Context, ports []int) (core.ScanResult, error)
	Ports() []int
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Credentials  CredentialService
	Registrar    Registrar
	Certificates Certificates
	Detector     Detector
	// Ready maps a dependency name to its check.
	Ready map[string]Pinger
}

type Handler struct {
	credentials  CredentialService
	registrar    Registrar
	certificates Certificates
	detector     Detector
	ready        map[string]Pinger
	logger       *zap.Logger
	now          func() time.Time
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		credentials:  deps.Credentials,
		registrar:    deps.Registrar,
		certificates: deps.Certificates,
		detector:     deps.Detector,
		ready:        deps.Ready,
		logger:       logger,
		now:          time.Now,
	}
}
