// Package certs drives certificates through request, issuance, installation
// and revocation. Key material lives in the secret store; records only carry
// references to it.
package certs

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/checks"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/installer"
	"github.com/leozw/certiroute/internal/lease"
	"github.com/leozw/certiroute/internal/metrics"
	"github.com/leozw/certiroute/internal/secrets"
)

// Authority is the certificate authority. Challenge solving is its concern.
type Authority interface {
	RequestCertificate(ctx context.Context, csr *x509.CertificateRequest, fqdn string) (*core.IssuedCertificate, error)
	Revoke(ctx context.Context, certPEM []byte) error
}

// DomainVerifier checks that a domain record still resolves to its target.
type DomainVerifier interface {
	Verify(ctx context.Context, rec *core.DomainRecord) (orphaned bool, err error)
}

type Installers interface {
	For(serverType string) installer.Installer
}

type ServedInspector interface {
	Inspect(ctx context.Context, addr, serverName string) (*checks.ServedCertificate, error)
}

// Store is the certificate side of the lifecycle store.
type Store interface {
	GetDomainRecord(ctx context.Context, id string) (*core.DomainRecord, error)
	CreateCertificate(ctx context.Context, rec *core.CertificateRecord) error
	GetCertificate(ctx context.Context, id string) (*core.CertificateRecord, error)
	// ListCertificates lists every record when domainRecordID is empty.
	ListCertificates(ctx context.Context, domainRecordID string) ([]*core.CertificateRecord, error)
	// TransitionCertificate writes rec only if the stored status is still from.
	TransitionCertificate(ctx context.Context, rec *core.CertificateRecord, from core.CertificateStatus) error
	// FindInstalled returns nil, nil when the slot is free.
	FindInstalled(ctx context.Context, domainRecordID string, port int) (*core.CertificateRecord, error)
	// CompleteInstallation marks installed as installed, prior (if any) as
	// revoked and flags the domain, all in one transaction.
	CompleteInstallation(ctx context.Context, installed, prior *core.CertificateRecord) error
	DeleteCertificate(ctx context.Context, id string) error
	RefreshCertificateInstalled(ctx context.Context, domainRecordID string) error
	ListStaleRequested(ctx context.Context, before time.Time) ([]*core.CertificateRecord, error)
}

type Options struct {
	KeyType  certcrypto.KeyType
	LeaseTTL time.Duration
}

type Manager struct {
	store      Store
	authority  Authority
	verifier   DomainVerifier
	secrets    secrets.Store
	installers Installers
	inspector  ServedInspector
	locker     lease.Locker
	metrics    *metrics.Collector
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

func NewManager(
	store Store,
	authority Authority,
	verifier DomainVerifier,
	secretStore secrets.Store,
	installers Installers,
	inspector ServedInspector,
	locker lease.Locker,
	collector *metrics.Collector,
	logger *zap.Logger,
	opts Options,
) *Manager {
	if opts.KeyType == "" {
		opts.KeyType = certcrypto.RSA2048
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	return &Manager{
		store:      store,
		authority:  authority,
		verifier:   verifier,
		secrets:    secretStore,
		installers: installers,
		inspector:  inspector,
		locker:     locker,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "certs")),
		opts:       opts,
		now:        time.Now,
	}
}

// RequestCertificate issues a certificate for the domain record. The record is
// persisted as requested before the CA is contacted. On CA failure the
// returned record is the persisted failed one and err carries the reason.
func (m *Manager) RequestCertificate(ctx context.Context, domainRecordID string, port int) (*core.CertificateRecord, error) {
	const op = "certs.request"

	if port < 1 || port > 65535 {
		return nil, core.Validation(op, fmt.Sprintf("install target port %d is out of range", port))
	}

	domain, err := m.store.GetDomainRecord(ctx, domainRecordID)
	if err != nil {
		return nil, err
	}
	orphaned, err := m.verifier.Verify(ctx, domain)
	if err != nil {
		return nil, err
	}
	if orphaned {
		return nil, core.Conflict(op, domain.FQDN+" does not resolve to "+domain.TargetAddress)
	}

	id := uuid.New().String()
	key, err := certcrypto.GeneratePrivateKey(m.opts.KeyType)
	if err != nil {
		return nil, core.E(core.KindInternal, op, "generate private key", err)
	}
	csrDER, err := certcrypto.GenerateCSR(key, domain.FQDN, []string{domain.FQDN}, false)
	if err != nil {
		return nil, core.E(core.KindInternal, op, "generate CSR", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, core.E(core.KindInternal, op, "parse CSR", err)
	}

	keyRef, err := m.secrets.Put(ctx, secrets.KeyName(id), certcrypto.PEMEncode(key))
	if err != nil {
		return nil, core.Storage(op, err)
	}

	now := m.now().UTC()
	rec := &core.CertificateRecord{
		ID:                id,
		DomainRecordID:    domain.ID,
		FQDN:              domain.FQDN,
		Status:            core.StatusRequested,
		InstallTargetPort: port,
		KeyMaterialRef:    keyRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var out *core.CertificateRecord
	err = lease.With(ctx, m.locker, lease.CertificateKey(id), m.opts.LeaseTTL, func() error {
		// The domain lease keeps a concurrent domain delete from counting
		// certificates before this one exists.
		err := lease.With(ctx, m.locker, lease.DomainKey(domain.FQDN), m.opts.LeaseTTL, func() error {
			return m.store.CreateCertificate(ctx, rec)
		})
		if err != nil {
			_ = m.secrets.Delete(context.WithoutCancel(ctx), keyRef)
			return core.Storage(op, err)
		}
		m.metrics.RecordCertificateStatus(rec)
		m.logger.Info("Certificate requested", zap.String("id", id), zap.String("fqdn", rec.FQDN), zap.Int("port", port))

		out, err = m.issue(ctx, rec, csr)
		return err
	})
	return out, err
}

func (m *Manager) issue(ctx context.Context, rec *core.CertificateRecord, csr *x509.CertificateRequest) (*core.CertificateRecord, error) {
	const op = "certs.issue"

	started := m.now()
	issued, caErr := m.authority.RequestCertificate(ctx, csr, rec.FQDN)

	// The CA has answered; the outcome is recorded even if the caller is gone.
	bg := context.WithoutCancel(ctx)
	if caErr != nil {
		return m.fail(bg, rec, caErr)
	}

	certRef, err := m.secrets.Put(bg, secrets.CertName(rec.ID), issued.CertPEM)
	if err != nil {
		return m.fail(bg, rec, core.Storage(op, err))
	}
	chainRef, err := m.secrets.Put(bg, secrets.ChainName(rec.ID), issued.ChainPEM)
	if err != nil {
		// The failed record carries no CertRef, so nothing else would remove the leaf.
		if derr := m.secrets.Delete(bg, certRef); derr != nil {
			m.logger.Warn("Could not remove stored leaf", zap.String("id", rec.ID), zap.Error(derr))
		}
		return m.fail(bg, rec, core.Storage(op, err))
	}

	next := *rec
	next.Status = core.StatusIssued
	next.CertRef = certRef
	next.ChainRef = chainRef
	expires := issued.ValidTo.UTC()
	next.ExpiresAt = &expires
	next.UpdatedAt = m.now().UTC()
	if err := m.store.TransitionCertificate(bg, &next, core.StatusRequested); err != nil {
		m.logger.Error("Certificate issued but not recorded", zap.String("id", rec.ID), zap.Error(err))
		return nil, core.Storage(op, err)
	}

	m.metrics.ObserveIssuance(m.now().Sub(started))
	m.metrics.RecordCertificateStatus(&next)
	m.logger.Info("Certificate issued",
		zap.String("id", next.ID),
		zap.String("fqdn", next.FQDN),
		zap.Time("expires_at", expires),
	)
	return &next, nil
}

func (m *Manager) fail(ctx context.Context, rec *core.CertificateRecord, cause error) (*core.CertificateRecord, error) {
	next, err := m.markFailed(ctx, rec, cause.Error())
	if err != nil {
		m.logger.Error("Could not record certificate failure", zap.String("id", rec.ID), zap.NamedError("cause", cause), zap.Error(err))
		return nil, cause
	}
	m.logger.Warn("Certificate issuance failed", zap.String("id", rec.ID), zap.String("fqdn", rec.FQDN), zap.Error(cause))
	return next, cause
}

func (m *Manager) markFailed(ctx context.Context, rec *core.CertificateRecord, reason string) (*core.CertificateRecord, error) {
	next := *rec
	next.Status = core.StatusFailed
	next.FailureReason = &reason
	next.UpdatedAt = m.now().UTC()

	if err := m.store.TransitionCertificate(ctx, &next, core.StatusRequested); err != nil {
		return nil, core.Storage("certs.fail", err)
	}
	m.metrics.RecordCertificateStatus(&next)
	return &next, nil
}

type InstallResult struct {
	Certificate *core.CertificateRecord `json:"certificate"`
	Superseded  *core.CertificateRecord `json:"superseded,omitempty"`
	Installer   *installer.Result       `json:"installer"`
}

// InstallCertificate hands an issued certificate to the installer for
// serverType. Only after the installer succeeds does the record become
// installed and any certificate it replaces on the same port revoked.
func (m *Manager) InstallCertificate(ctx context.Context, certificateID, serverType string) (*InstallResult, error) {
	const op = "certs.install"

	if serverType == "" {
		return nil, core.Validation(op, "server type is required")
	}

	var out *InstallResult
	err := lease.With(ctx, m.locker, lease.CertificateKey(certificateID), m.opts.LeaseTTL, func() error {
		cert, err := m.store.GetCertificate(ctx, certificateID)
		if err != nil {
			return err
		}
		if cert.Status != core.StatusIssued {
			return core.Conflict(op, fmt.Sprintf("certificate is %s; only issued certificates can be installed", cert.Status))
		}

		slot := lease.SlotKey(cert.DomainRecordID, cert.InstallTargetPort)
		return lease.With(ctx, m.locker, slot, m.opts.LeaseTTL, func() error {
			out, err = m.install(ctx, cert, serverType)
			return err
		})
	})
	return out, err
}

func (m *Manager) install(ctx context.Context, cert *core.CertificateRecord, serverType string) (*InstallResult, error) {
	const op = "certs.install"

	prior, err := m.store.FindInstalled(ctx, cert.DomainRecordID, cert.InstallTargetPort)
	if err != nil {
		return nil, core.Storage(op, err)
	}

	bundle, err := m.bundle(ctx, cert, serverType)
	if err != nil {
		return nil, err
	}

	kind := installer.Kind(serverType)
	result, err := m.installers.For(serverType).Install(ctx, *bundle)
	m.metrics.RecordInstall(kind, err)
	if err != nil {
		m.logger.Warn("Installer failed; certificate stays issued",
			zap.String("id", cert.ID),
			zap.String("server_type", serverType),
			zap.Error(err),
		)
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	now := m.now().UTC()

	installed := *cert
	installed.Status = core.StatusInstalled
	installed.InstalledServerType = &serverType
	installed.InstalledAt = &now
	installed.UpdatedAt = now

	var superseded *core.CertificateRecord
	if prior != nil {
		p := *prior
		p.Status = core.StatusRevoked
		p.SupersededBy = &installed.ID
		p.RevokedAt = &now
		p.UpdatedAt = now
		superseded = &p
	}

	if err := m.store.CompleteInstallation(bg, &installed, superseded); err != nil {
		m.logger.Error("Certificate installed on the server but not recorded",
			zap.String("id", cert.ID),
			zap.String("config", result.ConfigPath),
			zap.Error(err),
		)
		return nil, core.Storage(op, err)
	}

	m.metrics.RecordCertificateStatus(&installed)
	fields := []zap.Field{
		zap.String("id", installed.ID),
		zap.String("fqdn", installed.FQDN),
		zap.Int("port", installed.InstallTargetPort),
		zap.String("server_type", serverType),
	}
	if superseded != nil {
		m.metrics.RecordCertificateStatus(superseded)
		fields = append(fields, zap.String("superseded", superseded.ID))
	}
	m.logger.Info("Certificate installed", fields...)

	return &InstallResult{Certificate: &installed, Superseded: superseded, Installer: result}, nil
}

func (m *Manager) bundle(ctx context.Context, cert *core.CertificateRecord, serverType string) (*installer.Bundle, error) {
	const op = "certs.load_material"

	key, err := m.secrets.Get(ctx, cert.KeyMaterialRef)
	if err != nil {
		return nil, core.Storage(op, fmt.Errorf("private key: %w", err))
	}
	leaf, err := m.secrets.Get(ctx, cert.CertRef)
	if err != nil {
		return nil, core.Storage(op, fmt.Errorf("certificate: %w", err))
	}
	chain, err := m.secrets.Get(ctx, cert.ChainRef)
	if err != nil {
		return nil, core.Storage(op, fmt.Errorf("chain: %w", err))
	}
	return &installer.Bundle{
		CertificateID: cert.ID,
		FQDN:          cert.FQDN,
		Port:          cert.InstallTargetPort,
		ServerType:    serverType,
		KeyPEM:        key,
		CertPEM:       leaf,
		ChainPEM:      chain,
	}, nil
}

// Delete removes the key material and then the record. An installed
// certificate is only deleted with force, since a server still reads it.
func (m *Manager) Delete(ctx context.Context, certificateID string, force bool) error {
	const op = "certs.delete"

	return lease.With(ctx, m.locker, lease.CertificateKey(certificateID), m.opts.LeaseTTL, func() error {
		return m.withSlotIfInstalled(ctx, certificateID, func(cert *core.CertificateRecord) error {
			if cert.Status == core.StatusInstalled && !force {
				return core.Conflict(op, "certificate is installed; pass force to delete it anyway")
			}

			for _, ref := range []string{cert.KeyMaterialRef, cert.CertRef, cert.ChainRef} {
				if ref == "" {
					continue
				}
				if err := m.secrets.Delete(ctx, ref); err != nil {
					return core.Storage(op, err)
				}
			}
			bg := context.WithoutCancel(ctx)
			if err := m.store.DeleteCertificate(bg, cert.ID); err != nil {
				return core.Storage(op, err)
			}
			if err := m.store.RefreshCertificateInstalled(bg, cert.DomainRecordID); err != nil {
				return core.Storage(op, err)
			}
			m.metrics.ForgetCertificate(cert)
			m.logger.Info("Certificate deleted",
				zap.String("id", cert.ID),
				zap.String("fqdn", cert.FQDN),
				zap.Bool("forced", force && cert.Status == core.StatusInstalled),
			)
			return nil
		})
	})
}

// withSlotIfInstalled loads the certificate and runs fn with it. An installed
// certificate is re-read and handled under its slot lease, so an install
// superseding it on the same port cannot interleave. Callers hold the
// certificate lease; the order cert then slot matches InstallCertificate.
func (m *Manager) withSlotIfInstalled(ctx context.Context, certificateID string, fn func(cert *core.CertificateRecord) error) error {
	cert, err := m.store.GetCertificate(ctx, certificateID)
	if err != nil {
		return err
	}
	if cert.Status != core.StatusInstalled {
		return fn(cert)
	}

	slot := lease.SlotKey(cert.DomainRecordID, cert.InstallTargetPort)
	return lease.With(ctx, m.locker, slot, m.opts.LeaseTTL, func() error {
		current, err := m.store.GetCertificate(ctx, certificateID)
		if err != nil {
			return err
		}
		return fn(current)
	})
}

// Revoke revokes an issued or installed certificate with the CA and records
// it as revoked.
func (m *Manager) Revoke(ctx context.Context, certificateID string) (*core.CertificateRecord, error) {
	const op = "certs.revoke"

	var out *core.CertificateRecord
	err := lease.With(ctx, m.locker, lease.CertificateKey(certificateID), m.opts.LeaseTTL, func() error {
		return m.withSlotIfInstalled(ctx, certificateID, func(cert *core.CertificateRecord) error {
			if !cert.Status.CanTransition(core.StatusRevoked) {
				return core.Conflict(op, fmt.Sprintf("certificate is %s and cannot be revoked", cert.Status))
			}

			leaf, err := m.secrets.Get(ctx, cert.CertRef)
			if err != nil {
				return core.Storage(op, err)
			}
			if err := m.authority.Revoke(ctx, leaf); err != nil {
				return err
			}

			bg := context.WithoutCancel(ctx)
			now := m.now().UTC()
			next := *cert
			next.Status = core.StatusRevoked
			next.RevokedAt = &now
			next.UpdatedAt = now
			if err := m.store.TransitionCertificate(bg, &next, cert.Status); err != nil {
				return core.Storage(op, err)
			}
			if cert.Status == core.StatusInstalled {
				if err := m.store.RefreshCertificateInstalled(bg, cert.DomainRecordID); err != nil {
					return core.Storage(op, err)
				}
			}

			m.metrics.RecordCertificateStatus(&next)
			m.logger.Info("Certificate revoked", zap.String("id", cert.ID), zap.String("fqdn", cert.FQDN))
			out = &next
			return nil
		})
	})
	return out, err
}

// RecoverStale fails requested records that stopped making progress, for
// example after a crash during issuance. It returns how many were moved.
func (m *Manager) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "certs.recover_stale"

	before := m.now().Add(-olderThan)
	stale, err := m.store.ListStaleRequested(ctx, before)
	if err != nil {
		return 0, core.Storage(op, err)
	}

	recovered := 0
	for _, rec := range stale {
		err := lease.With(ctx, m.locker, lease.CertificateKey(rec.ID), m.opts.LeaseTTL, func() error {
			current, err := m.store.GetCertificate(ctx, rec.ID)
			if err != nil {
				return err
			}
			if current.Status != core.StatusRequested || !current.UpdatedAt.Before(before) {
				return nil
			}
			if _, err := m.markFailed(ctx, current, "issuance interrupted"); err != nil {
				return err
			}
			recovered++
			m.logger.Warn("Stale certificate request failed", zap.String("id", current.ID), zap.String("fqdn", current.FQDN))
			return nil
		})
		if err != nil {
			m.logger.Warn("Could not recover stale certificate", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	return recovered, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*core.CertificateRecord, error) {
	return m.store.GetCertificate(ctx, id)
}

func (m *Manager) List(ctx context.Context, domainRecordID string) ([]*core.CertificateRecord, error) {
	records, err := m.store.ListCertificates(ctx, domainRecordID)
	if err != nil {
		return nil, core.Storage("certs.list", err)
	}
	return records, nil
}

type ServedStatus struct {
	Served  *checks.ServedCertificate `json:"served"`
	Matches bool                      `json:"matches"`
}

// Served connects to the certificate's host and port and reports whether the
// server presents this certificate.
func (m *Manager) Served(ctx context.Context, id string) (*ServedStatus, error) {
	const op = "certs.served"

	cert, err := m.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.CertRef == "" {
		return nil, core.Conflict(op, "certificate has not been issued")
	}
	leafPEM, err := m.secrets.Get(ctx, cert.CertRef)
	if err != nil {
		return nil, core.Storage(op, err)
	}
	leaf, err := certcrypto.ParsePEMCertificate(leafPEM)
	if err != nil {
		return nil, core.E(core.KindInternal, op, "stored certificate is unreadable", err)
	}

	addr := fmt.Sprintf("%s:%d", cert.FQDN, cert.InstallTargetPort)
	served, err := m.inspector.Inspect(ctx, addr, cert.FQDN)
	if err != nil {
		return nil, core.E(core.KindExternalTransient, op, "inspect "+addr, err)
	}
	return &ServedStatus{Served: served, Matches: served.SerialNumber == leaf.SerialNumber.Text(16)}, nil
}
