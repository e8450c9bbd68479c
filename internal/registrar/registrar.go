// Package registrar creates and removes the public A-records certificates are
// issued for, and keeps the local domain records consistent with DNS.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/checks"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/dnsprovider"
	"github.com/leozw/certiroute/internal/lease"
	"github.com/leozw/certiroute/internal/metrics"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

type CredentialProvider interface {
	// GetActive returns nil, nil when no credentials are configured.
	GetActive(ctx context.Context) (*core.Credentials, error)
}

type DNSProvider interface {
	ListZones(ctx context.Context, creds core.Credentials) ([]core.ZoneSummary, error)
	GetZoneApex(ctx context.Context, creds core.Credentials, zoneID string) (string, error)
	UpsertA(ctx context.Context, creds core.Credentials, zoneID, fqdn string, addr netip.Addr, ttl int64) error
	// DeleteA returns dnsprovider.ErrRecordAbsent when nothing was there.
	DeleteA(ctx context.Context, creds core.Credentials, zoneID, fqdn string, addr netip.Addr, ttl int64) error
	// ListA reads the A values straight from the zone.
	ListA(ctx context.Context, creds core.Credentials, zoneID, fqdn string) ([]string, error)
}

type AddressDiscovery interface {
	GetCurrentAddress(ctx context.Context) (netip.Addr, error)
}

type Resolver interface {
	LookupA(ctx context.Context, fqdn string) (*checks.ARecordResult, error)
}

type RegistrationLookup interface {
	Lookup(ctx context.Context, zone string) (*core.ZoneRegistration, error)
}

// Store is the part of the lifecycle store the registrar mutates. Missing
// records are reported as core.KindNotFound errors.
type Store interface {
	// UpsertDomainRecord inserts or, on an fqdn collision, updates the live
	// record and returns what is stored.
	UpsertDomainRecord(ctx context.Context, rec *core.DomainRecord) (*core.DomainRecord, error)
	GetDomainRecord(ctx context.Context, id string) (*core.DomainRecord, error)
	ListDomainRecords(ctx context.Context) ([]*core.DomainRecord, error)
	DeleteDomainRecord(ctx context.Context, id string) error
	SetDomainVerification(ctx context.Context, id string, orphaned bool, verifiedAt time.Time) error
	CountCertificates(ctx context.Context, domainRecordID string) (int, error)
}

type Options struct {
	TTL              int64
	LeaseTTL         time.Duration
	ReconcileOrphans bool
}

type Service struct {
	creds    CredentialProvider
	dns      DNSProvider
	addrs    AddressDiscovery
	resolver Resolver
	whois    RegistrationLookup
	store    Store
	locker   lease.Locker
	metrics  *metrics.Collector
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewService(
	creds CredentialProvider,
	dns DNSProvider,
	addrs AddressDiscovery,
	resolver Resolver,
	whois RegistrationLookup,
	store Store,
	locker lease.Locker,
	collector *metrics.Collector,
	logger *zap.Logger,
	opts Options,
) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 300
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	return &Service{
		creds:    creds,
		dns:      dns,
		addrs:    addrs,
		resolver: resolver,
		whois:    whois,
		store:    store,
		locker:   locker,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "registrar")),
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Service) credentials(ctx context.Context, op string) (core.Credentials, error) {
	creds, err := s.creds.GetActive(ctx)
	if err != nil {
		return core.Credentials{}, err
	}
	if creds == nil {
		return core.Credentials{}, core.E(core.KindCredential, op, "no DNS provider credentials configured", nil)
	}
	return *creds, nil
}

// Create points label.<zone apex> at the host's current public address.
// Creating an existing name overwrites its target.
func (s *Service) Create(ctx context.Context, label, zoneID string) (*core.DomainRecord, error) {
	const op = "registrar.create"

	label = strings.ToLower(strings.TrimSpace(label))
	if !labelPattern.MatchString(label) {
		return nil, core.Validation(op, "label may only contain letters, digits and hyphens")
	}
	zoneID = dnsprovider.NormalizeZoneID(zoneID)
	if zoneID == "" {
		return nil, core.Validation(op, "zone id is required")
	}

	creds, err := s.credentials(ctx, op)
	if err != nil {
		return nil, err
	}
	addr, err := s.addrs.GetCurrentAddress(ctx)
	if err != nil {
		return nil, err
	}
	apex, err := s.dns.GetZoneApex(ctx, creds, zoneID)
	if err != nil {
		return nil, err
	}
	fqdn := label + "." + dnsprovider.NormalizeName(apex)

	var saved *core.DomainRecord
	err = lease.With(ctx, s.locker, lease.DomainKey(fqdn), s.opts.LeaseTTL, func() error {
		started := s.now()
		err := s.dns.UpsertA(ctx, creds, zoneID, fqdn, addr, s.opts.TTL)
		s.metrics.RecordDNSChange("upsert", started, err)
		if err != nil {
			return err
		}

		// The provider has answered; a cancelled caller must not skip the write.
		now := s.now().UTC()
		saved, err = s.store.UpsertDomainRecord(context.WithoutCancel(ctx), &core.DomainRecord{
			ID:            uuid.New().String(),
			Label:         label,
			ZoneID:        zoneID,
			FQDN:          fqdn,
			TargetAddress: addr.String(),
			TTL:           s.opts.TTL,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			s.logger.Error("A record exists at the provider but could not be stored",
				zap.String("fqdn", fqdn),
				zap.String("target", addr.String()),
				zap.Error(err),
			)
			return core.Storage(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Domain record upserted",
		zap.String("id", saved.ID),
		zap.String("fqdn", saved.FQDN),
		zap.String("target", saved.TargetAddress),
	)
	return saved, nil
}

// Delete removes the A record by value and then the local record. A record the
// provider no longer has counts as deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	const op = "registrar.delete"

	rec, err := s.store.GetDomainRecord(ctx, id)
	if err != nil {
		return err
	}
	creds, err := s.credentials(ctx, op)
	if err != nil {
		return err
	}

	return lease.With(ctx, s.locker, lease.DomainKey(rec.FQDN), s.opts.LeaseTTL, func() error {
		// Re-read under the lease; a concurrent Create may have moved the target.
		rec, err := s.store.GetDomainRecord(ctx, id)
		if err != nil {
			return err
		}
		// Certificates are created under the same lease, so none can appear
		// between this count and the local delete.
		n, err := s.store.CountCertificates(ctx, id)
		if err != nil {
			return core.Storage(op, err)
		}
		if n > 0 {
			return core.Conflict(op, fmt.Sprintf("%s still has %d certificate record(s)", rec.FQDN, n))
		}
		addr, err := netip.ParseAddr(rec.TargetAddress)
		if err != nil {
			return core.E(core.KindInternal, op, "stored target address is invalid", err)
		}

		started := s.now()
		err = s.dns.DeleteA(ctx, creds, rec.ZoneID, rec.FQDN, addr, s.ttlOf(rec))
		switch {
		case errors.Is(err, dnsprovider.ErrRecordAbsent):
			s.metrics.RecordDNSChange("delete", started, nil)
			s.logger.Info("A record already absent at provider", zap.String("fqdn", rec.FQDN))
		case err != nil:
			s.metrics.RecordDNSChange("delete", started, err)
			return err
		default:
			s.metrics.RecordDNSChange("delete", started, nil)
		}

		if err := s.store.DeleteDomainRecord(context.WithoutCancel(ctx), id); err != nil {
			return core.Storage(op, err)
		}
		s.logger.Info("Domain record deleted", zap.String("id", id), zap.String("fqdn", rec.FQDN))
		return nil
	})
}

// List is a read-through to the provider. An empty zoneID lists every zone.
func (s *Service) List(ctx context.Context, zoneID string) ([]core.ZoneSummary, error) {
	const op = "registrar.list"

	creds, err := s.credentials(ctx, op)
	if err != nil {
		return nil, err
	}
	zones, err := s.dns.ListZones(ctx, creds)
	if err != nil {
		return nil, err
	}

	zoneID = dnsprovider.NormalizeZoneID(zoneID)
	if zoneID == "" {
		return zones, nil
	}
	for _, z := range zones {
		if z.ID == zoneID {
			return []core.ZoneSummary{z}, nil
		}
	}
	return nil, core.NotFound(op, "zone "+zoneID+" not found")
}

func (s *Service) Get(ctx context.Context, id string) (*core.DomainRecord, error) {
	return s.store.GetDomainRecord(ctx, id)
}

func (s *Service) ListRecords(ctx context.Context) ([]*core.DomainRecord, error) {
	records, err := s.store.ListDomainRecords(ctx)
	if err != nil {
		return nil, core.Storage("registrar.list_records", err)
	}
	return records, nil
}

// CurrentAddress exposes the address new records would point at.
func (s *Service) CurrentAddress(ctx context.Context) (netip.Addr, error) {
	return s.addrs.GetCurrentAddress(ctx)
}

// ZoneRegistration looks up WHOIS data for the zone's apex.
func (s *Service) ZoneRegistration(ctx context.Context, zoneID string) (*core.ZoneRegistration, error) {
	const op = "registrar.zone_registration"

	creds, err := s.credentials(ctx, op)
	if err != nil {
		return nil, err
	}
	apex, err := s.dns.GetZoneApex(ctx, creds, dnsprovider.NormalizeZoneID(zoneID))
	if err != nil {
		return nil, err
	}
	reg, err := s.whois.Lookup(ctx, dnsprovider.NormalizeName(apex))
	if err != nil {
		return nil, core.E(core.KindExternalTransient, op, "whois lookup failed", err)
	}
	return reg, nil
}

func (s *Service) ttlOf(rec *core.DomainRecord) int64 {
	if rec.TTL > 0 {
		return rec.TTL
	}
	return s.opts.TTL
}
