// Package memory is a process-local lifecycle store for development runs
// without Postgres. It enforces the same uniqueness rules as the SQL schema.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leozw/certiroute/internal/core"
)

type Store struct {
	mu      sync.RWMutex
	domains map[string]core.DomainRecord
	certs   map[string]core.CertificateRecord
	creds   *core.StoredCredentials
}

func New() *Store {
	return &Store{
		domains: make(map[string]core.DomainRecord),
		certs:   make(map[string]core.CertificateRecord),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// Domain records

func (s *Store) UpsertDomainRecord(_ context.Context, rec *core.DomainRecord) (*core.DomainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.domains {
		if existing.FQDN != rec.FQDN {
			continue
		}
		existing.Label = rec.Label
		existing.ZoneID = rec.ZoneID
		existing.TargetAddress = rec.TargetAddress
		existing.TTL = rec.TTL
		existing.Orphaned = rec.Orphaned
		existing.UpdatedAt = rec.UpdatedAt
		s.domains[id] = existing
		out := existing
		return &out, nil
	}

	s.domains[rec.ID] = *rec
	out := *rec
	return &out, nil
}

func (s *Store) GetDomainRecord(_ context.Context, id string) (*core.DomainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.domains[id]
	if !ok {
		return nil, core.NotFound("store.get_domain", "domain record "+id+" not found")
	}
	return &rec, nil
}

func (s *Store) ListDomainRecords(context.Context) ([]*core.DomainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.DomainRecord, 0, len(s.domains))
	for _, rec := range s.domains {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out, nil
}

func (s *Store) DeleteDomainRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.domains[id]; !ok {
		return core.NotFound("store.delete_domain", "domain record "+id+" not found")
	}
	for _, c := range s.certs {
		if c.DomainRecordID == id {
			return core.Conflict("store.delete_domain", "certificate records reference "+id)
		}
	}
	delete(s.domains, id)
	return nil
}

func (s *Store) SetDomainVerification(_ context.Context, id string, orphaned bool, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.domains[id]
	if !ok {
		return core.NotFound("store.verify_domain", "domain record "+id+" not found")
	}
	rec.Orphaned = orphaned
	rec.VerifiedAt = &verifiedAt
	s.domains[id] = rec
	return nil
}

func (s *Store) CountCertificates(_ context.Context, domainRecordID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.certs {
		if c.DomainRecordID == domainRecordID {
			n++
		}
	}
	return n, nil
}

// Certificate records

func (s *Store) CreateCertificate(_ context.Context, rec *core.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.domains[rec.DomainRecordID]; !ok {
		return core.NotFound("store.create_certificate", "domain record "+rec.DomainRecordID+" not found")
	}
	if _, ok := s.certs[rec.ID]; ok {
		return core.Conflict("store.create_certificate", "certificate "+rec.ID+" exists")
	}
	s.certs[rec.ID] = *rec
	return nil
}

func (s *Store) GetCertificate(_ context.Context, id string) (*core.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.certs[id]
	if !ok {
		return nil, core.NotFound("store.get_certificate", "certificate "+id+" not found")
	}
	return &rec, nil
}

func (s *Store) ListCertificates(_ context.Context, domainRecordID string) ([]*core.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*core.CertificateRecord{}
	for _, rec := range s.certs {
		if domainRecordID != "" && rec.DomainRecordID != domainRecordID {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionCertificate(_ context.Context, rec *core.CertificateRecord, from core.CertificateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.certs[rec.ID]
	if !ok {
		return core.NotFound("store.transition_certificate", "certificate "+rec.ID+" not found")
	}
	if current.Status != from {
		return core.Conflict("store.transition_certificate", "certificate "+rec.ID+" is "+string(current.Status)+", not "+string(from))
	}
	if rec.Status == core.StatusInstalled && s.installedOn(rec.DomainRecordID, rec.InstallTargetPort, rec.ID) != nil {
		return core.Conflict("store.transition_certificate", "another certificate is installed on this port")
	}
	s.certs[rec.ID] = *rec
	return nil
}

func (s *Store) FindInstalled(_ context.Context, domainRecordID string, port int) (*core.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec := s.installedOn(domainRecordID, port, ""); rec != nil {
		out := *rec
		return &out, nil
	}
	return nil, nil
}

func (s *Store) installedOn(domainRecordID string, port int, except string) *core.CertificateRecord {
	for _, c := range s.certs {
		if c.ID != except && c.DomainRecordID == domainRecordID && c.InstallTargetPort == port && c.Status == core.StatusInstalled {
			return &c
		}
	}
	return nil
}

func (s *Store) CompleteInstallation(_ context.Context, installed, prior *core.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "store.complete_installation"

	current, ok := s.certs[installed.ID]
	if !ok {
		return core.NotFound(op, "certificate "+installed.ID+" not found")
	}
	if current.Status != core.StatusIssued {
		return core.Conflict(op, "certificate "+installed.ID+" is "+string(current.Status))
	}
	if prior != nil {
		p, ok := s.certs[prior.ID]
		if !ok || p.Status != core.StatusInstalled {
			return core.Conflict(op, "superseded certificate "+prior.ID+" is no longer installed")
		}
	}
	if other := s.installedOn(installed.DomainRecordID, installed.InstallTargetPort, installed.ID); other != nil && (prior == nil || other.ID != prior.ID) {
		return core.Conflict(op, "certificate "+other.ID+" was installed concurrently")
	}

	domain, ok := s.domains[installed.DomainRecordID]
	if !ok {
		return core.NotFound(op, "domain record "+installed.DomainRecordID+" not found")
	}

	if prior != nil {
		s.certs[prior.ID] = *prior
	}
	s.certs[installed.ID] = *installed
	domain.CertificateInstalled = true
	domain.UpdatedAt = installed.UpdatedAt
	s.domains[domain.ID] = domain
	return nil
}

func (s *Store) DeleteCertificate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certs[id]; !ok {
		return core.NotFound("store.delete_certificate", "certificate "+id+" not found")
	}
	delete(s.certs, id)
	return nil
}

func (s *Store) RefreshCertificateInstalled(_ context.Context, domainRecordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain, ok := s.domains[domainRecordID]
	if !ok {
		return nil
	}
	installed := false
	for _, c := range s.certs {
		if c.DomainRecordID == domainRecordID && c.Status == core.StatusInstalled {
			installed = true
			break
		}
	}
	domain.CertificateInstalled = installed
	s.domains[domainRecordID] = domain
	return nil
}

func (s *Store) ListStaleRequested(_ context.Context, before time.Time) ([]*core.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.CertificateRecord
	for _, c := range s.certs {
		if c.Status == core.StatusRequested && c.UpdatedAt.Before(before) {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

// Credentials

func (s *Store) SaveCredentials(_ context.Context, c *core.StoredCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds = &cp
	return nil
}

func (s *Store) GetActiveCredentials(context.Context) (*core.StoredCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil, nil
	}
	cp := *s.creds
	return &cp, nil
}

func (s *Store) DeleteCredentials(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}
