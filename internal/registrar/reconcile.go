package registrar

import (
	"context"
	"net/netip"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/lease"
)

type ReconcileOutcome string

const (
	OutcomeVerified ReconcileOutcome = "verified"
	OutcomeRepaired ReconcileOutcome = "repaired"
	OutcomeDropped  ReconcileOutcome = "dropped"
	OutcomeOrphaned ReconcileOutcome = "orphaned"
)

type ReconcileResult struct {
	Outcome ReconcileOutcome   `json:"outcome"`
	Record  *core.DomainRecord `json:"record,omitempty"`
}

// Verify checks that the record's target is live and stores the outcome. A
// resolver answer carrying the target settles it; otherwise the zone itself
// decides, since resolvers serve negatively cached answers for a while after
// a fresh UPSERT.
func (s *Service) Verify(ctx context.Context, rec *core.DomainRecord) (bool, error) {
	const op = "registrar.verify"

	var answers []string
	res, err := s.resolver.LookupA(ctx, rec.FQDN)
	if err == nil {
		answers = res.Addresses
	} else {
		s.logger.Debug("Resolver lookup failed; asking the zone", zap.String("fqdn", rec.FQDN), zap.Error(err))
	}

	live := err == nil && res.Contains(rec.TargetAddress)
	if !live {
		inZone, err := s.zoneHolds(ctx, op, rec)
		if err != nil {
			return false, err
		}
		live = inZone
	}

	orphaned := !live
	now := s.now().UTC()
	if err := s.store.SetDomainVerification(ctx, rec.ID, orphaned, now); err != nil {
		return false, core.Storage(op, err)
	}
	rec.Orphaned = orphaned
	rec.VerifiedAt = &now

	if orphaned {
		s.logger.Warn("Domain record has no matching A record in its zone",
			zap.String("fqdn", rec.FQDN),
			zap.String("target", rec.TargetAddress),
			zap.Strings("answers", answers),
		)
	}
	return orphaned, nil
}

// zoneHolds reports whether the hosted zone carries the record's target. A
// zone that no longer exists holds nothing.
func (s *Service) zoneHolds(ctx context.Context, op string, rec *core.DomainRecord) (bool, error) {
	creds, err := s.credentials(ctx, op)
	if err != nil {
		return false, err
	}
	values, err := s.dns.ListA(ctx, creds, rec.ZoneID, rec.FQDN)
	if core.IsKind(err, core.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if v == rec.TargetAddress {
			return true, nil
		}
	}
	return false, nil
}

// Reconcile brings one record back in line with DNS. An orphan is re-created
// with the current address, or dropped when its zone is gone and nothing
// depends on it. With repair disabled orphans are only flagged.
func (s *Service) Reconcile(ctx context.Context, id string) (*ReconcileResult, error) {
	const op = "registrar.reconcile"

	rec, err := s.store.GetDomainRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	orphaned, err := s.Verify(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !orphaned {
		s.metrics.RecordReconcile(string(OutcomeVerified))
		return &ReconcileResult{Outcome: OutcomeVerified, Record: rec}, nil
	}
	if !s.opts.ReconcileOrphans {
		s.metrics.RecordReconcile(string(OutcomeOrphaned))
		return &ReconcileResult{Outcome: OutcomeOrphaned, Record: rec}, nil
	}

	creds, err := s.credentials(ctx, op)
	if err != nil {
		return nil, err
	}

	var result *ReconcileResult
	err = lease.With(ctx, s.locker, lease.DomainKey(rec.FQDN), s.opts.LeaseTTL, func() error {
		_, err := s.dns.GetZoneApex(ctx, creds, rec.ZoneID)
		if core.IsKind(err, core.KindNotFound) {
			result, err = s.dropOrphan(ctx, rec)
			return err
		}
		if err != nil {
			return err
		}

		addr, err := s.addrs.GetCurrentAddress(ctx)
		if err != nil {
			return err
		}
		result, err = s.repairOrphan(ctx, creds, rec, addr)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReconcile(string(result.Outcome))
	return result, nil
}

func (s *Service) repairOrphan(ctx context.Context, creds core.Credentials, rec *core.DomainRecord, addr netip.Addr) (*ReconcileResult, error) {
	const op = "registrar.reconcile"

	started := s.now()
	err := s.dns.UpsertA(ctx, creds, rec.ZoneID, rec.FQDN, addr, s.ttlOf(rec))
	s.metrics.RecordDNSChange("upsert", started, err)
	if err != nil {
		return nil, err
	}

	fixed := *rec
	fixed.TargetAddress = addr.String()
	fixed.TTL = s.ttlOf(rec)
	fixed.Orphaned = false
	fixed.UpdatedAt = s.now().UTC()
	saved, err := s.store.UpsertDomainRecord(context.WithoutCancel(ctx), &fixed)
	if err != nil {
		return nil, core.Storage(op, err)
	}

	s.logger.Info("Orphaned domain record re-created",
		zap.String("fqdn", rec.FQDN),
		zap.String("previous_target", rec.TargetAddress),
		zap.String("target", saved.TargetAddress),
	)
	return &ReconcileResult{Outcome: OutcomeRepaired, Record: saved}, nil
}

func (s *Service) dropOrphan(ctx context.Context, rec *core.DomainRecord) (*ReconcileResult, error) {
	const op = "registrar.reconcile"

	n, err := s.store.CountCertificates(ctx, rec.ID)
	if err != nil {
		return nil, core.Storage(op, err)
	}
	if n > 0 {
		s.logger.Warn("Zone is gone but certificates still reference the record",
			zap.String("fqdn", rec.FQDN),
			zap.Int("certificates", n),
		)
		return &ReconcileResult{Outcome: OutcomeOrphaned, Record: rec}, nil
	}

	if err := s.store.DeleteDomainRecord(context.WithoutCancel(ctx), rec.ID); err != nil {
		return nil, core.Storage(op, err)
	}
	s.logger.Info("Orphaned domain record dropped; zone no longer exists", zap.String("fqdn", rec.FQDN))
	return &ReconcileResult{Outcome: OutcomeDropped}, nil
}
