package postgres

import (
	"context"
	"time"

	"github.com/leozw/certiroute/internal/core"
)

const domainColumns = `id, label, zone_id, fqdn, target_address, ttl,
	certificate_installed, orphaned, verified_at, created_at, updated_at`

// UpsertDomainRecord inserts rec or, when the fqdn already exists, updates
// that row in place and keeps its id.
func (db *DB) UpsertDomainRecord(ctx context.Context, rec *core.DomainRecord) (*core.DomainRecord, error) {
	query := `
        INSERT INTO domain_records (
            id, label, zone_id, fqdn, target_address, ttl,
            certificate_installed, orphaned, verified_at, created_at, updated_at
        ) VALUES (
            :id, :label, :zone_id, :fqdn, :target_address, :ttl,
            :certificate_installed, :orphaned, :verified_at, :created_at, :updated_at
        )
        ON CONFLICT (fqdn) DO UPDATE SET
            label = EXCLUDED.label,
            zone_id = EXCLUDED.zone_id,
            target_address = EXCLUDED.target_address,
            ttl = EXCLUDED.ttl,
            orphaned = EXCLUDED.orphaned,
            updated_at = EXCLUDED.updated_at
        RETURNING ` + domainColumns

	rows, err := db.NamedQueryContext(ctx, query, rec)
	if err != nil {
		return nil, classify("store.upsert_domain", "domain record", err)
	}
	defer rows.Close()

	var out core.DomainRecord
	if !rows.Next() {
		return nil, core.Storage("store.upsert_domain", rows.Err())
	}
	if err := rows.StructScan(&out); err != nil {
		return nil, core.Storage("store.upsert_domain", err)
	}
	return &out, nil
}

func (db *DB) GetDomainRecord(ctx context.Context, id string) (*core.DomainRecord, error) {
	var rec core.DomainRecord
	query := `SELECT ` + domainColumns + ` FROM domain_records WHERE id = $1`
	if err := db.GetContext(ctx, &rec, query, id); err != nil {
		return nil, classify("store.get_domain", "domain record "+id, err)
	}
	return &rec, nil
}

func (db *DB) ListDomainRecords(ctx context.Context) ([]*core.DomainRecord, error) {
	records := []*core.DomainRecord{}
	query := `SELECT ` + domainColumns + ` FROM domain_records ORDER BY fqdn`
	if err := db.SelectContext(ctx, &records, query); err != nil {
		return nil, classify("store.list_domains", "domain records", err)
	}
	return records, nil
}

// DeleteDomainRecord fails with a conflict while certificate records still
// reference the row.
func (db *DB) DeleteDomainRecord(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM domain_records WHERE id = $1`, id)
	if err != nil {
		return classify("store.delete_domain", "domain record "+id, err)
	}
	return expectOne(res, "store.delete_domain", "domain record "+id)
}

func (db *DB) SetDomainVerification(ctx context.Context, id string, orphaned bool, verifiedAt time.Time) error {
	query := `UPDATE domain_records SET orphaned = $2, verified_at = $3 WHERE id = $1`
	res, err := db.ExecContext(ctx, query, id, orphaned, verifiedAt)
	if err != nil {
		return classify("store.verify_domain", "domain record "+id, err)
	}
	return expectOne(res, "store.verify_domain", "domain record "+id)
}

func (db *DB) CountCertificates(ctx context.Context, domainRecordID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM certificate_records WHERE domain_record_id = $1`
	if err := db.GetContext(ctx, &count, query, domainRecordID); err != nil {
		return 0, classify("store.count_certificates", "certificates", err)
	}
	return count, nil
}
