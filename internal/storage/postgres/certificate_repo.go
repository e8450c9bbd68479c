package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/leozw/certiroute/internal/core"
)

const certificateColumns = `id, domain_record_id, fqdn, status, install_target_port,
	installed_server_type, key_material_ref, cert_ref, chain_ref, failure_reason,
	superseded_by, expires_at, installed_at, revoked_at, created_at, updated_at`

func (db *DB) CreateCertificate(ctx context.Context, rec *core.CertificateRecord) error {
	query := `
        INSERT INTO certificate_records (` + certificateColumns + `) VALUES (
            :id, :domain_record_id, :fqdn, :status, :install_target_port,
            :installed_server_type, :key_material_ref, :cert_ref, :chain_ref, :failure_reason,
            :superseded_by, :expires_at, :installed_at, :revoked_at, :created_at, :updated_at
        )`

	_, err := db.NamedExecContext(ctx, query, rec)
	if isForeignKey(err) {
		return core.NotFound("store.create_certificate", "domain record "+rec.DomainRecordID+" not found")
	}
	return classify("store.create_certificate", "certificate", err)
}

func (db *DB) GetCertificate(ctx context.Context, id string) (*core.CertificateRecord, error) {
	return getCertificate(ctx, db.DB, id, false)
}

func getCertificate(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*core.CertificateRecord, error) {
	var rec core.CertificateRecord
	query := `SELECT ` + certificateColumns + ` FROM certificate_records WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	if err := sqlx.GetContext(ctx, q, &rec, query, id); err != nil {
		return nil, classify("store.get_certificate", "certificate "+id, err)
	}
	return &rec, nil
}

// ListCertificates returns newest first. An empty domainRecordID lists all.
func (db *DB) ListCertificates(ctx context.Context, domainRecordID string) ([]*core.CertificateRecord, error) {
	records := []*core.CertificateRecord{}
	var err error
	if domainRecordID == "" {
		err = db.SelectContext(ctx, &records,
			`SELECT `+certificateColumns+` FROM certificate_records ORDER BY created_at DESC`)
	} else {
		err = db.SelectContext(ctx, &records,
			`SELECT `+certificateColumns+` FROM certificate_records WHERE domain_record_id = $1 ORDER BY created_at DESC`,
			domainRecordID)
	}
	if err != nil {
		return nil, classify("store.list_certificates", "certificates", err)
	}
	return records, nil
}

const updateCertificate = `
        UPDATE certificate_records SET
            status = :status,
            installed_server_type = :installed_server_type,
            cert_ref = :cert_ref,
            chain_ref = :chain_ref,
            failure_reason = :failure_reason,
            superseded_by = :superseded_by,
            expires_at = :expires_at,
            installed_at = :installed_at,
            revoked_at = :revoked_at,
            updated_at = :updated_at
        WHERE id = :id AND status = :from_status`

type certificateUpdate struct {
	core.CertificateRecord
	FromStatus core.CertificateStatus `db:"from_status"`
}

// TransitionCertificate writes rec only if the stored status is still from.
// The partial unique index rejects a second installed record on one slot.
func (db *DB) TransitionCertificate(ctx context.Context, rec *core.CertificateRecord, from core.CertificateStatus) error {
	return transition(ctx, db.DB, rec, from)
}

func transition(ctx context.Context, e sqlx.ExtContext, rec *core.CertificateRecord, from core.CertificateStatus) error {
	const op = "store.transition_certificate"

	res, err := sqlx.NamedExecContext(ctx, e, updateCertificate, certificateUpdate{*rec, from})
	if err != nil {
		return classify(op, "certificate "+rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Storage(op, err)
	}
	if n == 1 {
		return nil
	}

	current, err := getCertificate(ctx, e, rec.ID, false)
	if err != nil {
		return err
	}
	return core.Conflict(op, "certificate "+rec.ID+" is "+string(current.Status)+", not "+string(from))
}

// FindInstalled returns nil, nil when the slot is free.
func (db *DB) FindInstalled(ctx context.Context, domainRecordID string, port int) (*core.CertificateRecord, error) {
	var rec core.CertificateRecord
	query := `SELECT ` + certificateColumns + ` FROM certificate_records
        WHERE domain_record_id = $1 AND install_target_port = $2 AND status = 'installed'`
	err := db.GetContext(ctx, &rec, query, domainRecordID, port)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("store.find_installed", "certificate", err)
	}
	return &rec, nil
}

// CompleteInstallation flips installed to installed and prior, if any, to
// revoked in one transaction, then marks the domain record.
func (db *DB) CompleteInstallation(ctx context.Context, installed, prior *core.CertificateRecord) error {
	const op = "store.complete_installation"

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Storage(op, err)
	}
	defer tx.Rollback()

	// The prior record goes first so the slot index is free for the new one.
	if prior != nil {
		if err := transition(ctx, tx, prior, core.StatusInstalled); err != nil {
			return err
		}
	}
	if err := transition(ctx, tx, installed, core.StatusIssued); err != nil {
		return err
	}

	query := `UPDATE domain_records SET certificate_installed = true, updated_at = $2 WHERE id = $1`
	res, err := tx.ExecContext(ctx, query, installed.DomainRecordID, installed.UpdatedAt)
	if err != nil {
		return classify(op, "domain record", err)
	}
	if err := expectOne(res, op, "domain record "+installed.DomainRecordID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(op, "certificate", err)
	}
	return nil
}

func (db *DB) DeleteCertificate(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM certificate_records WHERE id = $1`, id)
	if err != nil {
		return classify("store.delete_certificate", "certificate "+id, err)
	}
	return expectOne(res, "store.delete_certificate", "certificate "+id)
}

// RefreshCertificateInstalled recomputes the domain flag from the
// certificate rows.
func (db *DB) RefreshCertificateInstalled(ctx context.Context, domainRecordID string) error {
	query := `
        UPDATE domain_records SET certificate_installed = EXISTS (
            SELECT 1 FROM certificate_records
            WHERE domain_record_id = $1 AND status = 'installed'
        )
        WHERE id = $1`
	_, err := db.ExecContext(ctx, query, domainRecordID)
	return classify("store.refresh_installed", "domain record", err)
}

func (db *DB) ListStaleRequested(ctx context.Context, before time.Time) ([]*core.CertificateRecord, error) {
	records := []*core.CertificateRecord{}
	query := `SELECT ` + certificateColumns + ` FROM certificate_records
        WHERE status = 'requested' AND updated_at < $1 ORDER BY updated_at`
	if err := db.SelectContext(ctx, &records, query, before); err != nil {
		return nil, classify("store.list_stale", "certificates", err)
	}
	return records, nil
}

func expectOne(res sql.Result, op, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.Storage(op, err)
	}
	if n == 0 {
		return core.NotFound(op, what+" not found")
	}
	return nil
}
