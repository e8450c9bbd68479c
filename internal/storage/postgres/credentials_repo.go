package postgres

import (
	"context"
	"database/sql"

	"github.com/leozw/certiroute/internal/core"
)

// SaveCredentials replaces the active credential set. Only one row exists.
func (db *DB) SaveCredentials(ctx context.Context, c *core.StoredCredentials) error {
	const op = "store.save_credentials"

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Storage(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_credentials`); err != nil {
		return core.Storage(op, err)
	}
	query := `
        INSERT INTO provider_credentials (
            id, access_key_enc, secret_enc, region, access_key_tag, created_at, updated_at
        ) VALUES (
            :id, :access_key_enc, :secret_enc, :region, :access_key_tag, :created_at, :updated_at
        )`
	if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
		return classify(op, "credentials", err)
	}
	return classify(op, "credentials", tx.Commit())
}

// GetActiveCredentials returns nil, nil when none are configured.
func (db *DB) GetActiveCredentials(ctx context.Context) (*core.StoredCredentials, error) {
	var c core.StoredCredentials
	query := `
        SELECT id, access_key_enc, secret_enc, region, access_key_tag, created_at, updated_at
        FROM provider_credentials
        ORDER BY updated_at DESC
        LIMIT 1`
	err := db.GetContext(ctx, &c, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Storage("store.get_credentials", err)
	}
	return &c, nil
}

func (db *DB) DeleteCredentials(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM provider_credentials`)
	return classify("store.delete_credentials", "credentials", err)
}
