package postgres

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/leozw/certiroute/internal/core"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// classify maps driver errors onto the engine's error kinds. what names the
// missing entity for sql.ErrNoRows.
func classify(op, what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFound(op, what+" not found")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return core.E(core.KindConflict, op, "constraint "+pqErr.Constraint+" violated", err)
		case foreignKeyViolation:
			return core.E(core.KindConflict, op, "referenced by or referencing another record", err)
		}
	}
	return core.Storage(op, err)
}

func isForeignKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}
