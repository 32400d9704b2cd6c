package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/archivist/internal/store"
)

// pgErrorClass maps a SQLSTATE to the store sentinel it surfaces as.
var pgErrorClass = map[string]struct {
	sentinel error
	label    string
}{
	"23505": {store.ErrDuplicate, "unique violation"},
	"23503": {store.ErrInvalidEntity, "foreign key violation"},
	"23514": {store.ErrInvalidEntity, "check violation"},
	"23502": {store.ErrInvalidEntity, "not null violation"},
	"40001": {store.ErrTransactionFailed, "serialization failure"},
	"40P01": {store.ErrTransactionFailed, "deadlock detected"},
}

// MapError translates driver errors into store sentinels. Errors it does
// not recognise are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	class, ok := pgErrorClass[pgErr.Code]
	if !ok {
		return err
	}
	detail := pgErr.ConstraintName
	if detail == "" {
		detail = pgErr.ColumnName
	}
	if detail != "" {
		return fmt.Errorf("%w: %s (%s): %v", class.sentinel, class.label, detail, err)
	}
	return fmt.Errorf("%w: %s: %v", class.sentinel, class.label, err)
}

// CheckRowsAffected returns notFound when an UPDATE or DELETE touched
// nothing.
func CheckRowsAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
