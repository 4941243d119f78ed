package postgres

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

const uniqueViolation = "23505"

// isUniqueViolation recognizes unique constraint errors from both lib/pq and pgx
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}
