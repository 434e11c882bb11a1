package api

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// postgresUniqueViolation is the SQLSTATE Postgres returns for a unique
// constraint violation.
const postgresUniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, and if so populates out with the underlying *pgconn.PgError.
func isUniqueViolation(err error, out **pgconn.PgError) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation {
		*out = pgErr
		return true
	}
	return false
}
