package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes used by this module.
const (
	SQLStateUniqueViolation      = "23505"
	SQLStateForeignKeyViolation  = "23503"
	SQLStateUndefinedTable       = "42P01"
	SQLStateSerializationFailure = "40001"
	SQLStateQueryCanceled        = "57014"
	SQLStateAdminShutdown        = "57P01"
)

// SQLState returns the SQLSTATE carried by err, or "".
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsUniqueViolation(err error) bool { return SQLState(err) == SQLStateUniqueViolation }

func IsUndefinedTable(err error) bool { return SQLState(err) == SQLStateUndefinedTable }

func IsQueryCanceled(err error) bool { return SQLState(err) == SQLStateQueryCanceled }

// IsConnectionException matches SQLSTATE class 08 and server shutdown; the
// connection that produced it should not be reused.
func IsConnectionException(err error) bool {
	code := SQLState(err)
	if code == SQLStateAdminShutdown {
		return true
	}
	return len(code) == 5 && code[:2] == "08"
}
