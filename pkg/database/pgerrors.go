package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// IsSerializationFailure reports whether err is a PostgreSQL serialization
// failure (SQLSTATE 40001). The caller should retry the whole transaction.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505). For write-once tables this means "already
// recorded".
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// IsUniqueViolationOn reports whether err is a unique violation raised by the
// given table. The server fills in the table coordinates on constraint
// errors, which lets callers tell a bookkeeping collision from the
// application's own duplicate key.
func IsUniqueViolationOn(err error, schema, table string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return pgErr.SchemaName == schema && pgErr.TableName == table
}
