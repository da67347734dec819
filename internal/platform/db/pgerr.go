package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the platform reacts to.
const (
	CodeDuplicateSchema  = "42P06"
	CodeDuplicateObject  = "42710"
	CodeDuplicateTable   = "42P07"
	CodeUniqueViolation  = "23505"
	CodeLockNotAvailable = "55P03"
	CodeQueryCanceled    = "57014"
)

// PgCode returns the SQLSTATE of err, or "" when err is not a server error.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsAlreadyExists reports whether err is what a concurrent DDL creator
// produces when it loses the race. A unique violation counts because two
// CREATEs of the same type or sequence can collide on pg_type or pg_class
// before the duplicate check sees the other row.
func IsAlreadyExists(err error) bool {
	switch PgCode(err) {
	case CodeDuplicateSchema, CodeDuplicateObject, CodeDuplicateTable:
		return true
	case CodeUniqueViolation:
		var pgErr *pgconn.PgError
		errors.As(err, &pgErr)
		return pgErr.SchemaName == "pg_catalog" || isCatalogConstraint(pgErr.ConstraintName)
	}
	return false
}

func isCatalogConstraint(name string) bool {
	switch name {
	case "pg_type_typname_nsp_index", "pg_class_relname_nsp_index", "pg_namespace_nspname_index":
		return true
	}
	return false
}

// IsLockTimeout reports a lock_timeout or statement cancellation.
func IsLockTimeout(err error) bool {
	switch PgCode(err) {
	case CodeLockNotAvailable, CodeQueryCanceled:
		return true
	}
	return false
}

// IsUniqueViolation reports a unique constraint violation on a user table.
func IsUniqueViolation(err error) bool {
	return PgCode(err) == CodeUniqueViolation && !IsAlreadyExists(err)
}
