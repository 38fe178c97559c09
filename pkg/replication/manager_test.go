package replication

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolationPgError(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	if !isUniqueViolation(err) {
		t.Errorf("isUniqueViolation() = false for SQLSTATE 23505, want true")
	}
}

func TestIsUniqueViolationOtherPgError(t *testing.T) {
	err := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	if isUniqueViolation(err) {
		t.Errorf("isUniqueViolation() = true for SQLSTATE 42601, want false")
	}
}

func TestIsUniqueViolationStringFallback(t *testing.T) {
	err := errors.New(`replication slot "x" already exists`)
	if !isUniqueViolation(err) {
		t.Errorf("isUniqueViolation() = false for already-exists text, want true")
	}
}

func TestIsUniqueViolationUnrelated(t *testing.T) {
	err := errors.New("connection refused")
	if isUniqueViolation(err) {
		t.Errorf("isUniqueViolation() = true for unrelated error, want false")
	}
}
