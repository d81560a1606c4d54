package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrRunNotActive is returned when a guarded run update finds the run
	// already terminal (or otherwise not in the expected state).
	ErrRunNotActive = errors.New("storage: run not active")

	// ErrCaseNotReviewable is returned when a review targets a case whose status is not OK.
	ErrCaseNotReviewable = errors.New("storage: case not reviewable")

	// ErrDuplicateReviewRequest is returned when the (case_result_id, request_id)
	// audit key already exists. The whole review transaction is rolled back.
	ErrDuplicateReviewRequest = errors.New("storage: duplicate review request")
)

const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique_violation,
// optionally restricted to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
