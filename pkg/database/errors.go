package database

import (
	"strings"

	"github.com/lib/pq"

	"github.com/civirec/civirec-backend/pkg/errors"
)

// MapPQError converts constraint-violation errors from PostgreSQL to
// AppErrors with meaningful messages. Anything it cannot map (connection
// failures, cancellations, scan errors) passes through unchanged so the
// original cause is never lost.
func MapPQError(err error) error {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return err
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return err
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "id_number_format"):
		return errors.Validation(map[string]string{
			"id_number": "must be exactly 14 digits",
		})

	case strings.Contains(constraint, "age_non_negative"):
		return errors.Validation(map[string]string{
			"age": "must not be negative",
		})

	case strings.Contains(constraint, "marital_status_valid"):
		return errors.Validation(map[string]string{
			"marital_status": "must be one of: single, married, divorced, widowed",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "id_number"):
		return "a record with this national ID already exists"
	default:
		return "a record with these values already exists"
	}
}
