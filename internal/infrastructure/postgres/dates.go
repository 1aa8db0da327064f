package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// DateArg converts an optional calendar date into a query argument.
func DateArg(d *civil.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// DateFrom converts a scanned nullable date column.
func DateFrom(t *time.Time) *civil.Date {
	if t == nil {
		return nil
	}
	d := civil.DateOf(*t)
	return &d
}

// IsUniqueViolation reports whether err is a unique_violation (23505),
// optionally restricted to one constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsNoRows reports whether err is pgx.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
