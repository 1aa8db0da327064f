// Package auth provides the authenticated session model, JWT issuing and
// validation, password hashing, and refresh-token helpers.
package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Role is the caller's role as carried in the access token.
type Role string

const (
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleAdmin     Role = "admin"
	RoleSecretary Role = "secretary"
	RolePharmacy  Role = "pharmacy"
)

// ParseRole returns the role named by s, ignoring case.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin, RoleSecretary, RolePharmacy:
		return r, true
	}
	return "", false
}

// Actor is the authenticated caller of a request.
type Actor struct {
	UserID     uuid.UUID
	Email      string
	Role       Role
	PatientID  *uuid.UUID
	DoctorID   *uuid.UUID
	PharmacyID *uuid.UUID
}

// Is reports whether the actor holds any of roles.
func (a Actor) Is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// OwnsPatient reports whether the actor is the given patient.
func (a Actor) OwnsPatient(id uuid.UUID) bool {
	return a.PatientID != nil && *a.PatientID == id
}

// OwnsDoctor reports whether the actor is the given doctor.
func (a Actor) OwnsDoctor(id uuid.UUID) bool {
	return a.DoctorID != nil && *a.DoctorID == id
}

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
