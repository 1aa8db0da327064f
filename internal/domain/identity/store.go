package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/auth"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// UserFilter narrows a user listing.
type UserFilter struct {
	Role     auth.Role
	IsActive *bool
	Limit    int
	Offset   int
}

// DoctorFilter narrows a doctor listing. IsActive applies to the owning user.
type DoctorFilter struct {
	SpecialtyID *uuid.UUID
	IsActive    *bool
	Limit       int
	Offset      int
}

// UserStore persists accounts and their profiles. The uniqueness probes
// ignore the row identified by except.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context, f UserFilter) ([]*User, int, error)

	EmailTaken(ctx context.Context, email string, except uuid.UUID) (bool, error)
	PatientDocumentTaken(ctx context.Context, documentID string, except uuid.UUID) (bool, error)
	DoctorDocumentTaken(ctx context.Context, documentID string, except uuid.UUID) (bool, error)
	DoctorLicenseTaken(ctx context.Context, license string, except uuid.UUID) (bool, error)
	PharmacyLicenseTaken(ctx context.Context, license string, except uuid.UUID) (bool, error)

	ListDoctors(ctx context.Context, f DoctorFilter) ([]*Doctor, int, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListPatients(ctx context.Context, documentID string) ([]*Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// TokenStore persists refresh tokens. RotateRefreshToken revokes the token
// with oldHash, links it to next and inserts next atomically.
type TokenStore interface {
	SaveRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken, at time.Time) error
	RevokeRefreshToken(ctx context.Context, hash string, at time.Time) error
}

// PharmacyStore persists pharmacy profiles.
type PharmacyStore interface {
	ListPharmacies(ctx context.Context) ([]*Pharmacy, error)
	GetPharmacy(ctx context.Context, id uuid.UUID) (*Pharmacy, error)
	UpdatePharmacy(ctx context.Context, p *Pharmacy) error
	DeactivatePharmacy(ctx context.Context, id uuid.UUID, at time.Time) error
	CountPharmacyDispensations(ctx context.Context, id uuid.UUID) (int, error)
}

// SpecialtyStore persists specialties.
type SpecialtyStore interface {
	ListSpecialties(ctx context.Context) ([]*Specialty, error)
	GetSpecialty(ctx context.Context, id uuid.UUID) (*Specialty, error)
	FindSpecialtyByName(ctx context.Context, name string) (*Specialty, error)
	CreateSpecialty(ctx context.Context, s *Specialty) error
	UpdateSpecialty(ctx context.Context, s *Specialty) error
	DeleteSpecialty(ctx context.Context, id uuid.UUID) error
}

// Store is everything the identity services need.
type Store interface {
	UserStore
	TokenStore
	PharmacyStore
	SpecialtyStore
}
