// Package identity manages user accounts and the patient, doctor and pharmacy
// profiles attached to them, plus login sessions backed by rotating refresh
// tokens.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// MinPatientAge is the minimum age, in years, for a patient account.
const MinPatientAge = 18

// notAvailable fills required profile columns the caller left blank.
const notAvailable = "N/A"

// User is a login account. At most one of Patient, Doctor and Pharmacy is set,
// matching Role.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         auth.Role  `json:"role"`
	IsActive     bool       `json:"isActive"`
	LastLogin    *time.Time `json:"lastLogin"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	Patient  *Patient  `json:"patient"`
	Doctor   *Doctor   `json:"doctor"`
	Pharmacy *Pharmacy `json:"pharmacy"`
}

// Actor returns the session identity for u.
func (u *User) Actor() auth.Actor {
	a := auth.Actor{UserID: u.ID, Email: u.Email, Role: u.Role}
	if u.Patient != nil {
		id := u.Patient.ID
		a.PatientID = &id
	}
	if u.Doctor != nil {
		id := u.Doctor.ID
		a.DoctorID = &id
	}
	if u.Pharmacy != nil {
		id := u.Pharmacy.ID
		a.PharmacyID = &id
	}
	return a
}

// Patient is the profile of a patient account.
type Patient struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"userId"`
	DocumentID       string     `json:"documentId"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	DateOfBirth      civil.Date `json:"dateOfBirth"`
	Phone            string     `json:"phone"`
	Address          string     `json:"address"`
	EmergencyContact *string    `json:"emergencyContact,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Doctor is the profile of a doctor account.
type Doctor struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"userId"`
	DocumentID       string     `json:"documentId"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	LicenseNumber    string     `json:"licenseNumber"`
	Phone            string     `json:"phone"`
	ConsultationFee  float64    `json:"consultationFee"`
	AcceptsInsurance bool       `json:"acceptsInsurance"`
	SpecialtyID      *uuid.UUID `json:"specialtyId"`
	Specialty        *Specialty `json:"specialty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	// Email and IsActive are taken from the owning user in listings.
	Email    string `json:"email,omitempty"`
	IsActive bool   `json:"isActive"`
}

// Specialty is a medical specialty doctors belong to.
type Specialty struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
}

// Pharmacy is the profile of a pharmacy account. It shares its id with the
// owning user.
type Pharmacy struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	LicenseNumber     string     `json:"licenseNumber"`
	PharmacistName    string     `json:"pharmacistName"`
	PharmacistLicense string     `json:"pharmacistLicense"`
	Address           string     `json:"address"`
	City              string     `json:"city"`
	State             string     `json:"state"`
	ZipCode           *string    `json:"zipCode"`
	Phone             string     `json:"phone"`
	Email             string     `json:"email"`
	OperatingHours    string     `json:"operatingHours"`
	Notes             string     `json:"notes"`
	IsActive          bool       `json:"isActive"`
	IsVerified        bool       `json:"isVerified"`
	VerifiedAt        *time.Time `json:"verifiedAt"`
	VerifiedBy        *uuid.UUID `json:"verifiedBy"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// RefreshToken is a stored refresh credential. Only the hash of the opaque
// token is kept.
type RefreshToken struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	TokenHash           string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	RevokedAt           *time.Time
	ReplacedByTokenHash *string
}

// Active reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func orNA(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return notAvailable
	}
	return s
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
