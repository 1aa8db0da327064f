package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/civil"
	"github.com/cmmsalud/clinic-api/pkg/paging"
)

const (
	defaultUserPageSize   = 50
	maxUserPageSize       = 200
	defaultDoctorPageSize = 12
	maxDoctorPageSize     = 100
	defaultPharmacyZip    = "00000"
)

// Service implements account administration and the doctor, patient,
// pharmacy and specialty directories.
type Service struct {
	store  Store
	hasher *auth.PasswordHasher
	clock  Clock
	logger *zap.Logger
}

// NewService creates a new directory service
func NewService(store Store, hasher *auth.PasswordHasher, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	if hasher == nil {
		hasher = auth.NewPasswordHasher()
	}
	return &Service{store: store, hasher: hasher, clock: clock, logger: logger}
}

// DoctorData is the doctor profile of a new account.
type DoctorData struct {
	DocumentID       string     `json:"documentId"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	LicenseNumber    string     `json:"licenseNumber"`
	Phone            string     `json:"phone"`
	ConsultationFee  *float64   `json:"consultationFee"`
	AcceptsInsurance bool       `json:"acceptsInsurance"`
	SpecialtyID      *uuid.UUID `json:"specialtyId"`
	Specialty        string     `json:"specialty"`
}

// PatientData is the patient profile of a new account.
type PatientData struct {
	DocumentID       string  `json:"documentId"`
	FirstName        string  `json:"firstName"`
	LastName         string  `json:"lastName"`
	Phone            string  `json:"phone"`
	Address          string  `json:"address"`
	DateOfBirth      string  `json:"dateOfBirth"`
	EmergencyContact *string `json:"emergencyContact"`
}

// PharmacyData is the pharmacy profile of a new account.
type PharmacyData struct {
	Name              string `json:"name"`
	LicenseNumber     string `json:"licenseNumber"`
	PharmacistName    string `json:"pharmacistName"`
	PharmacistLicense string `json:"pharmacistLicense"`
	Address           string `json:"address"`
	City              string `json:"city"`
	State             string `json:"state"`
	ZipCode           string `json:"zipCode"`
	Phone             string `json:"phone"`
	Email             string `json:"email"`
	OperatingHours    string `json:"operatingHours"`
	Notes             string `json:"notes"`
}

// CreateUserInput is an admin-created account.
type CreateUserInput struct {
	Email        string        `json:"email"`
	Password     string        `json:"password"`
	Role         string        `json:"role"`
	IsActive     *bool         `json:"isActive"`
	DoctorData   *DoctorData   `json:"doctorData"`
	PatientData  *PatientData  `json:"patientData"`
	PharmacyData *PharmacyData `json:"pharmacyData"`
}

// CreateUser creates an account of any role with its profile.
func (s *Service) CreateUser(ctx context.Context, actor auth.Actor, in CreateUserInput) (*User, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can create users")
	}
	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, domainerr.Validation("email and password are required")
	}
	role := auth.RolePatient
	if strings.TrimSpace(in.Role) != "" {
		r, ok := auth.ParseRole(in.Role)
		if !ok {
			return nil, domainerr.Validation("invalid role %q", in.Role)
		}
		role = r
	}
	if err := s.ensureEmailFree(ctx, email, uuid.Nil); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	u := &User{
		ID:        uuid.New(),
		Email:     email,
		Role:      role,
		IsActive:  in.IsActive == nil || *in.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch role {
	case auth.RoleDoctor:
		doc, err := s.buildDoctor(ctx, u, in.DoctorData)
		if err != nil {
			return nil, err
		}
		u.Doctor = doc
	case auth.RolePatient:
		pat, err := s.buildPatient(ctx, u, in.PatientData)
		if err != nil {
			return nil, err
		}
		u.Patient = pat
	case auth.RolePharmacy:
		if in.PharmacyData == nil {
			return nil, domainerr.Validation("pharmacyData is required for role pharmacy")
		}
		ph, err := s.buildPharmacy(ctx, u, *in.PharmacyData, false)
		if err != nil {
			return nil, err
		}
		u.Pharmacy = ph
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash

	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("user created",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(u.Role)),
		zap.String("by", actor.UserID.String()),
	)
	return u, nil
}

func (s *Service) buildDoctor(ctx context.Context, u *User, d *DoctorData) (*Doctor, error) {
	if d == nil {
		return nil, domainerr.Validation("doctorData is required for role doctor")
	}
	documentID := strings.TrimSpace(d.DocumentID)
	license := strings.TrimSpace(d.LicenseNumber)
	if documentID == "" || license == "" {
		return nil, domainerr.Validation("doctorData.documentId and doctorData.licenseNumber are required")
	}
	if taken, err := s.store.DoctorDocumentTaken(ctx, documentID, uuid.Nil); err != nil {
		return nil, fmt.Errorf("check doctor document: %w", err)
	} else if taken {
		return nil, domainerr.Validation("a doctor with documentId %s already exists", documentID)
	}
	if taken, err := s.store.DoctorLicenseTaken(ctx, license, uuid.Nil); err != nil {
		return nil, fmt.Errorf("check doctor license: %w", err)
	} else if taken {
		return nil, domainerr.Validation("a doctor with license %s already exists", license)
	}

	spec, err := s.resolveSpecialty(ctx, d.SpecialtyID, d.Specialty)
	if err != nil {
		return nil, err
	}
	fee := 0.0
	if d.ConsultationFee != nil {
		if *d.ConsultationFee < 0 {
			return nil, domainerr.Validation("consultationFee cannot be negative")
		}
		fee = *d.ConsultationFee
	}
	return &Doctor{
		ID:               uuid.New(),
		UserID:           u.ID,
		DocumentID:       documentID,
		FirstName:        orNA(d.FirstName),
		LastName:         orNA(d.LastName),
		LicenseNumber:    license,
		Phone:            orNA(d.Phone),
		ConsultationFee:  fee,
		AcceptsInsurance: d.AcceptsInsurance,
		SpecialtyID:      &spec.ID,
		Specialty:        spec,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.CreatedAt,
		Email:            u.Email,
		IsActive:         u.IsActive,
	}, nil
}

func (s *Service) resolveSpecialty(ctx context.Context, id *uuid.UUID, name string) (*Specialty, error) {
	if id != nil && *id != uuid.Nil {
		spec, err := s.store.GetSpecialty(ctx, *id)
		if err != nil {
			return nil, domainerr.Validation("specialty %s does not exist", *id)
		}
		return spec, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainerr.Validation("doctorData.specialtyId or doctorData.specialty is required")
	}
	spec, err := s.store.FindSpecialtyByName(ctx, name)
	if err != nil {
		return nil, domainerr.Validation("specialty %q does not exist", name)
	}
	return spec, nil
}

func (s *Service) buildPatient(ctx context.Context, u *User, d *PatientData) (*Patient, error) {
	if d == nil {
		return nil, domainerr.Validation("patientData is required for role patient")
	}
	documentID := strings.TrimSpace(d.DocumentID)
	if documentID == "" {
		return nil, domainerr.Validation("patientData.documentId is required")
	}
	dob, err := civil.Parse(d.DateOfBirth)
	if err != nil {
		return nil, domainerr.Validation("patientData.dateOfBirth must be yyyy-MM-dd")
	}
	if dob.YearsUntil(civil.DateOf(u.CreatedAt)) < MinPatientAge {
		return nil, ErrUnderage
	}
	if taken, err := s.store.PatientDocumentTaken(ctx, documentID, uuid.Nil); err != nil {
		return nil, fmt.Errorf("check patient document: %w", err)
	} else if taken {
		return nil, ErrDocumentTaken
	}
	return &Patient{
		ID:               uuid.New(),
		UserID:           u.ID,
		DocumentID:       documentID,
		FirstName:        orNA(d.FirstName),
		LastName:         orNA(d.LastName),
		DateOfBirth:      dob,
		Phone:            orNA(d.Phone),
		Address:          orNA(d.Address),
		EmergencyContact: trimPtr(d.EmergencyContact),
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.CreatedAt,
	}, nil
}

// buildPharmacy prepares a pharmacy sharing u's id. strict requires every
// contact field instead of defaulting it.
func (s *Service) buildPharmacy(ctx context.Context, u *User, d PharmacyData, strict bool) (*Pharmacy, error) {
	name := strings.TrimSpace(d.Name)
	license := strings.TrimSpace(d.LicenseNumber)
	if name == "" || license == "" {
		return nil, domainerr.Validation("name and licenseNumber are required")
	}
	if strict {
		switch {
		case strings.TrimSpace(d.PharmacistName) == "" || strings.TrimSpace(d.PharmacistLicense) == "":
			return nil, domainerr.Validation("pharmacistName and pharmacistLicense are required")
		case strings.TrimSpace(d.Address) == "" || strings.TrimSpace(d.City) == "" || strings.TrimSpace(d.State) == "":
			return nil, domainerr.Validation("address, city and state are required")
		case strings.TrimSpace(d.Phone) == "":
			return nil, domainerr.Validation("phone is required")
		}
	}
	if taken, err := s.store.PharmacyLicenseTaken(ctx, license, uuid.Nil); err != nil {
		return nil, fmt.Errorf("check pharmacy license: %w", err)
	} else if taken {
		return nil, domainerr.Validation("a pharmacy with license %s already exists", license)
	}

	email := NormalizeEmail(d.Email)
	if email == "" {
		email = u.Email
	}
	var zip *string
	if z := strings.TrimSpace(d.ZipCode); z != "" {
		zip = &z
	} else if !strict {
		z := defaultPharmacyZip
		zip = &z
	}
	return &Pharmacy{
		ID:                u.ID,
		Name:              name,
		LicenseNumber:     license,
		PharmacistName:    orNA(d.PharmacistName),
		PharmacistLicense: orNA(d.PharmacistLicense),
		Address:           orNA(d.Address),
		City:              orNA(d.City),
		State:             orNA(d.State),
		ZipCode:           zip,
		Phone:             orNA(d.Phone),
		Email:             email,
		OperatingHours:    orNA(d.OperatingHours),
		Notes:             strings.TrimSpace(d.Notes),
		IsActive:          true,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.CreatedAt,
	}, nil
}

func (s *Service) ensureEmailFree(ctx context.Context, email string, except uuid.UUID) error {
	taken, err := s.store.EmailTaken(ctx, email, except)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken {
		return ErrEmailTaken
	}
	return nil
}

// UserQuery is a user listing request.
type UserQuery struct {
	Role     string
	IsActive *bool
	Page     int
	PageSize int
}

// ListUsers lists accounts newest first.
func (s *Service) ListUsers(ctx context.Context, actor auth.Actor, q UserQuery) (paging.Page[*User], error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary) {
		return paging.Page[*User]{}, domainerr.Forbidden("only admins and secretaries can list users")
	}
	f := UserFilter{IsActive: q.IsActive}
	if strings.TrimSpace(q.Role) != "" {
		r, ok := auth.ParseRole(q.Role)
		if !ok {
			return paging.Page[*User]{}, domainerr.Validation("invalid role %q", q.Role)
		}
		f.Role = r
	}
	page, size := paging.Normalize(q.Page, q.PageSize, defaultUserPageSize, maxUserPageSize)
	f.Limit, f.Offset = size, paging.Offset(page, size)

	items, total, err := s.store.ListUsers(ctx, f)
	if err != nil {
		return paging.Page[*User]{}, fmt.Errorf("list users: %w", err)
	}
	return paging.New(items, page, size, total), nil
}

// GetUser returns one account with its profile.
func (s *Service) GetUser(ctx context.Context, actor auth.Actor, id uuid.UUID) (*User, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary) && actor.UserID != id {
		return nil, domainerr.Forbidden("cannot read another user")
	}
	return s.store.GetUser(ctx, id)
}

// UpdateUserInput is an admin patch of an account and its profile. Profile
// fields apply to whichever profile the account has.
type UpdateUserInput struct {
	Email           *string    `json:"email"`
	IsActive        *bool      `json:"isActive"`
	FirstName       *string    `json:"firstName"`
	LastName        *string    `json:"lastName"`
	Phone           *string    `json:"phone"`
	Address         *string    `json:"address"`
	LicenseNumber   *string    `json:"licenseNumber"`
	ConsultationFee *float64   `json:"consultationFee"`
	SpecialtyID     *uuid.UUID `json:"specialtyId"`
}

// UpdateUser patches an account.
func (s *Service) UpdateUser(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateUserInput) (*User, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can update users")
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Email != nil {
		email := NormalizeEmail(*in.Email)
		if email == "" {
			return nil, domainerr.Validation("email cannot be blank")
		}
		if email != u.Email {
			if err := s.ensureEmailFree(ctx, email, u.ID); err != nil {
				return nil, err
			}
			u.Email = email
		}
	}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}

	set := func(dst *string, v *string) {
		if v != nil && strings.TrimSpace(*v) != "" {
			*dst = strings.TrimSpace(*v)
		}
	}
	switch {
	case u.Patient != nil:
		set(&u.Patient.FirstName, in.FirstName)
		set(&u.Patient.LastName, in.LastName)
		set(&u.Patient.Phone, in.Phone)
		set(&u.Patient.Address, in.Address)
	case u.Doctor != nil:
		set(&u.Doctor.FirstName, in.FirstName)
		set(&u.Doctor.LastName, in.LastName)
		set(&u.Doctor.Phone, in.Phone)
		if in.LicenseNumber != nil {
			lic := strings.TrimSpace(*in.LicenseNumber)
			if lic == "" {
				return nil, domainerr.Validation("licenseNumber cannot be blank")
			}
			taken, err := s.store.DoctorLicenseTaken(ctx, lic, u.Doctor.ID)
			if err != nil {
				return nil, fmt.Errorf("check doctor license: %w", err)
			}
			if taken {
				return nil, domainerr.Validation("a doctor with license %s already exists", lic)
			}
			u.Doctor.LicenseNumber = lic
		}
		if in.ConsultationFee != nil {
			if *in.ConsultationFee < 0 {
				return nil, domainerr.Validation("consultationFee cannot be negative")
			}
			u.Doctor.ConsultationFee = *in.ConsultationFee
		}
		if in.SpecialtyID != nil {
			spec, err := s.resolveSpecialty(ctx, in.SpecialtyID, "")
			if err != nil {
				return nil, err
			}
			u.Doctor.SpecialtyID = &spec.ID
			u.Doctor.Specialty = spec
		}
	}

	now := s.clock.Now()
	u.UpdatedAt = now
	if u.Patient != nil {
		u.Patient.UpdatedAt = now
	}
	if u.Doctor != nil {
		u.Doctor.UpdatedAt = now
	}
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	s.logger.Info("user updated", zap.String("user_id", u.ID.String()), zap.String("by", actor.UserID.String()))
	return u, nil
}

// DoctorQuery is a doctor directory request. A nil IsActive lists all.
type DoctorQuery struct {
	SpecialtyID *uuid.UUID
	IsActive    *bool
	Page        int
	PageSize    int
}

// ListDoctors lists doctors ordered by first name.
func (s *Service) ListDoctors(ctx context.Context, q DoctorQuery) (paging.Page[*Doctor], error) {
	page, size := paging.Normalize(q.Page, q.PageSize, defaultDoctorPageSize, maxDoctorPageSize)
	items, total, err := s.store.ListDoctors(ctx, DoctorFilter{
		SpecialtyID: q.SpecialtyID,
		IsActive:    q.IsActive,
		Limit:       size,
		Offset:      paging.Offset(page, size),
	})
	if err != nil {
		return paging.Page[*Doctor]{}, fmt.Errorf("list doctors: %w", err)
	}
	return paging.New(items, page, size, total), nil
}

// ListPatients lists patients newest first, optionally by document number.
func (s *Service) ListPatients(ctx context.Context, actor auth.Actor, documentID string) ([]*Patient, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary, auth.RoleDoctor) {
		return nil, domainerr.Forbidden("role cannot list patients")
	}
	items, err := s.store.ListPatients(ctx, strings.TrimSpace(documentID))
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return items, nil
}

// GetPatient returns one patient. Patients may only read themselves.
func (s *Service) GetPatient(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Patient, error) {
	switch {
	case actor.Role == auth.RolePatient:
		if !actor.OwnsPatient(id) {
			return nil, domainerr.Forbidden("cannot read another patient")
		}
	case !actor.Is(auth.RoleAdmin, auth.RoleSecretary, auth.RoleDoctor):
		return nil, domainerr.Forbidden("role cannot read patients")
	}
	return s.store.GetPatient(ctx, id)
}

// GetDoctor returns one doctor.
func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.store.GetDoctor(ctx, id)
}

// MatchesDocument reports whether a stored document number matches a query.
// Raw and alphanumeric-only forms always match; numeric queries also match
// stored values that differ only in dashes and spaces.
func MatchesDocument(stored, query string) bool {
	raw := strings.TrimSpace(query)
	if raw == "" {
		return true
	}
	norm := alnum(raw)
	if stored == raw || stored == norm {
		return true
	}
	if isDigits(norm) {
		return strings.NewReplacer("-", "", " ", "").Replace(stored) == norm
	}
	return false
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
