package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

// CreatePharmacyInput is an admin-created pharmacy account.
type CreatePharmacyInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	PharmacyData
}

// ListPharmacies returns every pharmacy ordered by name.
func (s *Service) ListPharmacies(ctx context.Context) ([]*Pharmacy, error) {
	items, err := s.store.ListPharmacies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pharmacies: %w", err)
	}
	if items == nil {
		items = []*Pharmacy{}
	}
	return items, nil
}

// CreatePharmacyAccount creates a pharmacy user and its profile under one id.
func (s *Service) CreatePharmacyAccount(ctx context.Context, actor auth.Actor, in CreatePharmacyInput) (*User, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can create pharmacy accounts")
	}
	email := NormalizeEmail(in.Email)
	if email == "" {
		return nil, domainerr.Validation("email is required")
	}
	if in.Password == "" {
		return nil, domainerr.Validation("password is required")
	}
	if err := s.ensureEmailFree(ctx, email, uuid.Nil); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	u := &User{
		ID:        uuid.New(),
		Email:     email,
		Role:      auth.RolePharmacy,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data := in.PharmacyData
	data.Email = email
	ph, err := s.buildPharmacy(ctx, u, data, true)
	if err != nil {
		return nil, err
	}
	u.Pharmacy = ph

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash

	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create pharmacy account: %w", err)
	}
	s.logger.Info("pharmacy account created",
		zap.String("pharmacy_id", ph.ID.String()),
		zap.String("license", ph.LicenseNumber),
	)
	return u, nil
}

// UpdatePharmacyInput patches a pharmacy. Blank strings leave a field
// unchanged, except Notes and ZipCode which may be cleared.
type UpdatePharmacyInput struct {
	Name              *string `json:"name"`
	LicenseNumber     *string `json:"licenseNumber"`
	PharmacistName    *string `json:"pharmacistName"`
	PharmacistLicense *string `json:"pharmacistLicense"`
	Address           *string `json:"address"`
	City              *string `json:"city"`
	State             *string `json:"state"`
	ZipCode           *string `json:"zipCode"`
	Phone             *string `json:"phone"`
	Email             *string `json:"email"`
	OperatingHours    *string `json:"operatingHours"`
	Notes             *string `json:"notes"`
	IsActive          *bool   `json:"isActive"`
}

// UpdatePharmacy applies an admin patch.
func (s *Service) UpdatePharmacy(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdatePharmacyInput) (*Pharmacy, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can update pharmacies")
	}
	ph, err := s.store.GetPharmacy(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.LicenseNumber != nil && strings.TrimSpace(*in.LicenseNumber) != "" {
		lic := strings.TrimSpace(*in.LicenseNumber)
		taken, err := s.store.PharmacyLicenseTaken(ctx, lic, id)
		if err != nil {
			return nil, fmt.Errorf("check pharmacy license: %w", err)
		}
		if taken {
			return nil, domainerr.Validation("a pharmacy with license %s already exists", lic)
		}
		ph.LicenseNumber = lic
	}
	set := func(dst *string, v *string) {
		if v != nil && strings.TrimSpace(*v) != "" {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&ph.Name, in.Name)
	set(&ph.PharmacistName, in.PharmacistName)
	set(&ph.PharmacistLicense, in.PharmacistLicense)
	set(&ph.Address, in.Address)
	set(&ph.City, in.City)
	set(&ph.State, in.State)
	set(&ph.Phone, in.Phone)
	set(&ph.Email, in.Email)
	set(&ph.OperatingHours, in.OperatingHours)
	if in.ZipCode != nil {
		ph.ZipCode = trimPtr(in.ZipCode)
	}
	if in.Notes != nil {
		ph.Notes = *in.Notes
	}
	if in.IsActive != nil {
		ph.IsActive = *in.IsActive
	}
	ph.UpdatedAt = s.clock.Now()

	if err := s.store.UpdatePharmacy(ctx, ph); err != nil {
		return nil, fmt.Errorf("update pharmacy: %w", err)
	}
	return ph, nil
}

// DeactivatePharmacy marks a pharmacy and its user inactive.
func (s *Service) DeactivatePharmacy(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if actor.Role != auth.RoleAdmin {
		return domainerr.Forbidden("only admins can deactivate pharmacies")
	}
	if _, err := s.store.GetPharmacy(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeactivatePharmacy(ctx, id, s.clock.Now()); err != nil {
		return fmt.Errorf("deactivate pharmacy: %w", err)
	}
	s.logger.Info("pharmacy deactivated", zap.String("pharmacy_id", id.String()), zap.String("by", actor.UserID.String()))
	return nil
}

// VerifyPharmacy records that an admin verified the pharmacy.
func (s *Service) VerifyPharmacy(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Pharmacy, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can verify pharmacies")
	}
	ph, err := s.store.GetPharmacy(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	by := actor.UserID
	ph.IsVerified = true
	ph.VerifiedAt = &now
	ph.VerifiedBy = &by
	ph.UpdatedAt = now
	if err := s.store.UpdatePharmacy(ctx, ph); err != nil {
		return nil, fmt.Errorf("verify pharmacy: %w", err)
	}
	return ph, nil
}

// PharmacyStats is the dispensation count of one pharmacy.
type PharmacyStats struct {
	PharmacyID    uuid.UUID `json:"pharmacyId"`
	Dispensations int       `json:"dispensations"`
}

// PharmacyStats counts dispensations recorded by a pharmacy. Pharmacies may
// only read their own.
func (s *Service) PharmacyStats(ctx context.Context, actor auth.Actor, id uuid.UUID) (*PharmacyStats, error) {
	if actor.Role == auth.RolePharmacy && (actor.PharmacyID == nil || *actor.PharmacyID != id) {
		return nil, domainerr.Forbidden("cannot read another pharmacy")
	}
	n, err := s.store.CountPharmacyDispensations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count dispensations: %w", err)
	}
	return &PharmacyStats{PharmacyID: id, Dispensations: n}, nil
}
