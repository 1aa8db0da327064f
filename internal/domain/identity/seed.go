package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
)

var stockSpecialties = []struct{ name, description string }{
	{"Medicina General", "Atención primaria"},
	{"Cardiología", "Corazón y sistema circulatorio"},
	{"Pediatría", "Salud infantil"},
	{"Dermatología", "Piel"},
}

// DemoAccounts are the logins created by Seed when demo accounts are requested.
var DemoAccounts = []CreateUserInput{
	{Email: "admin@cmm.local", Password: "Admin123!", Role: string(auth.RoleAdmin)},
	{Email: "secretary@cmm.local", Password: "Secretary123!", Role: string(auth.RoleSecretary)},
	{
		Email: "doctor@cmm.local", Password: "Doctor123!", Role: string(auth.RoleDoctor),
		DoctorData: &DoctorData{
			DocumentID: "DOC-0001", FirstName: "Juan", LastName: "Pérez",
			LicenseNumber: "MED-12345", Phone: "809-000-0000", ConsultationFee: ptr(50.0),
		},
	},
	{
		Email: "patient@cmm.local", Password: "Patient123!", Role: string(auth.RolePatient),
		PatientData: &PatientData{
			DocumentID: "PAT-0001", FirstName: "María", LastName: "Gómez",
			Phone: "809-111-2222", Address: "Santo Domingo", DateOfBirth: "2000-01-01",
		},
	},
}

func ptr[T any](v T) *T { return &v }

// SeedResult counts what Seed created.
type SeedResult struct {
	Specialties int
	Accounts    int
}

// Seed creates the stock specialties and, if demo is set, the DemoAccounts.
// Existing rows are left alone so Seed can run on every deploy.
func (s *Service) Seed(ctx context.Context, demo bool) (SeedResult, error) {
	system := auth.Actor{UserID: uuid.Nil, Role: auth.RoleAdmin}
	var res SeedResult

	var firstSpecialty *uuid.UUID
	for _, st := range stockSpecialties {
		sp, err := s.store.FindSpecialtyByName(ctx, st.name)
		switch {
		case errors.Is(err, ErrSpecialtyNotFound):
			desc := st.description
			sp, err = s.CreateSpecialty(ctx, system, SpecialtyInput{Name: st.name, Description: &desc})
			if err != nil {
				return res, fmt.Errorf("seed specialty %s: %w", st.name, err)
			}
			res.Specialties++
		case err != nil:
			return res, fmt.Errorf("find specialty %s: %w", st.name, err)
		}
		if firstSpecialty == nil {
			id := sp.ID
			firstSpecialty = &id
		}
	}
	if !demo {
		return res, nil
	}

	for _, in := range DemoAccounts {
		_, err := s.store.GetUserByEmail(ctx, in.Email)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrUserNotFound) {
			return res, fmt.Errorf("find user %s: %w", in.Email, err)
		}
		if in.DoctorData != nil {
			d := *in.DoctorData
			d.SpecialtyID = firstSpecialty
			in.DoctorData = &d
		}
		if _, err := s.CreateUser(ctx, system, in); err != nil {
			return res, fmt.Errorf("seed user %s: %w", in.Email, err)
		}
		res.Accounts++
	}
	s.logger.Info("seed complete", zap.Int("specialties", res.Specialties), zap.Int("accounts", res.Accounts))
	return res, nil
}
