package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
	"github.com/cmmsalud/clinic-api/internal/domain/identity/identitytest"
)

const testKey = "0123456789abcdef0123456789abcdef"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	store  *identitytest.Store
	clock  *clock
	tokens *auth.TokenService
	auth   *identity.AuthService
	svc    *identity.Service
	admin  auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  identitytest.NewStore(),
		clock:  &clock{now: time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)},
		tokens: auth.NewTokenService(auth.DefaultTokenConfig(testKey)),
		admin:  auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin},
	}
	hasher := auth.NewPasswordHasher().WithCost(bcrypt.MinCost)
	f.auth = identity.NewAuthService(f.store, f.store, f.tokens, hasher, f.clock, nil)
	f.svc = identity.NewService(f.store, hasher, f.clock, nil)
	return f
}

func registration() identity.RegisterInput {
	return identity.RegisterInput{
		Email:       "  Ana.Perez@Example.com ",
		Password:    "s3cret-pass",
		DocumentID:  "402-341-61533",
		FirstName:   " Ana ",
		LastName:    "Pérez",
		Phone:       "809-555-0101",
		Address:     "Calle 1",
		DateOfBirth: "1990-05-20",
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)
	require.NotNil(t, s.User)
	assert.Equal(t, "ana.perez@example.com", s.User.Email)
	assert.Equal(t, auth.RolePatient, s.User.Role)
	require.NotNil(t, s.User.Patient)
	assert.Equal(t, "Ana", s.User.Patient.FirstName)
	assert.Equal(t, "1990-05-20", s.User.Patient.DateOfBirth.String())
	assert.NotEmpty(t, s.RefreshToken)

	actor, err := f.tokens.Validate(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.User.ID, actor.UserID)
	require.NotNil(t, actor.PatientID)
	assert.Equal(t, s.User.Patient.ID, *actor.PatientID)

	stored := f.store.Token(auth.HashRefreshToken(s.RefreshToken))
	require.NotNil(t, stored)
	assert.Equal(t, f.clock.now.Add(7*24*time.Hour), stored.ExpiresAt)
}

func TestRegisterRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*identity.RegisterInput)
		want   error
	}{
		{"duplicate email", func(in *identity.RegisterInput) { in.DocumentID = "X-1" }, identity.ErrEmailTaken},
		{"duplicate document", func(in *identity.RegisterInput) { in.Email = "other@example.com" }, identity.ErrDocumentTaken},
		{"underage", func(in *identity.RegisterInput) {
			in.Email, in.DocumentID, in.DateOfBirth = "kid@example.com", "K-1", "2006-03-16"
		}, identity.ErrUnderage},
		{"bad date", func(in *identity.RegisterInput) {
			in.Email, in.DocumentID, in.DateOfBirth = "d@example.com", "D-1", "20/05/1990"
		}, domainerr.ErrValidation},
		{"no password", func(in *identity.RegisterInput) { in.Email, in.Password = "p@example.com", "" }, domainerr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := registration()
			tt.mutate(&in)
			_, err := f.auth.Register(ctx, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterAcceptsEighteenthBirthday(t *testing.T) {
	f := newFixture(t)
	in := registration()
	in.DateOfBirth = "2006-03-15"
	_, err := f.auth.Register(context.Background(), in)
	assert.NoError(t, err)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(time.Hour)
	s, err := f.auth.Login(ctx, "ANA.PEREZ@example.com", "s3cret-pass")
	require.NoError(t, err)
	require.NotNil(t, s.User.LastLogin)
	assert.Equal(t, f.clock.now, *s.User.LastLogin)

	_, err = f.auth.Login(ctx, "ana.perez@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = f.auth.Login(ctx, "nobody@example.com", "s3cret-pass")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	inactive := false
	_, err = f.svc.UpdateUser(ctx, f.admin, reg.User.ID, identity.UpdateUserInput{IsActive: &inactive})
	require.NoError(t, err)
	_, err = f.auth.Login(ctx, "ana.perez@example.com", "s3cret-pass")
	assert.ErrorIs(t, err, domainerr.ErrUnauthorized)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)

	second, err := f.auth.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.AccessToken)
	assert.Nil(t, second.User)

	old := f.store.Token(auth.HashRefreshToken(first.RefreshToken))
	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedByTokenHash)
	assert.Equal(t, auth.HashRefreshToken(second.RefreshToken), *old.ReplacedByTokenHash)

	_, err = f.auth.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrInvalidRefreshToken)

	_, err = f.auth.Refresh(ctx, "never-issued")
	assert.ErrorIs(t, err, identity.ErrInvalidRefreshToken)

	f.clock.now = f.clock.now.Add(8 * 24 * time.Hour)
	_, err = f.auth.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrInvalidRefreshToken)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)

	require.NoError(t, f.auth.Logout(ctx, s.RefreshToken))
	_, err = f.auth.Refresh(ctx, s.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrInvalidRefreshToken)

	assert.NoError(t, f.auth.Logout(ctx, s.RefreshToken))
	assert.NoError(t, f.auth.Logout(ctx, "unknown"))
	assert.ErrorIs(t, f.auth.Logout(ctx, " "), domainerr.ErrValidation)
}

func TestForgotPassword(t *testing.T) {
	f := newFixture(t)
	email, err := f.auth.ForgotPassword(context.Background(), " Someone@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "someone@example.com", email)

	_, err = f.auth.ForgotPassword(context.Background(), "")
	assert.ErrorIs(t, err, domainerr.ErrValidation)
}

func TestCreateUserDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardio := f.store.AddSpecialty("Cardiología")

	u, err := f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{
		Email:    "doc@example.com",
		Password: "pw",
		Role:     "Doctor",
		DoctorData: &identity.DoctorData{
			DocumentID:    "001-0000001-1",
			LicenseNumber: "LIC-1",
			Specialty:     "cardiología",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, u.Doctor)
	assert.Equal(t, auth.RoleDoctor, u.Role)
	assert.Equal(t, "N/A", u.Doctor.FirstName)
	assert.Equal(t, 0.0, u.Doctor.ConsultationFee)
	require.NotNil(t, u.Doctor.SpecialtyID)
	assert.Equal(t, cardio.ID, *u.Doctor.SpecialtyID)
	assert.True(t, u.Actor().DoctorID != nil)

	_, err = f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{
		Email:      "doc2@example.com",
		Password:   "pw",
		Role:       "doctor",
		DoctorData: &identity.DoctorData{DocumentID: "002", LicenseNumber: "LIC-1", SpecialtyID: &cardio.ID},
	})
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	_, err = f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{
		Email:      "doc3@example.com",
		Password:   "pw",
		Role:       "doctor",
		DoctorData: &identity.DoctorData{DocumentID: "003", LicenseNumber: "LIC-3", Specialty: "Astrología"},
	})
	assert.ErrorIs(t, err, domainerr.ErrValidation)
}

func TestCreateUserRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secretary := auth.Actor{UserID: uuid.New(), Role: auth.RoleSecretary}
	_, err := f.svc.CreateUser(ctx, secretary, identity.CreateUserInput{Email: "a@b.c", Password: "pw", Role: "admin"})
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	_, err = f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{Email: "a@b.c", Password: "pw", Role: "janitor"})
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	_, err = f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{Email: "a@b.c", Password: "pw"})
	assert.ErrorIs(t, err, domainerr.ErrValidation, "patient role requires patientData")

	staff, err := f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{Email: "Staff@Clinic.com", Password: "pw", Role: "secretary"})
	require.NoError(t, err)
	assert.Equal(t, "staff@clinic.com", staff.Email)
	assert.Nil(t, staff.Patient)

	ph, err := f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{
		Email:        "farma@example.com",
		Password:     "pw",
		Role:         "pharmacy",
		PharmacyData: &identity.PharmacyData{Name: "Farmacia Central", LicenseNumber: "PH-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, ph.Pharmacy)
	assert.Equal(t, ph.ID, ph.Pharmacy.ID)
	require.NotNil(t, ph.Pharmacy.ZipCode)
	assert.Equal(t, "00000", *ph.Pharmacy.ZipCode)
	assert.Equal(t, "farma@example.com", ph.Pharmacy.Email)
	require.NotNil(t, ph.Actor().PharmacyID)
	assert.Equal(t, ph.ID, *ph.Actor().PharmacyID)
}

func TestListUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, role := range []string{"secretary", "secretary", "admin"} {
		f.clock.now = f.clock.now.Add(time.Minute)
		_, err := f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{
			Email:    string(rune('a'+i)) + "@clinic.com",
			Password: "pw",
			Role:     role,
		})
		require.NoError(t, err)
	}

	page, err := f.svc.ListUsers(ctx, f.admin, identity.UserQuery{Role: "secretary"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 50, page.PageSize)
	assert.Equal(t, "b@clinic.com", page.Items[0].Email, "newest first")

	page, err = f.svc.ListUsers(ctx, f.admin, identity.UserQuery{PageSize: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 1)

	_, err = f.svc.ListUsers(ctx, f.admin, identity.UserQuery{Role: "wizard"})
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	_, err = f.svc.ListUsers(ctx, auth.Actor{Role: auth.RoleDoctor}, identity.UserQuery{})
	assert.ErrorIs(t, err, domainerr.ErrForbidden)
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)
	_, err = f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{Email: "taken@clinic.com", Password: "pw", Role: "secretary"})
	require.NoError(t, err)

	taken := "TAKEN@clinic.com"
	_, err = f.svc.UpdateUser(ctx, f.admin, a.User.ID, identity.UpdateUserInput{Email: &taken})
	assert.ErrorIs(t, err, identity.ErrEmailTaken)

	phone, blank := "809-000-0000", "  "
	u, err := f.svc.UpdateUser(ctx, f.admin, a.User.ID, identity.UpdateUserInput{Phone: &phone, FirstName: &blank})
	require.NoError(t, err)
	assert.Equal(t, "809-000-0000", u.Patient.Phone)
	assert.Equal(t, "Ana", u.Patient.FirstName, "blank values leave fields unchanged")

	_, err = f.svc.UpdateUser(ctx, f.admin, uuid.New(), identity.UpdateUserInput{})
	assert.ErrorIs(t, err, domainerr.ErrNotFound)

	self := a.User.Actor()
	_, err = f.svc.UpdateUser(ctx, self, a.User.ID, identity.UpdateUserInput{})
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	got, err := f.svc.GetUser(ctx, self, a.User.ID)
	require.NoError(t, err)
	assert.Equal(t, a.User.Email, got.Email)
	_, err = f.svc.GetUser(ctx, self, f.admin.UserID)
	assert.ErrorIs(t, err, domainerr.ErrForbidden)
}

func TestPatientsDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.auth.Register(ctx, registration())
	require.NoError(t, err)
	doctor := auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor}

	items, err := f.svc.ListPatients(ctx, doctor, "40234161533")
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = f.svc.ListPatients(ctx, doctor, "999")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NotNil(t, items)

	_, err = f.svc.ListPatients(ctx, auth.Actor{Role: auth.RolePharmacy}, "")
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	p, err := f.svc.GetPatient(ctx, s.User.Actor(), s.User.Patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "402-341-61533", p.DocumentID)

	other := uuid.New()
	_, err = f.svc.GetPatient(ctx, auth.Actor{Role: auth.RolePatient, PatientID: &other}, s.User.Patient.ID)
	assert.ErrorIs(t, err, domainerr.ErrForbidden)
	_, err = f.svc.GetPatient(ctx, doctor, uuid.New())
	assert.ErrorIs(t, err, domainerr.ErrNotFound)
}

func TestMatchesDocument(t *testing.T) {
	tests := []struct {
		stored, query string
		want          bool
	}{
		{"402-341-61533", "40234161533", true},
		{"40234161533", "402-341-61533", true},
		{"402 341 61533", "402-341-61533", true},
		{"PAT-0001", "PAT-0001", true},
		{"PAT-0001", "PAT0001", false},
		{"PAT0001", "PAT-0001", true},
		{"402-341-61533", "402-341-61534", false},
		{"anything", "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, identity.MatchesDocument(tt.stored, tt.query), "%q vs %q", tt.stored, tt.query)
	}
}

func TestListDoctors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cardio := f.store.AddSpecialty("Cardiología")
	derm := f.store.AddSpecialty("Dermatología")

	mk := func(name, doc string, spec uuid.UUID, active bool) {
		_, err := f.svc.CreateUser(ctx, f.admin, identity.CreateUserInput{
			Email:      doc + "@clinic.com",
			Password:   "pw",
			Role:       "doctor",
			IsActive:   &active,
			DoctorData: &identity.DoctorData{FirstName: name, DocumentID: doc, LicenseNumber: "L" + doc, SpecialtyID: &spec},
		})
		require.NoError(t, err)
	}
	mk("Carla", "d1", cardio.ID, true)
	mk("Bruno", "d2", cardio.ID, true)
	mk("Ana", "d3", derm.ID, false)

	active := true
	page, err := f.svc.ListDoctors(ctx, identity.DoctorQuery{IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 12, page.PageSize)
	assert.Equal(t, "Bruno", page.Items[0].FirstName)
	assert.Equal(t, "d2@clinic.com", page.Items[0].Email)

	page, err = f.svc.ListDoctors(ctx, identity.DoctorQuery{SpecialtyID: &derm.ID})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].IsActive)
}

func pharmacyInput() identity.CreatePharmacyInput {
	return identity.CreatePharmacyInput{
		Email:    "Central@Farma.com",
		Password: "pw",
		PharmacyData: identity.PharmacyData{
			Name:              "Farmacia Central",
			LicenseNumber:     "PH-100",
			PharmacistName:    "Rosa Díaz",
			PharmacistLicense: "QF-9",
			Address:           "Av. Principal 10",
			City:              "Santo Domingo",
			State:             "DN",
			Phone:             "809-555-0000",
		},
	}
}

func TestPharmacyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.CreatePharmacyAccount(ctx, f.admin, pharmacyInput())
	require.NoError(t, err)
	assert.Equal(t, auth.RolePharmacy, u.Role)
	assert.Equal(t, u.ID, u.Pharmacy.ID)
	assert.Equal(t, "central@farma.com", u.Pharmacy.Email)
	assert.Nil(t, u.Pharmacy.ZipCode)
	assert.Equal(t, "N/A", u.Pharmacy.OperatingHours)
	assert.False(t, u.Pharmacy.IsVerified)

	dup := pharmacyInput()
	dup.Email = "other@farma.com"
	dup.LicenseNumber = "ph-100"
	_, err = f.svc.CreatePharmacyAccount(ctx, f.admin, dup)
	assert.ErrorIs(t, err, domainerr.ErrValidation, "license is unique ignoring case")

	missing := pharmacyInput()
	missing.Email = "x@farma.com"
	missing.LicenseNumber = "PH-200"
	missing.City = ""
	_, err = f.svc.CreatePharmacyAccount(ctx, f.admin, missing)
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	name, zip := "Farmacia Central II", "10101"
	ph, err := f.svc.UpdatePharmacy(ctx, f.admin, u.ID, identity.UpdatePharmacyInput{Name: &name, ZipCode: &zip})
	require.NoError(t, err)
	assert.Equal(t, "Farmacia Central II", ph.Name)
	require.NotNil(t, ph.ZipCode)

	f.clock.now = f.clock.now.Add(time.Hour)
	ph, err = f.svc.VerifyPharmacy(ctx, f.admin, u.ID)
	require.NoError(t, err)
	assert.True(t, ph.IsVerified)
	assert.Equal(t, f.clock.now, *ph.VerifiedAt)
	assert.Equal(t, f.admin.UserID, *ph.VerifiedBy)

	f.store.SetDispensations(u.ID, 4)
	stats, err := f.svc.PharmacyStats(ctx, u.Actor(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Dispensations)
	_, err = f.svc.PharmacyStats(ctx, u.Actor(), uuid.New())
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	require.NoError(t, f.svc.DeactivatePharmacy(ctx, f.admin, u.ID))
	list, err := f.svc.ListPharmacies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsActive)
	_, err = f.auth.Login(ctx, "central@farma.com", "pw")
	assert.ErrorIs(t, err, domainerr.ErrUnauthorized)

	assert.ErrorIs(t, f.svc.DeactivatePharmacy(ctx, f.admin, uuid.New()), domainerr.ErrNotFound)
	_, err = f.svc.VerifyPharmacy(ctx, u.Actor(), u.ID)
	assert.ErrorIs(t, err, domainerr.ErrForbidden)
}

func TestSpecialties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sp, err := f.svc.CreateSpecialty(ctx, f.admin, identity.SpecialtyInput{Name: " Pediatría "})
	require.NoError(t, err)
	assert.Equal(t, "Pediatría", sp.Name)
	assert.True(t, sp.IsActive)

	off := false
	sp, err = f.svc.UpdateSpecialty(ctx, f.admin, sp.ID, identity.SpecialtyInput{IsActive: &off})
	require.NoError(t, err)
	assert.False(t, sp.IsActive)
	assert.Equal(t, "Pediatría", sp.Name)

	_, err = f.svc.CreateSpecialty(ctx, f.admin, identity.SpecialtyInput{})
	assert.ErrorIs(t, err, domainerr.ErrValidation)
	_, err = f.svc.CreateSpecialty(ctx, auth.Actor{Role: auth.RoleDoctor}, identity.SpecialtyInput{Name: "X"})
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	require.NoError(t, f.svc.DeleteSpecialty(ctx, f.admin, sp.ID))
	list, err := f.svc.ListSpecialties(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.ErrorIs(t, f.svc.DeleteSpecialty(ctx, f.admin, sp.ID), domainerr.ErrNotFound)
}

func TestSeedIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Seed(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, identity.SeedResult{Specialties: 4}, res)

	res, err = f.svc.Seed(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, identity.SeedResult{Accounts: len(identity.DemoAccounts)}, res)

	res, err = f.svc.Seed(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, res)

	s, err := f.auth.Login(ctx, "doctor@cmm.local", "Doctor123!")
	require.NoError(t, err)
	require.NotNil(t, s.User.Doctor)
	assert.NotNil(t, s.User.Doctor.SpecialtyID)
}
