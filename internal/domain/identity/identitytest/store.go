// Package identitytest provides an in-memory identity.Store for tests.
package identitytest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
)

// Store keeps accounts, profiles and tokens in memory. Reads return copies.
type Store struct {
	mu            sync.Mutex
	users         map[uuid.UUID]*identity.User
	tokens        map[string]*identity.RefreshToken
	specialties   map[uuid.UUID]*identity.Specialty
	dispensations map[uuid.UUID]int
}

var _ identity.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:         make(map[uuid.UUID]*identity.User),
		tokens:        make(map[string]*identity.RefreshToken),
		specialties:   make(map[uuid.UUID]*identity.Specialty),
		dispensations: make(map[uuid.UUID]int),
	}
}

// AddSpecialty registers an active specialty.
func (s *Store) AddSpecialty(name string) *identity.Specialty {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := &identity.Specialty{ID: uuid.New(), Name: name, IsActive: true}
	s.specialties[sp.ID] = sp
	c := *sp
	return &c
}

// SetDispensations fixes the dispensation count reported for a pharmacy.
func (s *Store) SetDispensations(pharmacyID uuid.UUID, n int) {
	s.mu.Lock()
	s.dispensations[pharmacyID] = n
	s.mu.Unlock()
}

// Token returns the stored token with hash, or nil.
func (s *Store) Token(hash string) *identity.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

func copyUser(u *identity.User) *identity.User {
	c := *u
	if u.Patient != nil {
		p := *u.Patient
		c.Patient = &p
	}
	if u.Doctor != nil {
		d := *u.Doctor
		if d.Specialty != nil {
			sp := *d.Specialty
			d.Specialty = &sp
		}
		d.Email, d.IsActive = u.Email, u.IsActive
		c.Doctor = &d
	}
	if u.Pharmacy != nil {
		p := *u.Pharmacy
		c.Pharmacy = &p
	}
	return &c
}

func (s *Store) CreateUser(_ context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return identity.ErrEmailTaken
		}
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (s *Store) UpdateUser(_ context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return identity.ErrUserNotFound
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *Store) ListUsers(_ context.Context, f identity.UserFilter) ([]*identity.User, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.User
	for _, u := range s.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.IsActive != nil && u.IsActive != *f.IsActive {
			continue
		}
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	return window(out, f.Offset, f.Limit), total, nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *Store) EmailTaken(_ context.Context, email string, except uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email && u.ID != except {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) PatientDocumentTaken(_ context.Context, documentID string, except uuid.UUID) (bool, error) {
	return s.anyProfile(func(u *identity.User) bool {
		return u.Patient != nil && u.Patient.DocumentID == documentID && u.Patient.ID != except
	}), nil
}

func (s *Store) DoctorDocumentTaken(_ context.Context, documentID string, except uuid.UUID) (bool, error) {
	return s.anyProfile(func(u *identity.User) bool {
		return u.Doctor != nil && u.Doctor.DocumentID == documentID && u.Doctor.ID != except
	}), nil
}

func (s *Store) DoctorLicenseTaken(_ context.Context, license string, except uuid.UUID) (bool, error) {
	return s.anyProfile(func(u *identity.User) bool {
		return u.Doctor != nil && u.Doctor.LicenseNumber == license && u.Doctor.ID != except
	}), nil
}

func (s *Store) PharmacyLicenseTaken(_ context.Context, license string, except uuid.UUID) (bool, error) {
	return s.anyProfile(func(u *identity.User) bool {
		return u.Pharmacy != nil && strings.EqualFold(u.Pharmacy.LicenseNumber, license) && u.Pharmacy.ID != except
	}), nil
}

func (s *Store) anyProfile(match func(*identity.User) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return true
		}
	}
	return false
}

func (s *Store) ListDoctors(_ context.Context, f identity.DoctorFilter) ([]*identity.Doctor, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.Doctor
	for _, u := range s.users {
		if u.Doctor == nil {
			continue
		}
		if f.IsActive != nil && u.IsActive != *f.IsActive {
			continue
		}
		if f.SpecialtyID != nil && (u.Doctor.SpecialtyID == nil || *u.Doctor.SpecialtyID != *f.SpecialtyID) {
			continue
		}
		out = append(out, copyUser(u).Doctor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstName < out[j].FirstName })
	total := len(out)
	return window(out, f.Offset, f.Limit), total, nil
}

func (s *Store) GetDoctor(_ context.Context, id uuid.UUID) (*identity.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Doctor != nil && u.Doctor.ID == id {
			return copyUser(u).Doctor, nil
		}
	}
	return nil, identity.ErrDoctorNotFound
}

func (s *Store) ListPatients(_ context.Context, documentID string) ([]*identity.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.Patient
	for _, u := range s.users {
		if u.Patient != nil && identity.MatchesDocument(u.Patient.DocumentID, documentID) {
			out = append(out, copyUser(u).Patient)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Patient != nil && u.Patient.ID == id {
			return copyUser(u).Patient, nil
		}
	}
	return nil, identity.ErrPatientNotFound
}

func (s *Store) SaveRefreshToken(_ context.Context, t *identity.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tokens[t.TokenHash] = &c
	return nil
}

func (s *Store) GetRefreshToken(_ context.Context, hash string) (*identity.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, identity.ErrTokenNotFound
	}
	c := *t
	return &c, nil
}

func (s *Store) RotateRefreshToken(_ context.Context, oldHash string, next *identity.RefreshToken, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldHash]
	if !ok || old.RevokedAt != nil {
		return identity.ErrInvalidRefreshToken
	}
	revoked := at
	replaced := next.TokenHash
	old.RevokedAt = &revoked
	old.ReplacedByTokenHash = &replaced
	c := *next
	s.tokens[next.TokenHash] = &c
	return nil
}

func (s *Store) RevokeRefreshToken(_ context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[hash]; ok && t.RevokedAt == nil {
		revoked := at
		t.RevokedAt = &revoked
	}
	return nil
}

func (s *Store) ListPharmacies(_ context.Context) ([]*identity.Pharmacy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.Pharmacy
	for _, u := range s.users {
		if u.Pharmacy != nil {
			out = append(out, copyUser(u).Pharmacy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetPharmacy(_ context.Context, id uuid.UUID) (*identity.Pharmacy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Pharmacy == nil {
		return nil, identity.ErrPharmacyNotFound
	}
	return copyUser(u).Pharmacy, nil
}

func (s *Store) UpdatePharmacy(_ context.Context, p *identity.Pharmacy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[p.ID]
	if !ok || u.Pharmacy == nil {
		return identity.ErrPharmacyNotFound
	}
	c := *p
	u.Pharmacy = &c
	return nil
}

func (s *Store) DeactivatePharmacy(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Pharmacy == nil {
		return identity.ErrPharmacyNotFound
	}
	u.Pharmacy.IsActive = false
	u.Pharmacy.UpdatedAt = at
	u.IsActive = false
	u.UpdatedAt = at
	return nil
}

func (s *Store) CountPharmacyDispensations(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispensations[id], nil
}

func (s *Store) ListSpecialties(_ context.Context) ([]*identity.Specialty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.Specialty
	for _, sp := range s.specialties {
		c := *sp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetSpecialty(_ context.Context, id uuid.UUID) (*identity.Specialty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specialties[id]
	if !ok {
		return nil, identity.ErrSpecialtyNotFound
	}
	c := *sp
	return &c, nil
}

func (s *Store) FindSpecialtyByName(_ context.Context, name string) (*identity.Specialty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.specialties {
		if strings.EqualFold(sp.Name, name) {
			c := *sp
			return &c, nil
		}
	}
	return nil, identity.ErrSpecialtyNotFound
}

func (s *Store) CreateSpecialty(_ context.Context, sp *identity.Specialty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sp
	s.specialties[sp.ID] = &c
	return nil
}

func (s *Store) UpdateSpecialty(_ context.Context, sp *identity.Specialty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.specialties[sp.ID]; !ok {
		return identity.ErrSpecialtyNotFound
	}
	c := *sp
	s.specialties[sp.ID] = &c
	return nil
}

func (s *Store) DeleteSpecialty(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specialties, id)
	for _, u := range s.users {
		if u.Doctor != nil && u.Doctor.SpecialtyID != nil && *u.Doctor.SpecialtyID == id {
			u.Doctor.SpecialtyID, u.Doctor.Specialty = nil, nil
		}
	}
	return nil
}

// Roles counts stored users per role.
func (s *Store) Roles() map[auth.Role]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[auth.Role]int)
	for _, u := range s.users {
		out[u.Role]++
	}
	return out
}
