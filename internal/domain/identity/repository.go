package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/postgres"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/redpanda"
	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// Event types written to the outbox.
const (
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventPharmacyUpdated     = "pharmacy.updated"
	EventPharmacyDeactivated = "pharmacy.deactivated"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

var _ Store = (*Repository)(nil)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	selectUser = `
	SELECT id, email, password_hash, role, is_active, last_login, created_at, updated_at
	FROM users
`
	selectPatient = `
	SELECT id, user_id, document_id, first_name, last_name, date_of_birth, phone, address,
	       emergency_contact, created_at, updated_at
	FROM patients
`
	selectDoctor = `
	SELECT d.id, d.user_id, d.document_id, d.first_name, d.last_name, d.license_number, d.phone,
	       d.consultation_fee, d.accepts_insurance, d.specialty_id, d.created_at, d.updated_at,
	       s.id, s.name, s.description, s.is_active, u.email, u.is_active
	FROM doctors d
	JOIN users u ON u.id = d.user_id
	LEFT JOIN specialties s ON s.id = d.specialty_id
`
	selectPharmacy = `
	SELECT id, name, license_number, pharmacist_name, pharmacist_license, address, city, state,
	       zip_code, phone, email, operating_hours, notes, is_active, is_verified, verified_at,
	       verified_by, created_at, updated_at
	FROM pharmacies
`
	selectSpecialty = `SELECT id, name, description, is_active FROM specialties`
)

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.IsActive, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	return &u, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var dob time.Time
	err := row.Scan(&p.ID, &p.UserID, &p.DocumentID, &p.FirstName, &p.LastName, &dob, &p.Phone, &p.Address,
		&p.EmergencyContact, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DateOfBirth = civil.DateOf(dob)
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var (
		d          Doctor
		specID     *uuid.UUID
		specName   *string
		specDesc   *string
		specActive *bool
	)
	err := row.Scan(&d.ID, &d.UserID, &d.DocumentID, &d.FirstName, &d.LastName, &d.LicenseNumber, &d.Phone,
		&d.ConsultationFee, &d.AcceptsInsurance, &d.SpecialtyID, &d.CreatedAt, &d.UpdatedAt,
		&specID, &specName, &specDesc, &specActive, &d.Email, &d.IsActive)
	if err != nil {
		return nil, err
	}
	if specID != nil && specName != nil {
		d.Specialty = &Specialty{ID: *specID, Name: *specName, Description: specDesc, IsActive: specActive != nil && *specActive}
	}
	return &d, nil
}

func scanPharmacy(row pgx.Row) (*Pharmacy, error) {
	var p Pharmacy
	err := row.Scan(&p.ID, &p.Name, &p.LicenseNumber, &p.PharmacistName, &p.PharmacistLicense, &p.Address,
		&p.City, &p.State, &p.ZipCode, &p.Phone, &p.Email, &p.OperatingHours, &p.Notes, &p.IsActive,
		&p.IsVerified, &p.VerifiedAt, &p.VerifiedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSpecialty(row pgx.Row) (*Specialty, error) {
	var s Specialty
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &s.IsActive); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateUser inserts the account, its profile and a user.created event.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, role, is_active, last_login, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Email, u.PasswordHash, string(u.Role), u.IsActive, u.LastLogin, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if p := u.Patient; p != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO patients (id, user_id, document_id, first_name, last_name, date_of_birth, phone,
			                      address, emergency_contact, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, p.ID, u.ID, p.DocumentID, p.FirstName, p.LastName, p.DateOfBirth.Time, p.Phone, p.Address,
			p.EmergencyContact, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err, "") {
				return ErrDocumentTaken
			}
			return fmt.Errorf("insert patient: %w", err)
		}
	}
	if d := u.Doctor; d != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO doctors (id, user_id, document_id, first_name, last_name, license_number, phone,
			                     consultation_fee, accepts_insurance, specialty_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, d.ID, u.ID, d.DocumentID, d.FirstName, d.LastName, d.LicenseNumber, d.Phone,
			d.ConsultationFee, d.AcceptsInsurance, d.SpecialtyID, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err, "") {
				return fmt.Errorf("insert doctor: %w", ErrDuplicateProfile)
			}
			return fmt.Errorf("insert doctor: %w", err)
		}
	}
	if p := u.Pharmacy; p != nil {
		if err := insertPharmacy(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := writeEvent(ctx, tx, EventUserCreated, u.ID, map[string]any{
		"userId": u.ID,
		"email":  u.Email,
		"role":   u.Role,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertPharmacy(ctx context.Context, tx pgx.Tx, p *Pharmacy) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO pharmacies (id, name, license_number, pharmacist_name, pharmacist_license, address,
		                        city, state, zip_code, phone, email, operating_hours, notes, is_active,
		                        is_verified, verified_at, verified_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, p.ID, p.Name, p.LicenseNumber, p.PharmacistName, p.PharmacistLicense, p.Address,
		p.City, p.State, p.ZipCode, p.Phone, p.Email, p.OperatingHours, p.Notes, p.IsActive,
		p.IsVerified, p.VerifiedAt, p.VerifiedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return fmt.Errorf("insert pharmacy: %w", ErrDuplicateProfile)
		}
		return fmt.Errorf("insert pharmacy: %w", err)
	}
	return nil
}

// GetUser loads an account and its profile.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getUser(ctx, selectUser+` WHERE id = $1`, id)
}

// GetUserByEmail loads an account by its normalized email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUser(ctx, selectUser+` WHERE email = $1`, email)
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := loadProfiles(ctx, r.pool, []*User{u}); err != nil {
		return nil, err
	}
	return u, nil
}

// loadProfiles attaches patient, doctor and pharmacy profiles to users.
func loadProfiles(ctx context.Context, q querier, users []*User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(users))
	byID := make(map[uuid.UUID]*User, len(users))
	for i, u := range users {
		ids[i] = u.ID
		byID[u.ID] = u
	}

	rows, err := q.Query(ctx, selectPatient+` WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	patients, err := collect(rows, scanPatient)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	for _, p := range patients {
		byID[p.UserID].Patient = p
	}

	rows, err = q.Query(ctx, selectDoctor+` WHERE d.user_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("load doctors: %w", err)
	}
	doctors, err := collect(rows, scanDoctor)
	if err != nil {
		return fmt.Errorf("load doctors: %w", err)
	}
	for _, d := range doctors {
		byID[d.UserID].Doctor = d
	}

	rows, err = q.Query(ctx, selectPharmacy+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("load pharmacies: %w", err)
	}
	pharmacies, err := collect(rows, scanPharmacy)
	if err != nil {
		return fmt.Errorf("load pharmacies: %w", err)
	}
	for _, p := range pharmacies {
		byID[p.ID].Pharmacy = p
	}
	return nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateUser writes the account and the mutable profile columns.
func (r *Repository) UpdateUser(ctx context.Context, u *User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE users SET email = $2, is_active = $3, last_login = $4, updated_at = $5
		WHERE id = $1
	`, u.ID, u.Email, u.IsActive, u.LastLogin, u.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return ErrEmailTaken
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	if p := u.Patient; p != nil {
		_, err = tx.Exec(ctx, `
			UPDATE patients SET first_name = $2, last_name = $3, phone = $4, address = $5, updated_at = $6
			WHERE id = $1
		`, p.ID, p.FirstName, p.LastName, p.Phone, p.Address, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update patient: %w", err)
		}
	}
	if d := u.Doctor; d != nil {
		_, err = tx.Exec(ctx, `
			UPDATE doctors SET first_name = $2, last_name = $3, phone = $4, license_number = $5,
			       consultation_fee = $6, specialty_id = $7, updated_at = $8
			WHERE id = $1
		`, d.ID, d.FirstName, d.LastName, d.Phone, d.LicenseNumber, d.ConsultationFee, d.SpecialtyID, d.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err, "") {
				return fmt.Errorf("update doctor: %w", ErrDuplicateProfile)
			}
			return fmt.Errorf("update doctor: %w", err)
		}
	}

	if err := writeEvent(ctx, tx, EventUserUpdated, u.ID, map[string]any{
		"userId":   u.ID,
		"email":    u.Email,
		"isActive": u.IsActive,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListUsers returns one page of accounts, newest first, and the total count.
func (r *Repository) ListUsers(ctx context.Context, f UserFilter) ([]*User, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		args = append(args, string(f.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := selectUser + clause + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	users, err := collect(rows, scanUser)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	if err := loadProfiles(ctx, r.pool, users); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (r *Repository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Repository) EmailTaken(ctx context.Context, email string, except uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 AND id <> $2)`, email, except)
}

func (r *Repository) PatientDocumentTaken(ctx context.Context, documentID string, except uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE document_id = $1 AND id <> $2)`, documentID, except)
}

func (r *Repository) DoctorDocumentTaken(ctx context.Context, documentID string, except uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE document_id = $1 AND id <> $2)`, documentID, except)
}

func (r *Repository) DoctorLicenseTaken(ctx context.Context, license string, except uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE license_number = $1 AND id <> $2)`, license, except)
}

func (r *Repository) PharmacyLicenseTaken(ctx context.Context, license string, except uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM pharmacies WHERE LOWER(license_number) = LOWER($1) AND id <> $2)`, license, except)
}

// ListDoctors returns one page of doctors ordered by first name.
func (r *Repository) ListDoctors(ctx context.Context, f DoctorFilter) ([]*Doctor, int, error) {
	var (
		where []string
		args  []any
	)
	if f.SpecialtyID != nil {
		args = append(args, *f.SpecialtyID)
		where = append(where, fmt.Sprintf("d.specialty_id = $%d", len(args)))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		where = append(where, fmt.Sprintf("u.is_active = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM doctors d JOIN users u ON u.id = d.user_id` + clause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count doctors: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := selectDoctor + clause + fmt.Sprintf(" ORDER BY d.first_name ASC, d.last_name ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list doctors: %w", err)
	}
	doctors, err := collect(rows, scanDoctor)
	if err != nil {
		return nil, 0, fmt.Errorf("list doctors: %w", err)
	}
	return doctors, total, nil
}

func (r *Repository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(r.pool.QueryRow(ctx, selectDoctor+` WHERE d.id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("get doctor: %w", err)
	}
	return d, nil
}

// ListPatients lists patients newest first. See MatchesDocument for the
// document predicate.
func (r *Repository) ListPatients(ctx context.Context, documentID string) ([]*Patient, error) {
	query := selectPatient
	var args []any
	if raw := strings.TrimSpace(documentID); raw != "" {
		norm := alnum(raw)
		args = append(args, raw, norm)
		if isDigits(norm) {
			query += ` WHERE document_id = $1 OR document_id = $2
			           OR REPLACE(REPLACE(document_id, '-', ''), ' ', '') = $2`
		} else {
			query += ` WHERE document_id = $1 OR document_id = $2`
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return collect(rows, scanPatient)
}

func (r *Repository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, selectPatient+` WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (r *Repository) SaveRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	var t RefreshToken
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at, revoked_at, replaced_by_token_hash
		FROM refresh_tokens WHERE token_hash = $1
	`, hash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.RevokedAt, &t.ReplacedByTokenHash)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &t, nil
}

// RotateRefreshToken revokes oldHash only while it is still unrevoked, so two
// concurrent refreshes with the same token cannot both succeed.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, replaced_by_token_hash = $3
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, oldHash, at, next.TokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidRefreshToken
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, next.ID, next.UserID, next.TokenHash, next.ExpiresAt, next.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, hash string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL
	`, hash, at)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *Repository) ListPharmacies(ctx context.Context) ([]*Pharmacy, error) {
	rows, err := r.pool.Query(ctx, selectPharmacy+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pharmacies: %w", err)
	}
	return collect(rows, scanPharmacy)
}

func (r *Repository) GetPharmacy(ctx context.Context, id uuid.UUID) (*Pharmacy, error) {
	p, err := scanPharmacy(r.pool.QueryRow(ctx, selectPharmacy+` WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrPharmacyNotFound
		}
		return nil, fmt.Errorf("get pharmacy: %w", err)
	}
	return p, nil
}

func (r *Repository) UpdatePharmacy(ctx context.Context, p *Pharmacy) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE pharmacies SET name = $2, license_number = $3, pharmacist_name = $4,
		       pharmacist_license = $5, address = $6, city = $7, state = $8, zip_code = $9,
		       phone = $10, email = $11, operating_hours = $12, notes = $13, is_active = $14,
		       is_verified = $15, verified_at = $16, verified_by = $17, updated_at = $18
		WHERE id = $1
	`, p.ID, p.Name, p.LicenseNumber, p.PharmacistName, p.PharmacistLicense, p.Address, p.City,
		p.State, p.ZipCode, p.Phone, p.Email, p.OperatingHours, p.Notes, p.IsActive,
		p.IsVerified, p.VerifiedAt, p.VerifiedBy, p.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return fmt.Errorf("update pharmacy: %w", ErrDuplicateProfile)
		}
		return fmt.Errorf("update pharmacy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPharmacyNotFound
	}
	if err := writeEvent(ctx, tx, EventPharmacyUpdated, p.ID, map[string]any{
		"pharmacyId": p.ID,
		"isActive":   p.IsActive,
		"isVerified": p.IsVerified,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeactivatePharmacy turns off the pharmacy and the user sharing its id.
func (r *Repository) DeactivatePharmacy(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE pharmacies SET is_active = FALSE, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("deactivate pharmacy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPharmacyNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("deactivate pharmacy user: %w", err)
	}
	if err := writeEvent(ctx, tx, EventPharmacyDeactivated, id, map[string]any{"pharmacyId": id}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) CountPharmacyDispensations(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescription_dispensations WHERE pharmacy_id = $1`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dispensations: %w", err)
	}
	return n, nil
}

func (r *Repository) ListSpecialties(ctx context.Context) ([]*Specialty, error) {
	rows, err := r.pool.Query(ctx, selectSpecialty+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	return collect(rows, scanSpecialty)
}

func (r *Repository) GetSpecialty(ctx context.Context, id uuid.UUID) (*Specialty, error) {
	s, err := scanSpecialty(r.pool.QueryRow(ctx, selectSpecialty+` WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrSpecialtyNotFound
		}
		return nil, fmt.Errorf("get specialty: %w", err)
	}
	return s, nil
}

func (r *Repository) FindSpecialtyByName(ctx context.Context, name string) (*Specialty, error) {
	s, err := scanSpecialty(r.pool.QueryRow(ctx, selectSpecialty+` WHERE LOWER(name) = LOWER($1)`, name))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrSpecialtyNotFound
		}
		return nil, fmt.Errorf("find specialty: %w", err)
	}
	return s, nil
}

func (r *Repository) CreateSpecialty(ctx context.Context, s *Specialty) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO specialties (id, name, description, is_active) VALUES ($1, $2, $3, $4)`,
		s.ID, s.Name, s.Description, s.IsActive)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return ErrSpecialtyExists
		}
		return fmt.Errorf("insert specialty: %w", err)
	}
	return nil
}

func (r *Repository) UpdateSpecialty(ctx context.Context, s *Specialty) error {
	_, err := r.pool.Exec(ctx, `UPDATE specialties SET name = $2, description = $3, is_active = $4 WHERE id = $1`,
		s.ID, s.Name, s.Description, s.IsActive)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return ErrSpecialtyExists
		}
		return fmt.Errorf("update specialty: %w", err)
	}
	return nil
}

// DeleteSpecialty removes a specialty. Doctors referencing it keep a null
// specialty through the foreign key's ON DELETE SET NULL.
func (r *Repository) DeleteSpecialty(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM specialties WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete specialty: %w", err)
	}
	return nil
}

func writeEvent(ctx context.Context, tx pgx.Tx, eventType string, aggregateID uuid.UUID, data any) error {
	payload, err := json.Marshal(map[string]any{
		"eventType": eventType,
		"data":      data,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   aggregateID.String(),
		AggregateType: "user",
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicIdentityEvents,
		KafkaKey:      aggregateID.String(),
	})
}
