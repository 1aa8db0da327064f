package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// Tokens issues access tokens. *auth.TokenService satisfies it.
type Tokens interface {
	Issue(a auth.Actor) (string, time.Time, error)
	RefreshTTL() time.Duration
}

// Session is the result of a successful register, login or refresh.
type Session struct {
	User         *User     `json:"user,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthService implements registration and the login/refresh/logout flow.
type AuthService struct {
	users  UserStore
	store  TokenStore
	tokens Tokens
	hasher *auth.PasswordHasher
	clock  Clock
	logger *zap.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, store TokenStore, tokens Tokens, hasher *auth.PasswordHasher, clock Clock, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	if hasher == nil {
		hasher = auth.NewPasswordHasher()
	}
	return &AuthService{users: users, store: store, tokens: tokens, hasher: hasher, clock: clock, logger: logger}
}

// RegisterInput is a patient self-registration.
type RegisterInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DocumentID  string `json:"documentId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	DateOfBirth string `json:"dateOfBirth"`
}

// Register creates a patient account and opens a session for it.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	email := NormalizeEmail(in.Email)
	documentID := strings.TrimSpace(in.DocumentID)
	switch {
	case email == "":
		return nil, domainerr.Validation("email is required")
	case in.Password == "":
		return nil, domainerr.Validation("password is required")
	case documentID == "":
		return nil, domainerr.Validation("documentId is required")
	case strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "":
		return nil, domainerr.Validation("firstName and lastName are required")
	}

	now := s.clock.Now()
	dob, err := civil.Parse(in.DateOfBirth)
	if err != nil {
		return nil, domainerr.Validation("dateOfBirth must be yyyy-MM-dd")
	}
	if dob.YearsUntil(civil.DateOf(now)) < MinPatientAge {
		return nil, ErrUnderage
	}

	if taken, err := s.users.EmailTaken(ctx, email, uuid.Nil); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	} else if taken {
		return nil, ErrEmailTaken
	}
	if taken, err := s.users.PatientDocumentTaken(ctx, documentID, uuid.Nil); err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	} else if taken {
		return nil, ErrDocumentTaken
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	userID := uuid.New()
	u := &User{
		ID:           userID,
		Email:        email,
		PasswordHash: hash,
		Role:         auth.RolePatient,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		Patient: &Patient{
			ID:          uuid.New(),
			UserID:      userID,
			DocumentID:  documentID,
			FirstName:   strings.TrimSpace(in.FirstName),
			LastName:    strings.TrimSpace(in.LastName),
			DateOfBirth: dob,
			Phone:       strings.TrimSpace(in.Phone),
			Address:     strings.TrimSpace(in.Address),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("patient registered",
		zap.String("user_id", u.ID.String()),
		zap.String("patient_id", u.Patient.ID.String()),
	)
	return s.open(ctx, u, now)
}

// Login verifies credentials and opens a session.
func (s *AuthService) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !u.IsActive {
		return nil, domainerr.Unauthorized("user is inactive")
	}
	ok, err := s.hasher.Verify(u.PasswordHash, password)
	if err != nil {
		s.logger.Warn("password verify failed", zap.String("user_id", u.ID.String()), zap.Error(err))
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := s.clock.Now()
	u.LastLogin = &now
	u.UpdatedAt = now
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}

	s.logger.Info("user logged in", zap.String("user_id", u.ID.String()), zap.String("role", string(u.Role)))
	return s.open(ctx, u, now)
}

// Refresh exchanges a refresh token for a new token pair. The presented token
// is revoked and linked to its replacement.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrInvalidRefreshToken
	}
	hash := auth.HashRefreshToken(refreshToken)
	now := s.clock.Now()

	stored, err := s.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if !stored.Active(now) {
		s.logger.Warn("inactive refresh token presented",
			zap.String("user_id", stored.UserID.String()),
			zap.Bool("revoked", stored.RevokedAt != nil),
		)
		return nil, ErrInvalidRefreshToken
	}

	u, err := s.users.GetUser(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !u.IsActive {
		return nil, domainerr.Unauthorized("user is inactive")
	}

	access, expires, err := s.tokens.Issue(u.Actor())
	if err != nil {
		return nil, err
	}
	raw, next, err := s.newRefreshToken(u.ID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, hash, next, now); err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	return &Session{AccessToken: access, RefreshToken: raw, ExpiresAt: expires}, nil
}

// Logout revokes refreshToken. Unknown or already inactive tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return domainerr.Validation("refresh_token is required")
	}
	hash := auth.HashRefreshToken(refreshToken)
	now := s.clock.Now()

	stored, err := s.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load refresh token: %w", err)
	}
	if !stored.Active(now) {
		return nil
	}
	if err := s.store.RevokeRefreshToken(ctx, hash, now); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	s.logger.Info("user logged out", zap.String("user_id", stored.UserID.String()))
	return nil
}

// ForgotPassword accepts a reset request. Delivery is simulated, so the
// response never reveals whether the address exists.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", domainerr.Validation("email is required")
	}
	s.logger.Info("password reset requested", zap.String("email", email))
	return email, nil
}

func (s *AuthService) open(ctx context.Context, u *User, now time.Time) (*Session, error) {
	access, expires, err := s.tokens.Issue(u.Actor())
	if err != nil {
		return nil, err
	}
	raw, rt, err := s.newRefreshToken(u.ID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}
	return &Session{User: u, AccessToken: access, RefreshToken: raw, ExpiresAt: expires}, nil
}

func (s *AuthService) newRefreshToken(userID uuid.UUID, now time.Time) (string, *RefreshToken, error) {
	raw, err := auth.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	return raw, &RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: auth.HashRefreshToken(raw),
		ExpiresAt: now.Add(s.tokens.RefreshTTL()),
		CreatedAt: now,
	}, nil
}
