package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenConfig holds signing parameters for access tokens.
type TokenConfig struct {
	Issuer          string
	Audience        string
	Key             string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// DefaultTokenConfig returns the stock lifetimes: 30 minute access, 7 day refresh.
func DefaultTokenConfig(key string) TokenConfig {
	return TokenConfig{
		Issuer:          "clinic-api",
		Audience:        "clinic-web",
		Key:             key,
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

// Claims is the access-token payload.
type Claims struct {
	Email      string `json:"email"`
	Role       string `json:"role"`
	PatientID  string `json:"patientId,omitempty"`
	DoctorID   string `json:"doctorId,omitempty"`
	PharmacyID string `json:"pharmacyId,omitempty"`
	jwt.RegisteredClaims
}

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// TokenService issues and validates HS256 access tokens.
type TokenService struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenConfig) *TokenService {
	return &TokenService{cfg: cfg, now: time.Now}
}

// RefreshTTL returns the configured refresh-token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.cfg.RefreshTokenTTL }

// Issue signs an access token for a.
func (s *TokenService) Issue(a Actor) (string, time.Time, error) {
	now := s.now().UTC()
	expires := now.Add(s.cfg.AccessTokenTTL)

	claims := Claims{
		Email: a.Email,
		Role:  string(a.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.UserID.String(),
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	if a.PatientID != nil {
		claims.PatientID = a.PatientID.String()
	}
	if a.DoctorID != nil {
		claims.DoctorID = a.DoctorID.String()
	}
	if a.PharmacyID != nil {
		claims.PharmacyID = a.PharmacyID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Key))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses a bearer token and returns the actor it describes.
func (s *TokenService) Validate(tokenString string) (Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.Key), nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Actor{}, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	role, ok := ParseRole(claims.Role)
	if !ok {
		return Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return Actor{
		UserID:     userID,
		Email:      claims.Email,
		Role:       role,
		PatientID:  optionalID(claims.PatientID),
		DoctorID:   optionalID(claims.DoctorID),
		PharmacyID: optionalID(claims.PharmacyID),
	}, nil
}

func optionalID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}
