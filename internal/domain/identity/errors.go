package identity

import "github.com/cmmsalud/clinic-api/internal/domain/domainerr"

var (
	ErrInvalidCredentials  = domainerr.Unauthorized("invalid credentials")
	ErrInvalidRefreshToken = domainerr.Unauthorized("invalid refresh token")
	ErrUserNotFound        = domainerr.NotFound("user not found")
	ErrPatientNotFound     = domainerr.NotFound("patient not found")
	ErrDoctorNotFound      = domainerr.NotFound("doctor not found")
	ErrTokenNotFound       = domainerr.NotFound("refresh token not found")
	ErrPharmacyNotFound    = domainerr.NotFound("pharmacy not found")
	ErrSpecialtyNotFound   = domainerr.NotFound("specialty not found")
	ErrEmailTaken          = domainerr.Validation("a user with that email already exists")
	ErrDocumentTaken       = domainerr.Validation("a patient with that document already exists")
	ErrDuplicateProfile    = domainerr.Validation("document or license number already registered")
	ErrSpecialtyExists     = domainerr.Validation("a specialty with that name already exists")
	ErrUnderage            = domainerr.Validation("patients must be at least 18 years old")
)
