package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
)

// AuthHandler handles registration and sessions
type AuthHandler struct {
	svc    *identity.AuthService
	errs   errorWriter
	tracer trace.Tracer
}

// NewAuthHandler creates a new handler
func NewAuthHandler(svc *identity.AuthService, logger *zap.Logger, debug bool) *AuthHandler {
	return &AuthHandler{svc: svc, errs: newErrorWriter(logger, debug), tracer: otel.Tracer("auth-handler")}
}

// Routes returns the handler routes. All of them are anonymous.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
	r.Post("/forgot-password", h.ForgotPassword)
	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "register")
	defer span.End()

	var in identity.RegisterInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	s, err := h.svc.Register(ctx, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.Created(w, "registered", s)
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "login")
	defer span.End()

	var req loginRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	s, err := h.svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", s)
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "refresh")
	defer span.End()

	var req refreshRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	s, err := h.svc.Refresh(ctx, req.RefreshToken)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", s)
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "logged out", nil)
}

// ForgotPassword handles POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if _, err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "if the address is registered, a reset link has been sent", nil)
}
