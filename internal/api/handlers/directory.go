package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/middleware"
	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
)

// DirectoryHandler serves users, doctors, patients and specialties.
type DirectoryHandler struct {
	svc  *identity.Service
	errs errorWriter
}

// NewDirectoryHandler creates a new handler
func NewDirectoryHandler(svc *identity.Service, logger *zap.Logger, debug bool) *DirectoryHandler {
	return &DirectoryHandler{svc: svc, errs: newErrorWriter(logger, debug)}
}

// UserRoutes returns the /users routes
func (h *DirectoryHandler) UserRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireAuth)
	r.Get("/", h.ListUsers)
	r.Post("/", h.CreateUser)
	r.Get("/{id}", h.GetUser)
	r.Patch("/{id}", h.UpdateUser)
	return r
}

// DoctorRoutes returns the /doctors routes
func (h *DirectoryHandler) DoctorRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireAuth)
	r.Get("/", h.ListDoctors)
	r.Get("/{id}", h.GetDoctor)
	return r
}

// PatientRoutes returns the /patients routes
func (h *DirectoryHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireAuth)
	r.Get("/", h.ListPatients)
	r.Get("/{id}", h.GetPatient)
	return r
}

// SpecialtyRoutes returns the /specialties routes. Listing is anonymous.
func (h *DirectoryHandler) SpecialtyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListSpecialties)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Post("/", h.CreateSpecialty)
		r.Patch("/{id}", h.UpdateSpecialty)
		r.Delete("/{id}", h.DeleteSpecialty)
	})
	return r
}

// ListUsers handles GET /users
func (h *DirectoryHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	q := identity.UserQuery{Role: r.URL.Query().Get("role")}
	if q.IsActive, err = queryBool(r, "isActive"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.Page, q.PageSize, err = queryPage(r); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	pg, err := h.svc.ListUsers(r.Context(), actor, q)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", pg)
}

// GetUser handles GET /users/{id}
func (h *DirectoryHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	u, err := h.svc.GetUser(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", u)
}

// CreateUser handles POST /users
func (h *DirectoryHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in identity.CreateUserInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	u, err := h.svc.CreateUser(r.Context(), actor, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.Created(w, "user created", u)
}

// UpdateUser handles PATCH /users/{id}
func (h *DirectoryHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in identity.UpdateUserInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	u, err := h.svc.UpdateUser(r.Context(), actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "user updated", u)
}

// ListDoctors handles GET /doctors
func (h *DirectoryHandler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	var q identity.DoctorQuery
	var err error
	if q.SpecialtyID, err = queryUUID(r, "specialtyId"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.IsActive, err = queryBool(r, "isActive"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.Page, q.PageSize, err = queryPage(r); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	pg, err := h.svc.ListDoctors(r.Context(), q)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", pg)
}

// GetDoctor handles GET /doctors/{id}
func (h *DirectoryHandler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	d, err := h.svc.GetDoctor(r.Context(), id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", d)
}

// ListPatients handles GET /patients
func (h *DirectoryHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	items, err := h.svc.ListPatients(r.Context(), actor, r.URL.Query().Get("documentId"))
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", items)
}

// GetPatient handles GET /patients/{id}
func (h *DirectoryHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	p, err := h.svc.GetPatient(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", p)
}

// ListSpecialties handles GET /specialties
func (h *DirectoryHandler) ListSpecialties(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListSpecialties(r.Context())
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", items)
}

// CreateSpecialty handles POST /specialties
func (h *DirectoryHandler) CreateSpecialty(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in identity.SpecialtyInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	sp, err := h.svc.CreateSpecialty(r.Context(), actor, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.Created(w, "specialty created", sp)
}

// UpdateSpecialty handles PATCH /specialties/{id}
func (h *DirectoryHandler) UpdateSpecialty(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in identity.SpecialtyInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	sp, err := h.svc.UpdateSpecialty(r.Context(), actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "specialty updated", sp)
}

// DeleteSpecialty handles DELETE /specialties/{id}
func (h *DirectoryHandler) DeleteSpecialty(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if err := h.svc.DeleteSpecialty(r.Context(), actor, id); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "specialty deleted", nil)
}
