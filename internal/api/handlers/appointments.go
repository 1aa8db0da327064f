package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment"
)

// AppointmentHandler handles appointment endpoints
type AppointmentHandler struct {
	svc    *appointment.Service
	errs   errorWriter
	tracer trace.Tracer
}

// NewAppointmentHandler creates a new handler
func NewAppointmentHandler(svc *appointment.Service, logger *zap.Logger, debug bool) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, errs: newErrorWriter(logger, debug), tracer: otel.Tracer("appointment-handler")}
}

// Routes returns the handler routes
func (h *AppointmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Cancel)
	return r
}

// List handles GET /appointments
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_appointments")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	q := appointment.Query{Status: r.URL.Query().Get("status")}
	if q.PatientID, err = queryUUID(r, "patientId"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.DoctorID, err = queryUUID(r, "doctorId"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.From, err = queryTime(r, "from"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		h.errs.fail(w, r, err)
		return
	}

	items, err := h.svc.List(ctx, actor, q)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", items)
}

// Get handles GET /appointments/{id}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	a, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", a)
}

// Create handles POST /appointments
func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_appointment")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in appointment.CreateInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	a, err := h.svc.Create(ctx, actor, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("appointment_id", a.ID.String()))
	response.Created(w, "appointment created", a)
}

// Update handles PATCH /appointments/{id}
func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_appointment")
	defer span.End()

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
	var in appointment.UpdateInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	a, err := h.svc.Update(ctx, actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "appointment updated", a)
}

// Cancel handles DELETE /appointments/{id}
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
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
	a, err := h.svc.Cancel(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "appointment cancelled", a)
}
