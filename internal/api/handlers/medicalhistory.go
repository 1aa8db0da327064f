package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/medicalhistory"
)

// MedicalHistoryHandler handles medical-history endpoints. Every route is
// doctor only; the role check lives in the service.
type MedicalHistoryHandler struct {
	svc    *medicalhistory.Service
	errs   errorWriter
	tracer trace.Tracer
}

// NewMedicalHistoryHandler creates a new handler
func NewMedicalHistoryHandler(svc *medicalhistory.Service, logger *zap.Logger, debug bool) *MedicalHistoryHandler {
	return &MedicalHistoryHandler{svc: svc, errs: newErrorWriter(logger, debug), tracer: otel.Tracer("medical-history-handler")}
}

// Routes returns the handler routes
func (h *MedicalHistoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	return r
}

// List handles GET /medical-history
func (h *MedicalHistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_medical_history")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	q := medicalhistory.Query{
		DocumentID: r.URL.Query().Get("documentId"),
		Search:     r.URL.Query().Get("search"),
	}
	if q.PatientID, err = queryUUID(r, "patientId"); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if q.Page, q.PageSize, err = queryPage(r); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	pg, err := h.svc.List(ctx, actor, q)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", pg)
}

// Get handles GET /medical-history/{id}
func (h *MedicalHistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	rec, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", rec)
}

// Create handles POST /medical-history
func (h *MedicalHistoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_medical_history")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in medicalhistory.CreateInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	rec, err := h.svc.Create(ctx, actor, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.Created(w, "medical history created", rec)
}

// Update handles PATCH /medical-history/{id}
func (h *MedicalHistoryHandler) Update(w http.ResponseWriter, r *http.Request) {
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
	var in medicalhistory.UpdateInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	rec, err := h.svc.Update(r.Context(), actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "medical history updated", rec)
}
