package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
)

// PharmacyHandler handles pharmacy endpoints
type PharmacyHandler struct {
	identity      *identity.Service
	prescriptions *prescription.Service
	errs          errorWriter
	tracer        trace.Tracer
}

// NewPharmacyHandler creates a new handler
func NewPharmacyHandler(ids *identity.Service, rx *prescription.Service, logger *zap.Logger, debug bool) *PharmacyHandler {
	return &PharmacyHandler{
		identity:      ids,
		prescriptions: rx,
		errs:          newErrorWriter(logger, debug),
		tracer:        otel.Tracer("pharmacy-handler"),
	}
}

// Routes returns the handler routes
func (h *PharmacyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/create-account", h.CreateAccount)
	r.Post("/validate-prescription", h.ValidatePrescription)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Deactivate)
	r.Post("/{id}/verify", h.Verify)
	r.Get("/{id}/stats", h.Stats)
	return r
}

// List handles GET /pharmacies
func (h *PharmacyHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.identity.ListPharmacies(r.Context())
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", items)
}

// CreateAccount handles POST /pharmacies/create-account
func (h *PharmacyHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_pharmacy_account")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in identity.CreatePharmacyInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	u, err := h.identity.CreatePharmacyAccount(ctx, actor, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.Created(w, "pharmacy created", u)
}

// Update handles PATCH /pharmacies/{id}
func (h *PharmacyHandler) Update(w http.ResponseWriter, r *http.Request) {
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
	var in identity.UpdatePharmacyInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	ph, err := h.identity.UpdatePharmacy(r.Context(), actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "pharmacy updated", ph)
}

// Deactivate handles DELETE /pharmacies/{id}
func (h *PharmacyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
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
	if err := h.identity.DeactivatePharmacy(r.Context(), actor, id); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "pharmacy deactivated", nil)
}

// Verify handles POST /pharmacies/{id}/verify
func (h *PharmacyHandler) Verify(w http.ResponseWriter, r *http.Request) {
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
	ph, err := h.identity.VerifyPharmacy(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "pharmacy verified", ph)
}

// Stats handles GET /pharmacies/{id}/stats
func (h *PharmacyHandler) Stats(w http.ResponseWriter, r *http.Request) {
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
	stats, err := h.identity.PharmacyStats(r.Context(), actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", stats)
}

type validatePrescriptionRequest struct {
	PrescriptionID uuid.UUID `json:"prescriptionId"`
}

// ValidatePrescription handles POST /pharmacies/validate-prescription. It
// only reports whether the prescription exists.
func (h *PharmacyHandler) ValidatePrescription(w http.ResponseWriter, r *http.Request) {
	var req validatePrescriptionRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if req.PrescriptionID == uuid.Nil {
		h.errs.fail(w, r, domainerr.Validation("prescriptionId is required"))
		return
	}
	ok, err := h.prescriptions.Exists(r.Context(), req.PrescriptionID)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", map[string]bool{"valid": ok})
}
