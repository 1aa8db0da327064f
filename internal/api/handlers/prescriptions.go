package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
	"github.com/cmmsalud/clinic-api/pkg/civil"
	"github.com/cmmsalud/clinic-api/pkg/idempotency"
	"github.com/cmmsalud/clinic-api/pkg/paging"
	"github.com/cmmsalud/clinic-api/pkg/patch"
)

// IdempotencyHeader carries the client key that makes a dispense retryable.
const IdempotencyHeader = "Idempotency-Key"

const dispenseHandlerName = "prescription.dispense"

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    *prescription.Service
	inbox  *idempotency.Inbox
	errs   errorWriter
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionHandler creates a new handler. inbox may be nil, in which
// case Idempotency-Key headers are ignored.
func NewPrescriptionHandler(svc *prescription.Service, inbox *idempotency.Inbox, logger *zap.Logger, debug bool) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		svc:    svc,
		inbox:  inbox,
		errs:   newErrorWriter(logger, debug),
		logger: logger,
		tracer: otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/by-document/{documentId}", h.ListByDocument)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Get("/{id}/dispensations", h.Dispensations)
	r.Post("/{id}/dispense", h.Dispense)
	return r
}

// PrescriptionResponse is the client view of a prescription.
type PrescriptionResponse struct {
	ID                   uuid.UUID                    `json:"id"`
	PatientID            uuid.UUID                    `json:"patientId"`
	DoctorID             uuid.UUID                    `json:"doctorId"`
	MedicationName       string                       `json:"medicationName"`
	Dosage               string                       `json:"dosage"`
	Frequency            string                       `json:"frequency"`
	Duration             string                       `json:"duration"`
	Instructions         *string                      `json:"instructions"`
	Status               string                       `json:"status"`
	IsContinuous         bool                         `json:"isContinuous"`
	RefillEveryDays      *int                         `json:"refillEveryDays"`
	TreatmentEndDate     *civil.Date                  `json:"treatmentEndDate"`
	NextRefillDate       *civil.Date                  `json:"nextRefillDate"`
	ContinuousState      string                       `json:"continuousState"`
	IssueDate            civil.Date                   `json:"issueDate"`
	ExpirationDate       civil.Date                   `json:"expirationDate"`
	CurrentDispensations int                          `json:"currentDispensations"`
	MaxDispensations     int                          `json:"maxDispensations"`
	DigitalSignature     string                       `json:"digitalSignature"`
	LastDispensedAt      *time.Time                   `json:"lastDispensedAt"`
	CreatedAt            time.Time                    `json:"createdAt"`
	UpdatedAt            time.Time                    `json:"updatedAt"`
	Patient              *prescription.PatientSummary `json:"patient"`
	Doctor               *prescription.DoctorSummary  `json:"doctor"`
}

func (h *PrescriptionHandler) view(p *prescription.Prescription, role auth.Role) *PrescriptionResponse {
	v := h.svc.Project(p, role)
	return &PrescriptionResponse{
		ID:                   p.ID,
		PatientID:            p.PatientID,
		DoctorID:             p.DoctorID,
		MedicationName:       p.MedicationName,
		Dosage:               p.Dosage,
		Frequency:            p.Frequency,
		Duration:             p.Duration,
		Instructions:         p.Instructions,
		Status:               v.Status,
		IsContinuous:         p.IsContinuous,
		RefillEveryDays:      p.RefillEveryDays,
		TreatmentEndDate:     p.TreatmentEndDate,
		NextRefillDate:       p.NextRefillDate,
		ContinuousState:      v.ContinuousState,
		IssueDate:            p.IssueDate,
		ExpirationDate:       p.ExpirationDate,
		CurrentDispensations: p.CurrentDispensations,
		MaxDispensations:     p.MaxDispensations,
		DigitalSignature:     p.DigitalSignature,
		LastDispensedAt:      p.LastDispensedAt,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
		Patient:              p.Patient,
		Doctor:               p.Doctor,
	}
}

func (h *PrescriptionHandler) page(pg paging.Page[*prescription.Prescription], role auth.Role) paging.Page[*PrescriptionResponse] {
	items := make([]*PrescriptionResponse, 0, len(pg.Items))
	for _, p := range pg.Items {
		items = append(items, h.view(p, role))
	}
	return paging.Page[*PrescriptionResponse]{
		Items:      items,
		Page:       pg.Page,
		PageSize:   pg.PageSize,
		TotalCount: pg.TotalCount,
		TotalPages: pg.TotalPages,
	}
}

func listQuery(r *http.Request) (prescription.ListQuery, error) {
	var q prescription.ListQuery
	var err error
	if q.PatientID, err = queryUUID(r, "patientId"); err != nil {
		return q, err
	}
	if q.DoctorID, err = queryUUID(r, "doctorId"); err != nil {
		return q, err
	}
	if q.Page, q.PageSize, err = queryPage(r); err != nil {
		return q, err
	}
	v := r.URL.Query()
	q.PatientDocumentID = v.Get("patientDocumentId")
	q.Status = v.Get("status")
	q.MedicationName = v.Get("medicationName")
	return q, nil
}

// List handles GET /prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_prescriptions")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	q, err := listQuery(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	pg, err := h.svc.List(ctx, actor, q)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", h.page(pg, actor.Role))
}

// ListByDocument handles GET /prescriptions/by-document/{documentId}
func (h *PrescriptionHandler) ListByDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_prescriptions_by_document")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	q, err := listQuery(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	pg, err := h.svc.ListByDocument(ctx, actor, chi.URLParam(r, "documentId"), q)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", h.page(pg, actor.Role))
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_prescription")
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
	span.SetAttributes(attribute.String("prescription_id", id.String()))

	p, err := h.svc.Get(ctx, actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", h.view(p, actor.Role))
}

// Dispensations handles GET /prescriptions/{id}/dispensations
func (h *PrescriptionHandler) Dispensations(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_dispensations")
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
	recs, err := h.svc.Dispensations(ctx, actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*prescription.Dispensation{}
	}
	response.OK(w, "OK", recs)
}

// createRequest mirrors prescription.CreateInput field for field.
type createRequest struct {
	PatientID        uuid.UUID   `json:"patientId"`
	DoctorID         uuid.UUID   `json:"doctorId"`
	MedicationName   string      `json:"medicationName"`
	Dosage           string      `json:"dosage"`
	Frequency        string      `json:"frequency"`
	Duration         string      `json:"duration"`
	Instructions     *string     `json:"instructions"`
	IsContinuous     bool        `json:"isContinuous"`
	RefillEveryDays  *int        `json:"refillEveryDays"`
	TreatmentEndDate *civil.Date `json:"treatmentEndDate"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var req createRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}

	p, err := h.svc.Create(ctx, actor, prescription.CreateInput(req))
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID.String()))
	response.Created(w, "prescription created", h.view(p, actor.Role))
}

// updateRequest mirrors prescription.UpdateInput field for field.
type updateRequest struct {
	MedicationName   patch.Field[string]     `json:"medicationName"`
	Dosage           patch.Field[string]     `json:"dosage"`
	Frequency        patch.Field[string]     `json:"frequency"`
	Duration         patch.Field[string]     `json:"duration"`
	Instructions     patch.Field[string]     `json:"instructions"`
	ExpirationDate   patch.Field[civil.Date] `json:"expirationDate"`
	MaxDispensations patch.Field[int]        `json:"maxDispensations"`
	Status           patch.Field[string]     `json:"status"`
	IsContinuous     patch.Field[bool]       `json:"isContinuous"`
	RefillEveryDays  patch.Field[int]        `json:"refillEveryDays"`
	TreatmentEndDate patch.Field[civil.Date] `json:"treatmentEndDate"`
	PatientID        patch.Field[uuid.UUID]  `json:"patientId"`
	DoctorID         patch.Field[uuid.UUID]  `json:"doctorId"`
}

// Update handles PATCH /prescriptions/{id}
func (h *PrescriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_prescription")
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
	var req updateRequest
	if err := decode(r, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}

	p, err := h.svc.Update(ctx, actor, id, prescription.UpdateInput(req))
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "prescription updated", h.view(p, actor.Role))
}

// Dispense handles POST /prescriptions/{id}/dispense. With an
// Idempotency-Key header a repeated request replays the first success
// instead of dispensing again.
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispense_prescription")
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
	span.SetAttributes(
		attribute.String("prescription_id", id.String()),
		attribute.String("role", string(actor.Role)),
	)

	body, err := readBody(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var req prescription.DispenseRequest
	if err := unmarshal(body, &req); err != nil {
		h.errs.fail(w, r, err)
		return
	}

	run := func(ctx context.Context) (json.RawMessage, error) {
		res, err := h.svc.Dispense(ctx, actor, id, req)
		if err != nil {
			return nil, err
		}
		var data any = h.view(res.Prescription, actor.Role)
		if res.Dispensation != nil && res.Dispensation.ActorType != prescription.ActorPatientSelfReport {
			data = res.Dispensation
		}
		out, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode dispense result: %w", err)
		}
		return out, nil
	}

	clientKey := r.Header.Get(IdempotencyHeader)
	if h.inbox == nil || clientKey == "" {
		out, err := run(ctx)
		if err != nil {
			h.errs.fail(w, r, err)
			return
		}
		response.OK(w, "dispensed", out)
		return
	}

	key := idempotency.GenerateKey(clientKey, actor.UserID.String(), id.String())
	res, err := h.inbox.Process(ctx, key, dispenseHandlerName, body, run)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		h.logger.Info("dispense replayed",
			zap.String("prescription_id", id.String()),
			zap.String("user_id", actor.UserID.String()))
	}
	response.OK(w, "dispensed", res.Body)
}
