package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/payment"
)

// PaymentHandler handles payment endpoints
type PaymentHandler struct {
	svc    *payment.Service
	errs   errorWriter
	tracer trace.Tracer
}

// NewPaymentHandler creates a new handler
func NewPaymentHandler(svc *payment.Service, logger *zap.Logger, debug bool) *PaymentHandler {
	return &PaymentHandler{svc: svc, errs: newErrorWriter(logger, debug), tracer: otel.Tracer("payment-handler")}
}

// Routes returns the handler routes
func (h *PaymentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/history", h.History)
	r.Post("/simulate", h.Simulate)
	r.Post("/process/{id}", h.Process)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/refund", h.Refund)
	return r
}

// List handles GET /payments
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	patientID, err := queryUUID(r, "patientId")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	items, err := h.svc.List(r.Context(), actor, patientID)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", items)
}

// History handles GET /payments/history
func (h *PaymentHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "payment_history")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	patientID, err := queryUUID(r, "patientId")
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	hist, err := h.svc.History(ctx, actor, patientID)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "OK", hist)
}

// Create handles POST /payments
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_payment")
	defer span.End()

	actor, err := actorOf(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var in payment.CreateInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	p, err := h.svc.Create(ctx, actor, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("payment_id", p.ID.String()))
	response.Created(w, "payment created", p)
}

// Update handles PATCH /payments/{id}
func (h *PaymentHandler) Update(w http.ResponseWriter, r *http.Request) {
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
	var in payment.UpdateInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	p, err := h.svc.Update(r.Context(), actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "payment updated", p)
}

// Process handles POST /payments/process/{id}
func (h *PaymentHandler) Process(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "process_payment")
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
	span.SetAttributes(attribute.String("payment_id", id.String()))
	p, err := h.svc.Process(ctx, actor, id)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "payment processed", p)
}

// Refund handles POST /payments/{id}/refund
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "refund_payment")
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
	var in payment.RefundInput
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	p, err := h.svc.Refund(ctx, actor, id, in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "payment refunded", p)
}

// Simulate handles POST /payments/simulate. The body is echoed back.
func (h *PaymentHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if err := unmarshal(body, &payload); err != nil {
			h.errs.fail(w, r, err)
			return
		}
	}
	response.OK(w, "simulated", h.svc.Simulate(payload))
}
