package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/domain/contact"
)

// ContactHandler handles the public contact form
type ContactHandler struct {
	svc  *contact.Service
	errs errorWriter
}

// NewContactHandler creates a new handler
func NewContactHandler(svc *contact.Service, logger *zap.Logger, debug bool) *ContactHandler {
	return &ContactHandler{svc: svc, errs: newErrorWriter(logger, debug)}
}

// Submit handles POST /contact. Once the form validates the answer is 200,
// whatever happens to delivery.
func (h *ContactHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in contact.Input
	if err := decode(r, &in); err != nil {
		h.errs.fail(w, r, err)
		return
	}
	receipt, err := h.svc.Submit(r.Context(), in)
	if err != nil {
		h.errs.fail(w, r, err)
		return
	}
	response.OK(w, "message received", receipt)
}
