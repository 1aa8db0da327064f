package prescription

import (
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

var (
	ErrNotFound          = domainerr.NotFound("prescription not found")
	ErrNotActive         = domainerr.New(domainerr.KindInvalidState, "prescription is not active")
	ErrExpired           = domainerr.New(domainerr.KindExpired, "prescription has expired")
	ErrExhausted         = domainerr.New(domainerr.KindExhaustedDispensations, "no dispensations remaining")
	ErrInvalidQuantity   = domainerr.Validation("quantity must be greater than 0")
	ErrConcurrentUpdate  = domainerr.Conflict("prescription was modified concurrently, retry the request")
	ErrExpirationRewrite = domainerr.Conflict("expirationDate cannot move before the last recorded dispensation")
)

func errRefillNotDue(next string) error {
	return domainerr.New(domainerr.KindRefillNotDue, "refill not due yet, next refill on %s", next)
}
