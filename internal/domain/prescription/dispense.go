package prescription

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

// DispenseRequest is the body of a dispense call. The set of non-nil fields
// together with the caller role selects the variant.
type DispenseRequest struct {
	PharmacyID           *uuid.UUID `json:"pharmacyId"`
	Quantity             *float64   `json:"quantity"`
	Unit                 string     `json:"unit"`
	Notes                *string    `json:"notes"`
	CurrentDispensations *int       `json:"currentDispensations"`
}

// DispenseResult carries the ledger record for pharmacy and staff
// dispensations, and the updated prescription in every case.
type DispenseResult struct {
	Dispensation *Dispensation
	Prescription *Prescription
}

type dispenseVariant int

const (
	variantPharmacy dispenseVariant = iota
	variantStaff
	variantSelfReport
)

func selectVariant(actor auth.Actor, req DispenseRequest) (dispenseVariant, error) {
	switch {
	case actor.Role == auth.RolePharmacy:
		if actor.PharmacyID == nil {
			return 0, domainerr.Unauthorized("invalid token: pharmacy id missing")
		}
		return variantPharmacy, nil
	case req.PharmacyID != nil:
		if !actor.Is(auth.RoleAdmin, auth.RoleSecretary) {
			return 0, domainerr.Forbidden("only admins and secretaries can dispense on behalf of a pharmacy")
		}
		return variantStaff, nil
	case req.CurrentDispensations != nil:
		if actor.Role != auth.RolePatient {
			return 0, domainerr.Forbidden("only patients can self-report dispensations")
		}
		return variantSelfReport, nil
	}
	return 0, domainerr.InvalidRequest("invalid request: provide pharmacyId or currentDispensations")
}

// Dispense records a dispensation against a prescription.
func (s *Service) Dispense(ctx context.Context, actor auth.Actor, id uuid.UUID, req DispenseRequest) (*DispenseResult, error) {
	res, err := s.dispense(ctx, actor, id, req)
	if err != nil {
		if kind, ok := domainerr.KindOf(err); ok {
			s.recorder.DispensationRejected(string(kind))
		}
		return nil, err
	}
	return res, nil
}

func (s *Service) dispense(ctx context.Context, actor auth.Actor, id uuid.UUID, req DispenseRequest) (*DispenseResult, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	variant, err := selectVariant(actor, req)
	if err != nil {
		return nil, err
	}

	var d Dispense
	switch variant {
	case variantPharmacy:
		d = Dispense{PharmacyID: *actor.PharmacyID, Actor: ActorPharmacy}
	case variantStaff:
		ok, err := s.store.PharmacyExists(ctx, *req.PharmacyID)
		if err != nil {
			return nil, fmt.Errorf("lookup pharmacy: %w", err)
		}
		if !ok {
			return nil, domainerr.NotFound("pharmacy not found")
		}
		d = Dispense{PharmacyID: *req.PharmacyID, Actor: ActorStaff}
	case variantSelfReport:
		if !actor.OwnsPatient(current.PatientID) {
			return nil, domainerr.Forbidden("prescription belongs to another patient")
		}
		return s.selfReport(ctx, actor, id, *req.CurrentDispensations)
	}

	if req.Quantity == nil {
		return nil, ErrInvalidQuantity
	}
	d.Quantity = *req.Quantity
	d.Unit = strings.TrimSpace(req.Unit)
	d.Notes = trimPtr(req.Notes)

	now := s.clock.Now()
	var rec *Dispensation
	updated, err := s.store.Mutate(ctx, id, func(p *Prescription) (*Change, error) {
		r, err := p.RecordDispensation(d, now)
		if err != nil {
			return nil, err
		}
		p.UpdatedAt = now
		rec = r

		ev, err := NewEvent(p, EventDispensed, actor.UserID, dispensedData(p, r, d.Actor))
		if err != nil {
			return nil, fmt.Errorf("build event: %w", err)
		}
		return &Change{Dispensation: r, Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.DispensationRecorded(string(d.Actor))

	s.logger.Info("prescription dispensed",
		zap.String("prescription_id", id.String()),
		zap.String("pharmacy_id", d.PharmacyID.String()),
		zap.String("actor_type", string(d.Actor)),
		zap.Int("dispensation_number", rec.DispensationNumber),
		zap.String("status", string(updated.Status)),
	)
	return &DispenseResult{Dispensation: rec, Prescription: updated}, nil
}

func (s *Service) selfReport(ctx context.Context, actor auth.Actor, id uuid.UUID, value int) (*DispenseResult, error) {
	now := s.clock.Now()
	var (
		rec      *Dispensation
		previous int
	)
	updated, err := s.store.Mutate(ctx, id, func(p *Prescription) (*Change, error) {
		previous = p.CurrentDispensations
		rec = p.ApplySelfReport(value, now)
		p.UpdatedAt = now

		ev, err := NewEvent(p, EventSelfReported, actor.UserID, dispensedData(p, rec, ActorPatientSelfReport))
		if err != nil {
			return nil, fmt.Errorf("build event: %w", err)
		}
		return &Change{Dispensation: rec, Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		s.logger.Info("patient corrected dispensation counter",
			zap.String("prescription_id", id.String()),
			zap.Int("previous", previous),
			zap.Int("current", updated.CurrentDispensations),
		)
	} else {
		s.recorder.DispensationRecorded(string(ActorPatientSelfReport))
		s.logger.Info("patient self-reported dispensation",
			zap.String("prescription_id", id.String()),
			zap.Int("previous", previous),
			zap.Int("current", updated.CurrentDispensations),
		)
	}
	return &DispenseResult{Dispensation: rec, Prescription: updated}, nil
}
