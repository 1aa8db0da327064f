package appointment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Filter selects appointments in the store.
type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *Status
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Store persists appointments. Create and Update write ev to the outbox in
// the same transaction.
type Store interface {
	Create(ctx context.Context, a *Appointment, ev *Event) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f Filter) ([]*Appointment, error)
	Update(ctx context.Context, a *Appointment, ev *Event) error
	// HasClash reports whether the doctor has a non-cancelled appointment
	// at exactly at, ignoring the appointment exclude.
	HasClash(ctx context.Context, doctorID uuid.UUID, at time.Time, exclude uuid.UUID) (bool, error)
	// DoctorFee returns the doctor's consultation fee or ErrDoctorNotFound.
	DoctorFee(ctx context.Context, doctorID uuid.UUID) (float64, error)
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Service implements the appointment operations.
type Service struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewService creates a new appointment service
func NewService(store Store, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{store: store, clock: clock, logger: logger}
}

// Query is the caller-facing list filter. An unknown Status is ignored.
type Query struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    string
	From      *time.Time
	To        *time.Time
}

// List returns up to 500 appointments, newest first. Patients only see their
// own; doctors default to their own when no doctor is given.
func (s *Service) List(ctx context.Context, actor auth.Actor, q Query) ([]*Appointment, error) {
	f := Filter{PatientID: q.PatientID, DoctorID: q.DoctorID, From: q.From, To: q.To, Limit: maxListSize}
	switch actor.Role {
	case auth.RolePatient:
		if actor.PatientID == nil {
			return nil, domainerr.Unauthorized("invalid token: patient id missing")
		}
		f.PatientID = actor.PatientID
	case auth.RoleDoctor:
		if f.DoctorID == nil {
			if actor.DoctorID == nil {
				return nil, domainerr.Unauthorized("invalid token: doctor id missing")
			}
			f.DoctorID = actor.DoctorID
		}
	case auth.RoleAdmin, auth.RoleSecretary:
	default:
		return nil, domainerr.Forbidden("cannot list appointments")
	}
	if q.Status != "" {
		if st, ok := ParseStatus(q.Status); ok {
			f.Status = &st
		}
	}

	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return items, nil
}

// Get returns one appointment to a participant or staff.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case auth.RoleAdmin, auth.RoleSecretary:
	case auth.RolePatient:
		if !actor.OwnsPatient(a.PatientID) {
			return nil, domainerr.Forbidden("cannot read another patient's appointment")
		}
	case auth.RoleDoctor:
		if !actor.OwnsDoctor(a.DoctorID) {
			return nil, domainerr.Forbidden("cannot read another doctor's appointment")
		}
	default:
		return nil, domainerr.Forbidden("cannot read appointments")
	}
	return a, nil
}

// CreateInput is the body of an appointment request.
type CreateInput struct {
	DoctorID      uuid.UUID `json:"doctorId"`
	PatientID     uuid.UUID `json:"patientId"`
	ScheduledDate time.Time `json:"scheduledDate"`
	Reason        string    `json:"reason"`
}

// Create books an appointment at the doctor's consultation fee.
func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*Appointment, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary, auth.RolePatient) {
		return nil, domainerr.Forbidden("cannot book appointments")
	}
	if actor.Role == auth.RolePatient {
		if actor.PatientID == nil {
			return nil, domainerr.Unauthorized("invalid token: patient id missing")
		}
		in.PatientID = *actor.PatientID
	}
	switch {
	case in.DoctorID == uuid.Nil:
		return nil, domainerr.Validation("doctorId is required")
	case in.PatientID == uuid.Nil:
		return nil, domainerr.Validation("patientId is required")
	case in.ScheduledDate.IsZero():
		return nil, domainerr.Validation("scheduledDate is required")
	}
	reason, err := validateReason(in.Reason)
	if err != nil {
		return nil, err
	}

	fee, err := s.store.DoctorFee(ctx, in.DoctorID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.PatientExists(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return nil, ErrPatientNotFound
	}

	at := in.ScheduledDate.UTC()
	if err := s.ensureFree(ctx, in.DoctorID, at, uuid.Nil); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	a := &Appointment{
		ID:              uuid.New(),
		AppointmentDate: at,
		Status:          StatusScheduled,
		Reason:          reason,
		Fee:             fee,
		RequiresPayment: true,
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, a, newEvent(EventCreated, a, now)); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	s.logger.Info("appointment booked",
		zap.String("appointment_id", a.ID.String()),
		zap.String("doctor_id", a.DoctorID.String()),
		zap.Time("at", a.AppointmentDate),
	)
	return a, nil
}

// UpdateInput patches an appointment. AppointmentDate and ScheduledDate are
// aliases; AppointmentDate wins when both are set.
type UpdateInput struct {
	AppointmentDate      *time.Time `json:"appointmentDate"`
	ScheduledDate        *time.Time `json:"scheduledDate"`
	Reason               *string    `json:"reason"`
	Notes                *string    `json:"notes"`
	Status               *Status    `json:"status"`
	Fee                  *float64   `json:"fee"`
	RequiresPayment      *bool      `json:"requiresPayment"`
	IsPaid               *bool      `json:"isPaid"`
	ConfirmationDeadline *time.Time `json:"confirmationDeadline"`
	IsConfirmed          *bool      `json:"isConfirmed"`
}

// Update applies a staff or doctor patch.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*Appointment, error) {
	a, err := s.editable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	date := in.AppointmentDate
	if date == nil {
		date = in.ScheduledDate
	}
	if date != nil {
		at := date.UTC()
		if !at.Equal(a.AppointmentDate) {
			if err := s.ensureFree(ctx, a.DoctorID, at, a.ID); err != nil {
				return nil, err
			}
			a.AppointmentDate = at
		}
	}
	if in.Reason != nil {
		reason, err := validateReason(*in.Reason)
		if err != nil {
			return nil, err
		}
		a.Reason = reason
	}
	if in.Notes != nil {
		notes := strings.TrimSpace(*in.Notes)
		a.Notes = &notes
		if notes == "" {
			a.Notes = nil
		}
	}
	if in.Status != nil {
		a.Status = *in.Status
	}
	if in.Fee != nil {
		if *in.Fee < 0 {
			return nil, domainerr.Validation("fee cannot be negative")
		}
		a.Fee = *in.Fee
	}
	if in.RequiresPayment != nil {
		a.RequiresPayment = *in.RequiresPayment
	}
	if in.IsPaid != nil {
		a.IsPaid = *in.IsPaid
	}
	if in.ConfirmationDeadline != nil {
		t := in.ConfirmationDeadline.UTC()
		a.ConfirmationDeadline = &t
	}
	if in.IsConfirmed != nil {
		a.IsConfirmed = *in.IsConfirmed
	}

	now := s.clock.Now()
	a.UpdatedAt = now
	if err := s.store.Update(ctx, a, newEvent(EventUpdated, a, now)); err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return a, nil
}

// Cancel marks the appointment cancelled. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.editable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCancelled {
		return a, nil
	}
	now := s.clock.Now()
	a.Status = StatusCancelled
	a.UpdatedAt = now
	if err := s.store.Update(ctx, a, newEvent(EventCancelled, a, now)); err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}
	s.logger.Info("appointment cancelled",
		zap.String("appointment_id", a.ID.String()),
		zap.String("by", actor.UserID.String()),
	)
	return a, nil
}

func (s *Service) editable(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary, auth.RoleDoctor) {
		return nil, domainerr.Forbidden("cannot modify appointments")
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleDoctor && !actor.OwnsDoctor(a.DoctorID) {
		return nil, domainerr.Forbidden("cannot modify another doctor's appointment")
	}
	return a, nil
}

func (s *Service) ensureFree(ctx context.Context, doctorID uuid.UUID, at time.Time, exclude uuid.UUID) error {
	clash, err := s.store.HasClash(ctx, doctorID, at, exclude)
	if err != nil {
		return fmt.Errorf("check schedule: %w", err)
	}
	if clash {
		return ErrClash
	}
	return nil
}
