// Package medicalhistory keeps the clinical records doctors write about
// their patients.
package medicalhistory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/civil"
	"github.com/cmmsalud/clinic-api/pkg/paging"
)

const (
	defaultPageSize = 10
	maxPageSize     = 200
)

// PatientSummary is the patient shown with a record.
type PatientSummary struct {
	ID          uuid.UUID  `json:"id"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DocumentID  string     `json:"documentId"`
	DateOfBirth civil.Date `json:"dateOfBirth"`
	Phone       string     `json:"phone"`
}

// Record is one medical-history entry.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	PatientID uuid.UUID       `json:"patientId"`
	Patient   *PatientSummary `json:"patient"`
	Condition string          `json:"condition"`
	Diagnosis *string         `json:"diagnosis"`
	Treatment *string         `json:"treatment"`
	Notes     *string         `json:"notes"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Event is the outbox payload of a record change.
type Event struct {
	EventType string    `json:"eventType"`
	RecordID  string    `json:"recordId"`
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventCreated = "medical_history.created"
	EventUpdated = "medical_history.updated"
)

var (
	ErrNotFound      = domainerr.NotFound("medical history record not found")
	ErrNoAppointment = domainerr.Forbidden("the patient has no appointment with this doctor")
)

// Filter selects records visible to one doctor.
type Filter struct {
	DoctorID  uuid.UUID
	PatientID *uuid.UUID
	Search    string
	Limit     int
	Offset    int
}

// Store persists records.
type Store interface {
	Create(ctx context.Context, r *Record, ev *Event) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, r *Record, ev *Event) error
	// List returns records of patients who have an appointment with
	// f.DoctorID, most recently updated first, and the total count.
	List(ctx context.Context, f Filter) ([]*Record, int, error)
	PatientByDocument(ctx context.Context, documentID string) (uuid.UUID, bool, error)
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	HasAppointment(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service implements the medical-history operations. Every operation is
// reserved to doctors.
type Service struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewService creates a new medical history service
func NewService(store Store, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{store: store, clock: clock, logger: logger}
}

func doctorOf(actor auth.Actor) (uuid.UUID, error) {
	if actor.Role != auth.RoleDoctor {
		return uuid.Nil, domainerr.Forbidden("only doctors can access medical history")
	}
	if actor.DoctorID == nil {
		return uuid.Nil, domainerr.Unauthorized("invalid token: doctor id missing")
	}
	return *actor.DoctorID, nil
}

// Query is the list filter. DocumentID, when set, replaces PatientID.
type Query struct {
	PatientID  *uuid.UUID
	DocumentID string
	Search     string
	Page       int
	PageSize   int
}

// List pages the records of the doctor's patients.
func (s *Service) List(ctx context.Context, actor auth.Actor, q Query) (paging.Page[*Record], error) {
	page, size := paging.Normalize(q.Page, q.PageSize, defaultPageSize, maxPageSize)
	doctorID, err := doctorOf(actor)
	if err != nil {
		return paging.Page[*Record]{}, err
	}

	f := Filter{
		DoctorID:  doctorID,
		PatientID: q.PatientID,
		Search:    strings.ToLower(strings.TrimSpace(q.Search)),
		Limit:     size,
		Offset:    paging.Offset(page, size),
	}
	if doc := strings.TrimSpace(q.DocumentID); doc != "" {
		pid, ok, err := s.store.PatientByDocument(ctx, doc)
		if err != nil {
			return paging.Page[*Record]{}, fmt.Errorf("resolve document: %w", err)
		}
		if !ok {
			return paging.New[*Record](nil, page, size, 0), nil
		}
		f.PatientID = &pid
	}
	if f.PatientID != nil && *f.PatientID == uuid.Nil {
		f.PatientID = nil
	}

	items, total, err := s.store.List(ctx, f)
	if err != nil {
		return paging.Page[*Record]{}, fmt.Errorf("list medical history: %w", err)
	}
	return paging.New(items, page, size, total), nil
}

// Get returns one record of a patient the doctor has seen.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Record, error) {
	doctorID, err := doctorOf(actor)
	if err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureLinked(ctx, doctorID, r.PatientID); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateInput is the body of a new record.
type CreateInput struct {
	PatientID uuid.UUID `json:"patientId"`
	Condition string    `json:"condition"`
	Diagnosis *string   `json:"diagnosis"`
	Treatment *string   `json:"treatment"`
	Notes     *string   `json:"notes"`
}

func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*Record, error) {
	doctorID, err := doctorOf(actor)
	if err != nil {
		return nil, err
	}
	if in.PatientID == uuid.Nil {
		return nil, domainerr.Validation("patientId is required")
	}
	condition := strings.TrimSpace(in.Condition)
	if condition == "" {
		return nil, domainerr.Validation("condition is required")
	}
	if err := s.ensurePatient(ctx, doctorID, in.PatientID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := &Record{
		ID:        uuid.New(),
		PatientID: in.PatientID,
		Condition: condition,
		Diagnosis: blankToNil(in.Diagnosis),
		Treatment: blankToNil(in.Treatment),
		Notes:     blankToNil(in.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, r, s.event(EventCreated, r, doctorID)); err != nil {
		return nil, fmt.Errorf("create medical history: %w", err)
	}
	s.logger.Info("medical history created",
		zap.String("record_id", r.ID.String()),
		zap.String("doctor_id", doctorID.String()),
	)
	return r, nil
}

// UpdateInput patches a record. Blank optional fields are cleared.
type UpdateInput struct {
	PatientID *uuid.UUID `json:"patientId"`
	Condition *string    `json:"condition"`
	Diagnosis *string    `json:"diagnosis"`
	Treatment *string    `json:"treatment"`
	Notes     *string    `json:"notes"`
}

func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*Record, error) {
	doctorID, err := doctorOf(actor)
	if err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureLinked(ctx, doctorID, r.PatientID); err != nil {
		return nil, err
	}

	if in.PatientID != nil && *in.PatientID != uuid.Nil && *in.PatientID != r.PatientID {
		if err := s.ensurePatient(ctx, doctorID, *in.PatientID); err != nil {
			return nil, err
		}
		r.PatientID = *in.PatientID
		r.Patient = nil
	}
	if in.Condition != nil {
		c := strings.TrimSpace(*in.Condition)
		if c == "" {
			return nil, domainerr.Validation("condition cannot be empty")
		}
		r.Condition = c
	}
	if in.Diagnosis != nil {
		r.Diagnosis = blankToNil(in.Diagnosis)
	}
	if in.Treatment != nil {
		r.Treatment = blankToNil(in.Treatment)
	}
	if in.Notes != nil {
		r.Notes = blankToNil(in.Notes)
	}
	r.UpdatedAt = s.clock.Now()

	if err := s.store.Update(ctx, r, s.event(EventUpdated, r, doctorID)); err != nil {
		return nil, fmt.Errorf("update medical history: %w", err)
	}
	return r, nil
}

func (s *Service) ensurePatient(ctx context.Context, doctorID, patientID uuid.UUID) error {
	ok, err := s.store.PatientExists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return domainerr.Validation("patientId is invalid: no such patient")
	}
	return s.ensureLinked(ctx, doctorID, patientID)
}

func (s *Service) ensureLinked(ctx context.Context, doctorID, patientID uuid.UUID) error {
	ok, err := s.store.HasAppointment(ctx, doctorID, patientID)
	if err != nil {
		return fmt.Errorf("check appointment: %w", err)
	}
	if !ok {
		return ErrNoAppointment
	}
	return nil
}

func (s *Service) event(eventType string, r *Record, doctorID uuid.UUID) *Event {
	return &Event{
		EventType: eventType,
		RecordID:  r.ID.String(),
		PatientID: r.PatientID.String(),
		DoctorID:  doctorID.String(),
		Timestamp: r.UpdatedAt,
	}
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
