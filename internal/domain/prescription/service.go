package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/civil"
	"github.com/cmmsalud/clinic-api/pkg/paging"
	"github.com/cmmsalud/clinic-api/pkg/patch"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Change is the side output of a mutation: an optional ledger record and the
// event to write to the outbox.
type Change struct {
	Dispensation *Dispensation
	Event        *Event
}

// MutateFunc modifies a locked prescription in place. Returning an error
// aborts the transaction.
type MutateFunc func(p *Prescription) (*Change, error)

// Store persists prescriptions. Mutate must run fn under a row lock and
// persist the result with an optimistic version check in one transaction.
type Store interface {
	Create(ctx context.Context, p *Prescription, ev *Event) error
	Get(ctx context.Context, id uuid.UUID) (*Prescription, error)
	List(ctx context.Context, f Filter) ([]*Prescription, int, error)
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Prescription, error)
	Dispensations(ctx context.Context, id uuid.UUID) ([]*Dispensation, error)
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)
	PharmacyExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Recorder receives business metrics.
type Recorder interface {
	PrescriptionCreated(continuous bool)
	DispensationRecorded(actor string)
	DispensationRejected(kind string)
}

type nopRecorder struct{}

func (nopRecorder) PrescriptionCreated(bool)    {}
func (nopRecorder) DispensationRecorded(string) {}
func (nopRecorder) DispensationRejected(string) {}

// Service implements the prescription operations.
type Service struct {
	store    Store
	clock    Clock
	logger   *zap.Logger
	recorder Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewService creates a new prescription service
func NewService(store Store, clock Clock, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Service{store: store, clock: clock, logger: logger, recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the current UTC calendar day.
func (s *Service) Today() civil.Date {
	return civil.DateOf(s.clock.Now())
}

// Project projects p for the given role on today.
func (s *Service) Project(p *Prescription, role auth.Role) View {
	return Project(p, role, s.Today())
}

// CreateInput holds the fields accepted when issuing a prescription.
type CreateInput struct {
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	MedicationName   string
	Dosage           string
	Frequency        string
	Duration         string
	Instructions     *string
	IsContinuous     bool
	RefillEveryDays  *int
	TreatmentEndDate *civil.Date
}

// Create issues a new prescription.
func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*Prescription, error) {
	if !actor.Is(auth.RoleDoctor, auth.RoleAdmin) {
		return nil, domainerr.Forbidden("only doctors and admins can issue prescriptions")
	}
	if actor.Role == auth.RoleDoctor {
		if actor.DoctorID == nil {
			return nil, domainerr.Unauthorized("invalid token: doctor id missing")
		}
		in.DoctorID = *actor.DoctorID
	}

	in.MedicationName = strings.TrimSpace(in.MedicationName)
	in.Dosage = strings.TrimSpace(in.Dosage)
	in.Frequency = strings.TrimSpace(in.Frequency)
	switch {
	case in.PatientID == uuid.Nil:
		return nil, domainerr.Validation("patientId is required")
	case in.DoctorID == uuid.Nil:
		return nil, domainerr.Validation("doctorId is required")
	case in.MedicationName == "":
		return nil, domainerr.Validation("medicationName is required")
	case in.Dosage == "":
		return nil, domainerr.Validation("dosage is required")
	case in.Frequency == "":
		return nil, domainerr.Validation("frequency is required")
	}

	if err := s.mustExist(ctx, s.store.PatientExists, in.PatientID, "patient not found"); err != nil {
		return nil, err
	}
	if err := s.mustExist(ctx, s.store.DoctorExists, in.DoctorID, "doctor not found"); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	today := civil.DateOf(now)
	p := &Prescription{
		ID:                   uuid.New(),
		PatientID:            in.PatientID,
		DoctorID:             in.DoctorID,
		MedicationName:       in.MedicationName,
		Dosage:               in.Dosage,
		Frequency:            in.Frequency,
		Duration:             strings.TrimSpace(in.Duration),
		Instructions:         trimPtr(in.Instructions),
		IssueDate:            today,
		ExpirationDate:       today.AddDays(defaultValidityDays),
		MaxDispensations:     defaultMaxDispensations,
		CurrentDispensations: 0,
		Status:               StatusActive,
		DigitalSignature:     NewSignature(),
		IsContinuous:         in.IsContinuous,
		RefillEveryDays:      in.RefillEveryDays,
		TreatmentEndDate:     in.TreatmentEndDate,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := ApplyContinuousRules(p); err != nil {
		return nil, err
	}

	ev, err := NewEvent(p, EventCreated, actor.UserID, CreatedData{
		PatientID:        p.PatientID.String(),
		DoctorID:         p.DoctorID.String(),
		MedicationName:   p.MedicationName,
		MaxDispensations: p.MaxDispensations,
		IsContinuous:     p.IsContinuous,
		ExpirationDate:   p.ExpirationDate.String(),
		DigitalSignature: p.DigitalSignature,
	})
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	if err := s.store.Create(ctx, p, ev); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	s.recorder.PrescriptionCreated(p.IsContinuous)

	s.logger.Info("prescription created",
		zap.String("prescription_id", p.ID.String()),
		zap.String("doctor_id", p.DoctorID.String()),
		zap.Bool("continuous", p.IsContinuous),
	)

	created, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return p, nil
	}
	return created, nil
}

// UpdateInput is a partial update. Absent fields are left unchanged.
type UpdateInput struct {
	MedicationName   patch.Field[string]
	Dosage           patch.Field[string]
	Frequency        patch.Field[string]
	Duration         patch.Field[string]
	Instructions     patch.Field[string]
	ExpirationDate   patch.Field[civil.Date]
	MaxDispensations patch.Field[int]
	Status           patch.Field[string]
	IsContinuous     patch.Field[bool]
	RefillEveryDays  patch.Field[int]
	TreatmentEndDate patch.Field[civil.Date]
	PatientID        patch.Field[uuid.UUID]
	DoctorID         patch.Field[uuid.UUID]
}

// Update applies a partial update to an existing prescription.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*Prescription, error) {
	if !actor.Is(auth.RoleDoctor, auth.RoleAdmin) {
		return nil, domainerr.Forbidden("only doctors and admins can update prescriptions")
	}

	if in.PatientID.Present() || in.DoctorID.Present() {
		if actor.Role != auth.RoleAdmin {
			return nil, domainerr.Forbidden("only admins can reassign a prescription")
		}
		if v, ok := in.PatientID.Get(); ok {
			if err := s.mustExist(ctx, s.store.PatientExists, v, "patient not found"); err != nil {
				return nil, err
			}
		} else if in.PatientID.Null {
			return nil, domainerr.Validation("patientId cannot be null")
		}
		if v, ok := in.DoctorID.Get(); ok {
			if err := s.mustExist(ctx, s.store.DoctorExists, v, "doctor not found"); err != nil {
				return nil, err
			}
		} else if in.DoctorID.Null {
			return nil, domainerr.Validation("doctorId cannot be null")
		}
	}

	var status Status
	if v, ok := in.Status.Get(); ok {
		st, valid := ParseStatus(v)
		if !valid {
			return nil, domainerr.Validation("unknown status %q", v)
		}
		status = st
	}

	now := s.clock.Now()
	updated, err := s.store.Mutate(ctx, id, func(p *Prescription) (*Change, error) {
		if actor.Role == auth.RoleDoctor && !actor.OwnsDoctor(p.DoctorID) {
			return nil, domainerr.Forbidden("prescription belongs to another doctor")
		}

		fields, err := applyUpdate(p, in, status)
		if err != nil {
			return nil, err
		}
		if err := ApplyContinuousRules(p); err != nil {
			return nil, err
		}
		p.clampDispensations()

		if p.CurrentDispensations > 0 && p.LastDispensedAt != nil &&
			p.ExpirationDate.Before(civil.DateOf(*p.LastDispensedAt)) {
			return nil, ErrExpirationRewrite
		}
		p.UpdatedAt = now

		ev, err := NewEvent(p, EventUpdated, actor.UserID, UpdatedData{
			Fields:           fields,
			Status:           p.Status,
			MaxDispensations: p.MaxDispensations,
			ExpirationDate:   p.ExpirationDate.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("build event: %w", err)
		}
		return &Change{Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("prescription updated",
		zap.String("prescription_id", id.String()),
		zap.String("user_id", actor.UserID.String()),
	)
	return updated, nil
}

func applyUpdate(p *Prescription, in UpdateInput, status Status) ([]string, error) {
	var fields []string
	nonBlank := func(name string, f patch.Field[string], dst *string) error {
		if !f.Present() {
			return nil
		}
		v := strings.TrimSpace(f.Value)
		if f.Null || v == "" {
			return domainerr.Validation("%s cannot be blank", name)
		}
		*dst = v
		fields = append(fields, name)
		return nil
	}
	if err := nonBlank("medicationName", in.MedicationName, &p.MedicationName); err != nil {
		return nil, err
	}
	if err := nonBlank("dosage", in.Dosage, &p.Dosage); err != nil {
		return nil, err
	}
	if err := nonBlank("frequency", in.Frequency, &p.Frequency); err != nil {
		return nil, err
	}

	if in.Duration.Present() {
		p.Duration = strings.TrimSpace(in.Duration.Value)
		fields = append(fields, "duration")
	}
	if in.Instructions.Present() {
		if v, ok := in.Instructions.Get(); ok {
			v = strings.TrimSpace(v)
			p.Instructions = &v
		} else {
			p.Instructions = nil
		}
		fields = append(fields, "instructions")
	}
	if in.ExpirationDate.Present() {
		v, ok := in.ExpirationDate.Get()
		if !ok {
			return nil, domainerr.Validation("expirationDate cannot be null")
		}
		p.ExpirationDate = v
		fields = append(fields, "expirationDate")
	}
	if in.MaxDispensations.Present() {
		v, ok := in.MaxDispensations.Get()
		if !ok || v <= 0 {
			return nil, domainerr.Validation("maxDispensations must be greater than 0")
		}
		p.MaxDispensations = v
		fields = append(fields, "maxDispensations")
	}
	if status != "" {
		p.Status = status
		fields = append(fields, "status")
	}

	if in.RefillEveryDays.Present() {
		if v, ok := in.RefillEveryDays.Get(); ok {
			p.RefillEveryDays = &v
		} else {
			p.RefillEveryDays = nil
		}
		fields = append(fields, "refillEveryDays")
	}
	if in.TreatmentEndDate.Present() {
		if v, ok := in.TreatmentEndDate.Get(); ok {
			p.TreatmentEndDate = &v
		} else {
			p.TreatmentEndDate = nil
		}
		fields = append(fields, "treatmentEndDate")
	}
	if in.IsContinuous.Present() {
		v, ok := in.IsContinuous.Get()
		if !ok {
			return nil, domainerr.Validation("isContinuous cannot be null")
		}
		p.IsContinuous = v
		if !v {
			p.clearContinuous()
		}
		fields = append(fields, "isContinuous")
	}

	if v, ok := in.PatientID.Get(); ok {
		p.PatientID = v
		fields = append(fields, "patientId")
	}
	if v, ok := in.DoctorID.Get(); ok {
		p.DoctorID = v
		fields = append(fields, "doctorId")
	}
	return fields, nil
}

// Get returns one prescription if the actor may read it.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case auth.RolePatient:
		if !actor.OwnsPatient(p.PatientID) {
			return nil, domainerr.Forbidden("prescription belongs to another patient")
		}
	case auth.RoleDoctor:
		if !actor.OwnsDoctor(p.DoctorID) {
			return nil, domainerr.Forbidden("prescription belongs to another doctor")
		}
	}
	return p, nil
}

// List returns a page of prescriptions visible to the actor.
func (s *Service) List(ctx context.Context, actor auth.Actor, q ListQuery) (paging.Page[*Prescription], error) {
	switch actor.Role {
	case auth.RolePatient:
		if actor.PatientID == nil {
			return paging.Page[*Prescription]{}, domainerr.Unauthorized("invalid token: patient id missing")
		}
		q.PatientID = actor.PatientID
	case auth.RoleDoctor:
		if actor.DoctorID == nil {
			return paging.Page[*Prescription]{}, domainerr.Unauthorized("invalid token: doctor id missing")
		}
		q.DoctorID = actor.DoctorID
	case auth.RolePharmacy:
		if strings.TrimSpace(q.PatientDocumentID) == "" {
			return paging.Page[*Prescription]{}, domainerr.Validation("patientDocumentId is required for pharmacies")
		}
	case auth.RoleAdmin, auth.RoleSecretary:
	default:
		return paging.Page[*Prescription]{}, domainerr.Forbidden("role cannot list prescriptions")
	}

	page, size := NormalizePaging(q.Page, q.PageSize)
	f := Filter{
		PatientID:      q.PatientID,
		DoctorID:       q.DoctorID,
		StatusLabel:    NormalizeStatusLabel(q.Status),
		MedicationName: strings.TrimSpace(q.MedicationName),
		Today:          s.Today(),
		Limit:          size,
		Offset:         paging.Offset(page, size),
	}
	if doc := strings.TrimSpace(q.PatientDocumentID); doc != "" {
		f.Document = doc
		f.DocumentNorm = NormalizeDocument(doc)
	}

	items, total, err := s.store.List(ctx, f)
	if err != nil {
		return paging.Page[*Prescription]{}, fmt.Errorf("list prescriptions: %w", err)
	}
	return paging.New(items, page, size, total), nil
}

// ListByDocument lists prescriptions of the patient holding documentID.
func (s *Service) ListByDocument(ctx context.Context, actor auth.Actor, documentID string, q ListQuery) (paging.Page[*Prescription], error) {
	if !actor.Is(auth.RolePharmacy, auth.RoleAdmin, auth.RoleSecretary) {
		return paging.Page[*Prescription]{}, domainerr.Forbidden("role cannot search prescriptions by document")
	}
	if strings.TrimSpace(documentID) == "" {
		return paging.Page[*Prescription]{}, domainerr.Validation("documentId is required")
	}
	q.PatientDocumentID = documentID
	q.PatientID = nil
	q.DoctorID = nil
	return s.List(ctx, actor, q)
}

// Dispensations returns the ledger of a prescription ordered by number.
func (s *Service) Dispensations(ctx context.Context, actor auth.Actor, id uuid.UUID) ([]*Dispensation, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	recs, err := s.store.Dispensations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list dispensations: %w", err)
	}
	return recs, nil
}

// Exists reports whether a prescription with id exists.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := s.store.Get(ctx, id)
	if errors.Is(err, domainerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) mustExist(ctx context.Context, exists func(context.Context, uuid.UUID) (bool, error), id uuid.UUID, msg string) error {
	ok, err := exists(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", id, err)
	}
	if !ok {
		return domainerr.NotFound("%s", msg)
	}
	return nil
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
