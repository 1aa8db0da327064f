// Package appointmenttest provides an in-memory appointment.Store.
package appointmenttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/appointment"
)

type doctor struct {
	summary appointment.DoctorSummary
	fee     float64
}

// Store keeps appointments and their events in memory.
type Store struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*appointment.Appointment
	patients     map[uuid.UUID]appointment.PatientSummary
	doctors      map[uuid.UUID]doctor
	events       []*appointment.Event
}

var _ appointment.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		appointments: make(map[uuid.UUID]*appointment.Appointment),
		patients:     make(map[uuid.UUID]appointment.PatientSummary),
		doctors:      make(map[uuid.UUID]doctor),
	}
}

// AddPatient registers a patient and returns its id.
func (s *Store) AddPatient(documentID string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.patients[id] = appointment.PatientSummary{ID: id, FirstName: "Ana", LastName: "Pérez", DocumentID: documentID}
	return id
}

// AddDoctor registers a doctor charging fee and returns its id.
func (s *Store) AddDoctor(fee float64) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.doctors[id] = doctor{
		summary: appointment.DoctorSummary{ID: id, FirstName: "Luis", LastName: "Gómez", LicenseNumber: "MED-" + id.String()[:8]},
		fee:     fee,
	}
	return id
}

// Events returns the recorded event types in order.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}

func (s *Store) attach(a *appointment.Appointment) *appointment.Appointment {
	c := *a
	if p, ok := s.patients[a.PatientID]; ok {
		c.Patient = &p
	}
	if d, ok := s.doctors[a.DoctorID]; ok {
		sum := d.summary
		c.Doctor = &sum
	}
	return &c
}

func (s *Store) Create(_ context.Context, a *appointment.Appointment, ev *appointment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.appointments[a.ID] = &c
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, appointment.ErrNotFound
	}
	return s.attach(a), nil
}

func (s *Store) List(_ context.Context, f appointment.Filter) ([]*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*appointment.Appointment
	for _, a := range s.appointments {
		switch {
		case f.PatientID != nil && a.PatientID != *f.PatientID:
			continue
		case f.DoctorID != nil && a.DoctorID != *f.DoctorID:
			continue
		case f.Status != nil && a.Status != *f.Status:
			continue
		case f.From != nil && a.AppointmentDate.Before(*f.From):
			continue
		case f.To != nil && a.AppointmentDate.After(*f.To):
			continue
		}
		out = append(out, s.attach(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppointmentDate.After(out[j].AppointmentDate) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, a *appointment.Appointment, ev *appointment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appointments[a.ID]; !ok {
		return appointment.ErrNotFound
	}
	c := *a
	c.Patient, c.Doctor = nil, nil
	s.appointments[a.ID] = &c
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) HasClash(_ context.Context, doctorID uuid.UUID, at time.Time, exclude uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.appointments {
		if a.ID != exclude && a.DoctorID == doctorID && a.AppointmentDate.Equal(at) && a.Status != appointment.StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DoctorFee(_ context.Context, doctorID uuid.UUID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[doctorID]
	if !ok {
		return 0, appointment.ErrDoctorNotFound
	}
	return d.fee, nil
}

func (s *Store) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.patients[id]
	return ok, nil
}
