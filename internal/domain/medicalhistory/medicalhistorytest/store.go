// Package medicalhistorytest provides an in-memory medicalhistory.Store.
package medicalhistorytest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/medicalhistory"
	"github.com/cmmsalud/clinic-api/pkg/civil"
)

type link struct{ doctorID, patientID uuid.UUID }

// Store keeps records, patients and appointment links in memory.
type Store struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*medicalhistory.Record
	patients map[uuid.UUID]medicalhistory.PatientSummary
	links    map[link]bool
	events   []*medicalhistory.Event
}

var _ medicalhistory.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		records:  make(map[uuid.UUID]*medicalhistory.Record),
		patients: make(map[uuid.UUID]medicalhistory.PatientSummary),
		links:    make(map[link]bool),
	}
}

// AddPatient registers a patient and returns its id.
func (s *Store) AddPatient(first, last, documentID string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.patients[id] = medicalhistory.PatientSummary{
		ID:          id,
		FirstName:   first,
		LastName:    last,
		DocumentID:  documentID,
		DateOfBirth: civil.NewDate(1985, 4, 2),
	}
	return id
}

// Link records that the patient has an appointment with the doctor.
func (s *Store) Link(doctorID, patientID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link{doctorID, patientID}] = true
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

func (s *Store) attach(r *medicalhistory.Record) *medicalhistory.Record {
	c := *r
	if p, ok := s.patients[r.PatientID]; ok {
		c.Patient = &p
	}
	return &c
}

func (s *Store) Create(_ context.Context, r *medicalhistory.Record, ev *medicalhistory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.records[r.ID] = &c
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*medicalhistory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, medicalhistory.ErrNotFound
	}
	return s.attach(r), nil
}

func (s *Store) Update(_ context.Context, r *medicalhistory.Record, ev *medicalhistory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		return medicalhistory.ErrNotFound
	}
	c := *r
	s.records[r.ID] = &c
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func contains(v *string, q string) bool {
	return v != nil && strings.Contains(strings.ToLower(*v), q)
}

func (s *Store) List(_ context.Context, f medicalhistory.Filter) ([]*medicalhistory.Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*medicalhistory.Record
	for _, r := range s.records {
		if !s.links[link{f.DoctorID, r.PatientID}] {
			continue
		}
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		c := s.attach(r)
		if q := f.Search; q != "" {
			p := c.Patient
			hit := strings.Contains(strings.ToLower(c.Condition), q) ||
				contains(c.Diagnosis, q) || contains(c.Treatment, q) ||
				(p != nil && (strings.Contains(strings.ToLower(p.FirstName), q) ||
					strings.Contains(strings.ToLower(p.LastName), q) ||
					strings.Contains(strings.ToLower(p.DocumentID), q)))
			if !hit {
				continue
			}
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (s *Store) PatientByDocument(_ context.Context, documentID string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.patients {
		if p.DocumentID == documentID {
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (s *Store) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.patients[id]
	return ok, nil
}

func (s *Store) HasAppointment(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[link{doctorID, patientID}], nil
}
