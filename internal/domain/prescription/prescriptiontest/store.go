// Package prescriptiontest provides an in-memory prescription.Store and a
// fixed clock for tests.
package prescriptiontest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
)

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t.UTC()} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Store keeps prescriptions, ledger records and events in memory.
type Store struct {
	mu            sync.Mutex
	prescriptions map[uuid.UUID]*prescription.Prescription
	ledger        map[uuid.UUID][]*prescription.Dispensation
	events        []*prescription.Event
	patients      map[uuid.UUID]*prescription.PatientSummary
	doctors       map[uuid.UUID]*prescription.DoctorSummary
	pharmacies    map[uuid.UUID]bool
}

var _ prescription.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		prescriptions: make(map[uuid.UUID]*prescription.Prescription),
		ledger:        make(map[uuid.UUID][]*prescription.Dispensation),
		patients:      make(map[uuid.UUID]*prescription.PatientSummary),
		doctors:       make(map[uuid.UUID]*prescription.DoctorSummary),
		pharmacies:    make(map[uuid.UUID]bool),
	}
}

// AddPatient registers a patient and returns its id.
func (s *Store) AddPatient(documentID string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.patients[id] = &prescription.PatientSummary{ID: id, FirstName: "Ana", LastName: "Pérez", DocumentID: documentID}
	return id
}

// AddDoctor registers a doctor and returns its id.
func (s *Store) AddDoctor() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.doctors[id] = &prescription.DoctorSummary{ID: id, FirstName: "Luis", LastName: "Gómez", LicenseNumber: "MED-" + id.String()[:8]}
	return id
}

// AddPharmacy registers an active pharmacy and returns its id.
func (s *Store) AddPharmacy() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.pharmacies[id] = true
	return id
}

// Put stores p as-is, bypassing service validation.
func (s *Store) Put(p *prescription.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	c := *p
	s.prescriptions[p.ID] = &c
}

// Events returns every event written so far.
func (s *Store) Events() []*prescription.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*prescription.Event(nil), s.events...)
}

// Ledger returns the dispensations of one prescription.
func (s *Store) Ledger(id uuid.UUID) []*prescription.Dispensation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*prescription.Dispensation(nil), s.ledger[id]...)
}

func (s *Store) Create(_ context.Context, p *prescription.Prescription, ev *prescription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.prescriptions[p.ID] = &c
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prescriptions[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return s.view(p), nil
}

// view returns a copy of p with its joined summaries.
func (s *Store) view(p *prescription.Prescription) *prescription.Prescription {
	c := *p
	if pat, ok := s.patients[p.PatientID]; ok {
		v := *pat
		c.Patient = &v
	}
	if doc, ok := s.doctors[p.DoctorID]; ok {
		v := *doc
		c.Doctor = &v
	}
	return &c
}

func (s *Store) List(_ context.Context, f prescription.Filter) ([]*prescription.Prescription, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*prescription.Prescription
	for _, p := range s.prescriptions {
		v := s.view(p)
		if f.Matches(v) {
			matched = append(matched, v)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

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

func (s *Store) Mutate(_ context.Context, id uuid.UUID, fn prescription.MutateFunc) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.prescriptions[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	work := s.view(stored)
	change, err := fn(work)
	if err != nil {
		return nil, err
	}
	if work.Version != stored.Version {
		return nil, prescription.ErrConcurrentUpdate
	}
	work.Version++
	work.Patient, work.Doctor = nil, nil
	s.prescriptions[id] = work

	if change != nil && change.Dispensation != nil {
		s.ledger[id] = append(s.ledger[id], change.Dispensation)
	}
	if change != nil && change.Event != nil {
		change.Event.Version = work.Version
		s.events = append(s.events, change.Event)
	}
	return s.view(work), nil
}

func (s *Store) Dispensations(_ context.Context, id uuid.UUID) ([]*prescription.Dispensation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*prescription.Dispensation{}, s.ledger[id]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DispensationNumber < out[j].DispensationNumber
	})
	return out, nil
}

func (s *Store) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.patients[id]
	return ok, nil
}

func (s *Store) DoctorExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doctors[id]
	return ok, nil
}

func (s *Store) PharmacyExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pharmacies[id], nil
}
