// Package paymenttest provides an in-memory payment.Store.
package paymenttest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/payment"
)

// Store keeps payments, appointments and events in memory.
type Store struct {
	mu           sync.Mutex
	payments     map[uuid.UUID]*payment.Payment
	appointments map[uuid.UUID]*payment.AppointmentRef
	paid         map[uuid.UUID]bool
	events       []*payment.Event
}

var _ payment.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		payments:     make(map[uuid.UUID]*payment.Payment),
		appointments: make(map[uuid.UUID]*payment.AppointmentRef),
		paid:         make(map[uuid.UUID]bool),
	}
}

// AddAppointment registers an appointment of patientID at fee.
func (s *Store) AddAppointment(patientID uuid.UUID, fee float64) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.appointments[id] = &payment.AppointmentRef{ID: id, PatientID: patientID, Fee: fee}
	return id
}

// Paid reports whether the appointment was flagged paid.
func (s *Store) Paid(appointmentID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paid[appointmentID]
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

func clone(p *payment.Payment) *payment.Payment {
	c := *p
	c.Refunds = make([]*payment.Refund, len(p.Refunds))
	for i, r := range p.Refunds {
		rc := *r
		c.Refunds[i] = &rc
	}
	return &c
}

func (s *Store) save(p *payment.Payment, ev *payment.Event) error {
	if _, ok := s.payments[p.ID]; !ok {
		return payment.ErrNotFound
	}
	s.payments[p.ID] = clone(p)
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) Create(_ context.Context, p *payment.Payment, ev *payment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = clone(p)
	if ev != nil {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) List(_ context.Context, f payment.Filter) ([]*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*payment.Payment
	for _, p := range s.payments {
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, p *payment.Payment, ev *payment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(p, ev)
}

func (s *Store) Complete(_ context.Context, p *payment.Payment, ev *payment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(p, ev); err != nil {
		return err
	}
	s.paid[p.AppointmentID] = true
	return nil
}

func (s *Store) AddRefund(_ context.Context, p *payment.Payment, _ *payment.Refund, ev *payment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(p, ev)
}

func (s *Store) Appointment(_ context.Context, id uuid.UUID) (*payment.AppointmentRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, payment.ErrAppointmentNotFound
	}
	c := *a
	return &c, nil
}
