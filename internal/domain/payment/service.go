package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
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

// Filter selects payments, newest first.
type Filter struct {
	PatientID *uuid.UUID
	Limit     int
}

// Store persists payments. Every mutation writes ev to the outbox in the
// same transaction.
type Store interface {
	Create(ctx context.Context, p *Payment, ev *Event) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	List(ctx context.Context, f Filter) ([]*Payment, error)
	Update(ctx context.Context, p *Payment, ev *Event) error
	// Complete persists a completed payment and flags its appointment paid.
	Complete(ctx context.Context, p *Payment, ev *Event) error
	AddRefund(ctx context.Context, p *Payment, r *Refund, ev *Event) error
	Appointment(ctx context.Context, id uuid.UUID) (*AppointmentRef, error)
}

// Service implements the payment operations.
type Service struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewService creates a new payment service
func NewService(store Store, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{store: store, clock: clock, logger: logger}
}

func cents(v float64) int64 { return int64(math.Round(v * 100)) }

func round2(v float64) float64 { return float64(cents(v)) / 100 }

func newTransactionID(prefix string) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// scope resolves which patient's payments the actor may read.
func scope(actor auth.Actor, patientID *uuid.UUID) (*uuid.UUID, error) {
	switch actor.Role {
	case auth.RoleAdmin, auth.RoleSecretary:
		return patientID, nil
	case auth.RolePatient:
		if actor.PatientID == nil {
			return nil, domainerr.Unauthorized("invalid token: patient id missing")
		}
		return actor.PatientID, nil
	default:
		return nil, domainerr.Forbidden("cannot read payments")
	}
}

// List returns up to 500 payments, newest first.
func (s *Service) List(ctx context.Context, actor auth.Actor, patientID *uuid.UUID) ([]*Payment, error) {
	pid, err := scope(actor, patientID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.List(ctx, Filter{PatientID: pid, Limit: maxListSize})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if items == nil {
		items = []*Payment{}
	}
	return items, nil
}

// CreateInput is the body of a new payment. Amount defaults to the
// appointment fee.
type CreateInput struct {
	AppointmentID  uuid.UUID  `json:"appointmentId"`
	Amount         *float64   `json:"amount"`
	Currency       string     `json:"currency"`
	PaymentMethod  string     `json:"paymentMethod"`
	PaymentType    string     `json:"paymentType"`
	PaymentGateway *string    `json:"paymentGateway"`
	Notes          *string    `json:"notes"`
	DueDate        *time.Time `json:"dueDate"`
}

// Create opens a pending payment for an appointment.
func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*Payment, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary, auth.RolePatient) {
		return nil, domainerr.Forbidden("cannot create payments")
	}
	if in.AppointmentID == uuid.Nil {
		return nil, domainerr.Validation("appointmentId is required")
	}
	appt, err := s.store.Appointment(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RolePatient && !actor.OwnsPatient(appt.PatientID) {
		return nil, domainerr.Forbidden("cannot pay another patient's appointment")
	}

	amount := appt.Fee
	if in.Amount != nil {
		amount = *in.Amount
	}
	if cents(amount) <= 0 {
		return nil, domainerr.Validation("amount must be greater than zero")
	}
	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	method := MethodCash
	if in.PaymentMethod != "" {
		m, ok := parseMethod(in.PaymentMethod)
		if !ok {
			return nil, domainerr.Validation("invalid paymentMethod %q", in.PaymentMethod)
		}
		method = m
	}
	typ := TypePrepaid
	if in.PaymentType != "" {
		t, ok := parseType(in.PaymentType)
		if !ok {
			return nil, domainerr.Validation("invalid paymentType %q", in.PaymentType)
		}
		typ = t
	}

	now := s.clock.Now()
	tx := newTransactionID("TX")
	p := &Payment{
		ID:             uuid.New(),
		Amount:         round2(amount),
		Currency:       currency,
		Status:         StatusPending,
		PaymentMethod:  method,
		PaymentType:    typ,
		TransactionID:  &tx,
		PaymentGateway: trimPtr(in.PaymentGateway),
		Notes:          trimPtr(in.Notes),
		DueDate:        in.DueDate,
		AppointmentID:  appt.ID,
		PatientID:      appt.PatientID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Refunds:        []*Refund{},
	}
	if err := s.store.Create(ctx, p, newEvent(EventCreated, p, p.Amount, now)); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.logger.Info("payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("appointment_id", p.AppointmentID.String()),
		zap.Float64("amount", p.Amount),
	)
	return p, nil
}

// UpdateInput patches a payment. Completion and refunds have their own
// operations and cannot be set here.
type UpdateInput struct {
	Status        *string  `json:"status"`
	PaymentMethod *string  `json:"paymentMethod"`
	PaymentType   *string  `json:"paymentType"`
	Amount        *float64 `json:"amount"`
	Currency      *string  `json:"currency"`
	Notes         *string  `json:"notes"`
}

// Update applies a staff patch.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*Payment, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary) {
		return nil, domainerr.Forbidden("cannot modify payments")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status != nil {
		st, ok := parseStatus(*in.Status)
		if !ok {
			return nil, domainerr.Validation("invalid status %q", *in.Status)
		}
		switch st {
		case StatusCompleted:
			return nil, domainerr.Validation("use the process operation to complete a payment")
		case StatusRefunded:
			return nil, domainerr.Validation("use the refund operation to refund a payment")
		}
		if p.Status == StatusCompleted || p.Status == StatusRefunded {
			return nil, domainerr.New(domainerr.KindInvalidState, "payment is %s", p.Status)
		}
		p.Status = st
	}
	if in.PaymentMethod != nil {
		m, ok := parseMethod(*in.PaymentMethod)
		if !ok {
			return nil, domainerr.Validation("invalid paymentMethod %q", *in.PaymentMethod)
		}
		p.PaymentMethod = m
	}
	if in.PaymentType != nil {
		t, ok := parseType(*in.PaymentType)
		if !ok {
			return nil, domainerr.Validation("invalid paymentType %q", *in.PaymentType)
		}
		p.PaymentType = t
	}
	if in.Amount != nil {
		if cents(*in.Amount) <= 0 {
			return nil, domainerr.Validation("amount must be greater than zero")
		}
		if cents(*in.Amount) < cents(p.Refunded()) {
			return nil, domainerr.Validation("amount cannot be below the refunded total")
		}
		p.Amount = round2(*in.Amount)
	}
	if in.Currency != nil {
		c, err := normalizeCurrency(*in.Currency)
		if err != nil {
			return nil, err
		}
		p.Currency = c
	}
	if in.Notes != nil {
		p.Notes = trimPtr(in.Notes)
	}

	now := s.clock.Now()
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p, newEvent(EventUpdated, p, p.Amount, now)); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}
	return p, nil
}

// Process completes a pending payment and marks its appointment paid.
// Processing a completed payment returns it unchanged.
func (s *Service) Process(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Payment, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleSecretary, auth.RolePatient) {
		return nil, domainerr.Forbidden("cannot process payments")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RolePatient && !actor.OwnsPatient(p.PatientID) {
		return nil, domainerr.Forbidden("cannot process another patient's payment")
	}
	switch p.Status {
	case StatusCompleted:
		return p, nil
	case StatusPending, StatusProcessing:
	default:
		return nil, domainerr.New(domainerr.KindInvalidState, "cannot process a %s payment", p.Status)
	}

	now := s.clock.Now()
	p.Status = StatusCompleted
	p.PaymentDate = &now
	p.UpdatedAt = now
	if err := s.store.Complete(ctx, p, newEvent(EventCompleted, p, p.Amount, now)); err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	s.logger.Info("payment completed", zap.String("payment_id", p.ID.String()), zap.Float64("amount", p.Amount))
	return p, nil
}

// RefundInput is the body of a refund.
type RefundInput struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// Refund returns up to the unrefunded remainder of a completed payment.
func (s *Service) Refund(ctx context.Context, actor auth.Actor, id uuid.UUID, in RefundInput) (*Payment, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can refund payments")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, domainerr.Validation("reason is required")
	}
	if cents(in.Amount) <= 0 {
		return nil, domainerr.Validation("amount must be greater than zero")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted && p.Status != StatusRefunded {
		return nil, domainerr.New(domainerr.KindInvalidState, "cannot refund a %s payment", p.Status)
	}
	remaining := cents(p.Amount) - cents(p.Refunded())
	if cents(in.Amount) > remaining {
		return nil, domainerr.Validation("refund exceeds the remaining %.2f", float64(remaining)/100)
	}

	now := s.clock.Now()
	r := &Refund{
		ID:         uuid.New(),
		PaymentID:  p.ID,
		Amount:     round2(in.Amount),
		Reason:     reason,
		RefundedAt: now,
	}
	p.Status = StatusRefunded
	p.UpdatedAt = now
	p.Refunds = append(p.Refunds, r)
	if err := s.store.AddRefund(ctx, p, r, newEvent(EventRefunded, p, r.Amount, now)); err != nil {
		return nil, fmt.Errorf("refund payment: %w", err)
	}
	s.logger.Info("payment refunded",
		zap.String("payment_id", p.ID.String()),
		zap.Float64("amount", r.Amount),
		zap.String("by", actor.UserID.String()),
	)
	return p, nil
}

// Summary aggregates a payment history.
type Summary struct {
	TotalPayments      int     `json:"totalPayments"`
	TotalAmount        float64 `json:"totalAmount"`
	TotalRefunded      float64 `json:"totalRefunded"`
	SuccessfulPayments int     `json:"successfulPayments"`
	FailedPayments     int     `json:"failedPayments"`
	PendingPayments    int     `json:"pendingPayments"`
}

// MonthlyStat totals the payments created in one month.
type MonthlyStat struct {
	Month        string  `json:"month"`
	TotalAmount  float64 `json:"totalAmount"`
	PaymentCount int     `json:"paymentCount"`
}

// History is the payment history of a patient or of the clinic.
type History struct {
	Payments     []*Payment     `json:"payments"`
	Summary      Summary        `json:"summary"`
	MonthlyStats []*MonthlyStat `json:"monthlyStats"`
}

// History summarises the 200 most recent payments in scope.
func (s *Service) History(ctx context.Context, actor auth.Actor, patientID *uuid.UUID) (*History, error) {
	pid, err := scope(actor, patientID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.List(ctx, Filter{PatientID: pid, Limit: maxHistorySize})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return Summarize(items), nil
}

// Summarize builds the summary and monthly stats of payments, newest month
// first.
func Summarize(items []*Payment) *History {
	h := &History{Payments: items, MonthlyStats: []*MonthlyStat{}}
	if h.Payments == nil {
		h.Payments = []*Payment{}
	}
	var total, refunded int64
	months := map[string]*MonthlyStat{}
	monthCents := map[string]int64{}
	for _, p := range items {
		h.Summary.TotalPayments++
		total += cents(p.Amount)
		refunded += cents(p.Refunded())
		switch p.Status {
		case StatusCompleted:
			h.Summary.SuccessfulPayments++
		case StatusFailed:
			h.Summary.FailedPayments++
		case StatusPending:
			h.Summary.PendingPayments++
		}

		key := p.CreatedAt.UTC().Format("2006-01")
		m, ok := months[key]
		if !ok {
			m = &MonthlyStat{Month: key}
			months[key] = m
			h.MonthlyStats = append(h.MonthlyStats, m)
		}
		m.PaymentCount++
		monthCents[key] += cents(p.Amount)
	}
	h.Summary.TotalAmount = float64(total) / 100
	h.Summary.TotalRefunded = float64(refunded) / 100
	for _, m := range h.MonthlyStats {
		m.TotalAmount = float64(monthCents[m.Month]) / 100
	}
	sort.Slice(h.MonthlyStats, func(i, j int) bool { return h.MonthlyStats[i].Month > h.MonthlyStats[j].Month })
	return h
}

// Simulation echoes a test payment without touching any state.
type Simulation struct {
	OK            bool            `json:"ok"`
	Simulated     bool            `json:"simulated"`
	TransactionID string          `json:"transactionId"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Service) Simulate(payload json.RawMessage) *Simulation {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return &Simulation{OK: true, Simulated: true, TransactionID: newTransactionID("SIM"), Payload: payload}
}

func normalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return defaultCurrency, nil
	}
	if len(c) != 3 {
		return "", domainerr.Validation("currency must be a 3-letter code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", domainerr.Validation("currency must be a 3-letter code")
		}
	}
	return c, nil
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
