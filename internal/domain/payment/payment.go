// Package payment records consultation payments, their processing and
// refunds.
package payment

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

const (
	defaultCurrency = "USD"
	maxListSize     = 500
	maxHistorySize  = 200
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

type Method string

const (
	MethodCreditCard   Method = "credit_card"
	MethodDebitCard    Method = "debit_card"
	MethodCash         Method = "cash"
	MethodInsurance    Method = "insurance"
	MethodBankTransfer Method = "bank_transfer"
)

type Type string

const (
	TypePrepaid  Type = "prepaid"
	TypePostpaid Type = "postpaid"
)

func parseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded, StatusCancelled:
		return st, true
	}
	return "", false
}

func parseMethod(s string) (Method, bool) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodCash, MethodInsurance, MethodBankTransfer:
		return m, true
	}
	return "", false
}

func parseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypePrepaid, TypePostpaid:
		return t, true
	}
	return "", false
}

// Payment is a charge against an appointment.
type Payment struct {
	ID             uuid.UUID  `json:"id"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	Status         Status     `json:"status"`
	PaymentMethod  Method     `json:"paymentMethod"`
	PaymentType    Type       `json:"paymentType"`
	TransactionID  *string    `json:"transactionId"`
	PaymentGateway *string    `json:"paymentGateway"`
	Notes          *string    `json:"notes"`
	PaymentDate    *time.Time `json:"paymentDate"`
	DueDate        *time.Time `json:"dueDate"`
	AppointmentID  uuid.UUID  `json:"appointmentId"`
	PatientID      uuid.UUID  `json:"patientId"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Refunds        []*Refund  `json:"refunds"`
}

// Refunded sums the refunds recorded so far.
func (p *Payment) Refunded() float64 {
	var total float64
	for _, r := range p.Refunds {
		total += r.Amount
	}
	return total
}

// Refund returns part or all of a completed payment.
type Refund struct {
	ID         uuid.UUID `json:"id"`
	PaymentID  uuid.UUID `json:"paymentId"`
	Amount     float64   `json:"amount"`
	Reason     string    `json:"reason"`
	RefundedAt time.Time `json:"refundedAt"`
}

// AppointmentRef is what a payment needs to know about its appointment.
type AppointmentRef struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Fee       float64
}

// Event is the outbox payload of a payment change.
type Event struct {
	EventType     string    `json:"eventType"`
	PaymentID     string    `json:"paymentId"`
	AppointmentID string    `json:"appointmentId"`
	PatientID     string    `json:"patientId"`
	Status        Status    `json:"status"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	EventCreated   = "payment.created"
	EventUpdated   = "payment.updated"
	EventCompleted = "payment.completed"
	EventRefunded  = "payment.refunded"
)

func newEvent(eventType string, p *Payment, amount float64, at time.Time) *Event {
	return &Event{
		EventType:     eventType,
		PaymentID:     p.ID.String(),
		AppointmentID: p.AppointmentID.String(),
		PatientID:     p.PatientID.String(),
		Status:        p.Status,
		Amount:        amount,
		Currency:      p.Currency,
		Timestamp:     at,
	}
}

var (
	ErrNotFound            = domainerr.NotFound("payment not found")
	ErrAppointmentNotFound = domainerr.NotFound("appointment not found")
)
