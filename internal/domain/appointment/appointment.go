// Package appointment schedules consultations between patients and doctors.
package appointment

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

const (
	maxReasonLength = 500
	maxListSize     = 500
)

// Status is the stored state of an appointment.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
	StatusNoShow      Status = "no_show"
)

// statuses is ordered by wire ordinal.
var statuses = []Status{
	StatusScheduled,
	StatusConfirmed,
	StatusCompleted,
	StatusCancelled,
	StatusRescheduled,
	StatusNoShow,
}

// ParseStatus accepts a status name in any case or its ordinal.
func ParseStatus(s string) (Status, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(statuses) {
			return "", false
		}
		return statuses[n], true
	}
	for _, st := range statuses {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

// UnmarshalJSON accepts either a string or a number.
func (s *Status) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}
	st, ok := ParseStatus(raw)
	if !ok {
		return domainerr.Validation("invalid appointment status %q", raw)
	}
	*s = st
	return nil
}

// PatientSummary is the patient shown alongside an appointment.
type PatientSummary struct {
	ID         uuid.UUID `json:"id"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	DocumentID string    `json:"documentId"`
}

// DoctorSummary is the doctor shown alongside an appointment.
type DoctorSummary struct {
	ID            uuid.UUID `json:"id"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	LicenseNumber string    `json:"licenseNumber"`
}

// Appointment is a scheduled consultation.
type Appointment struct {
	ID                   uuid.UUID       `json:"id"`
	AppointmentDate      time.Time       `json:"appointmentDate"`
	Status               Status          `json:"status"`
	Reason               string          `json:"reason"`
	Notes                *string         `json:"notes"`
	Fee                  float64         `json:"fee"`
	RequiresPayment      bool            `json:"requiresPayment"`
	IsPaid               bool            `json:"isPaid"`
	ConfirmationDeadline *time.Time      `json:"confirmationDeadline"`
	IsConfirmed          bool            `json:"isConfirmed"`
	PatientID            uuid.UUID       `json:"patientId"`
	DoctorID             uuid.UUID       `json:"doctorId"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	Patient              *PatientSummary `json:"patient,omitempty"`
	Doctor               *DoctorSummary  `json:"doctor,omitempty"`
}

// Event is the outbox payload of an appointment change.
type Event struct {
	EventType     string    `json:"eventType"`
	AppointmentID string    `json:"appointmentId"`
	PatientID     string    `json:"patientId"`
	DoctorID      string    `json:"doctorId"`
	Status        Status    `json:"status"`
	Date          time.Time `json:"appointmentDate"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	EventCreated   = "appointment.created"
	EventUpdated   = "appointment.updated"
	EventCancelled = "appointment.cancelled"
)

func newEvent(eventType string, a *Appointment, at time.Time) *Event {
	return &Event{
		EventType:     eventType,
		AppointmentID: a.ID.String(),
		PatientID:     a.PatientID.String(),
		DoctorID:      a.DoctorID.String(),
		Status:        a.Status,
		Date:          a.AppointmentDate,
		Timestamp:     at,
	}
}

var (
	ErrNotFound        = domainerr.NotFound("appointment not found")
	ErrPatientNotFound = domainerr.NotFound("patient not found")
	ErrDoctorNotFound  = domainerr.NotFound("doctor not found")
	ErrClash           = domainerr.Validation("the doctor already has an appointment at that time")
)

func validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", domainerr.Validation("reason is required")
	}
	if n := len([]rune(reason)); n > maxReasonLength {
		return "", domainerr.Validation("reason exceeds %d characters", maxReasonLength)
	}
	return reason, nil
}
