// Package prescription implements the prescription lifecycle: continuous
// therapy rules, status projection, dispensation accounting and listing.
package prescription

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// Status is the stored prescription status.
type Status string

const (
	StatusActive      Status = "active"
	StatusUsed        Status = "used"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
	StatusRegenerated Status = "regenerated"
	StatusHidden      Status = "hidden"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
)

// ParseStatus accepts a stored status name, case-insensitively, plus the
// "canceled" spelling.
func ParseStatus(s string) (Status, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "canceled" {
		return StatusCancelled, true
	}
	switch st := Status(v); st {
	case StatusActive, StatusUsed, StatusExpired, StatusCancelled,
		StatusRegenerated, StatusHidden, StatusPaused, StatusCompleted:
		return st, true
	}
	return "", false
}

const (
	defaultValidityDays     = 30
	defaultMaxDispensations = 1
	defaultUnit             = "unit"
)

// Prescription is a medication order and its dispensation counters.
type Prescription struct {
	ID                   uuid.UUID
	PatientID            uuid.UUID
	DoctorID             uuid.UUID
	MedicationName       string
	Dosage               string
	Frequency            string
	Duration             string
	Instructions         *string
	IssueDate            civil.Date
	ExpirationDate       civil.Date
	MaxDispensations     int
	CurrentDispensations int
	Status               Status
	DigitalSignature     string
	LastDispensedAt      *time.Time
	IsContinuous         bool
	RefillEveryDays      *int
	TreatmentEndDate     *civil.Date
	NextRefillDate       *civil.Date
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time

	// LedgerHead is the highest dispensationNumber on the ledger. Only
	// Store.Mutate fills it.
	LedgerHead int

	// Read-side joins, populated by the store.
	Patient *PatientSummary
	Doctor  *DoctorSummary
}

// PatientSummary is the patient projection embedded in prescription reads.
type PatientSummary struct {
	ID          uuid.UUID  `json:"id"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DocumentID  string     `json:"documentId"`
	DateOfBirth civil.Date `json:"dateOfBirth"`
	Phone       string     `json:"phone"`
}

// DoctorSummary is the doctor projection embedded in prescription reads.
type DoctorSummary struct {
	ID            uuid.UUID `json:"id"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	Specialty     string    `json:"specialty"`
	LicenseNumber string    `json:"licenseNumber"`
}

// ActorType records who produced a dispensation ledger entry.
type ActorType string

const (
	ActorPharmacy          ActorType = "pharmacy"
	ActorStaff             ActorType = "staff"
	ActorPatientSelfReport ActorType = "patient_self_report"
)

// Dispensation is one append-only ledger record.
type Dispensation struct {
	ID                 uuid.UUID  `json:"id"`
	PrescriptionID     uuid.UUID  `json:"prescriptionId"`
	PharmacyID         *uuid.UUID `json:"pharmacyId"`
	DispensationNumber int        `json:"dispensationNumber"`
	QuantityDispensed  float64    `json:"quantityDispensed"`
	Unit               string     `json:"unit"`
	Price              float64    `json:"price"`
	PharmacistNotes    *string    `json:"pharmacistNotes"`
	ActorType          ActorType  `json:"actorType"`
	DispensedAt        time.Time  `json:"dispensedAt"`
}

// NewSignature returns a fresh digital signature: "RX-" and 32 upper-case hex chars.
func NewSignature() string {
	return "RX-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// IsExpiredOn reports whether the prescription is expired by status or date.
func (p *Prescription) IsExpiredOn(today civil.Date) bool {
	return p.Status == StatusExpired || p.ExpirationDate.Before(today)
}

// Exhausted reports whether no dispensations remain.
func (p *Prescription) Exhausted() bool {
	return p.CurrentDispensations >= p.MaxDispensations
}

// nextDispensationNumber is currentDispensations+1, or LedgerHead+1 once a
// self-report correction has lowered the counter below the ledger.
func (p *Prescription) nextDispensationNumber() int {
	return max(p.CurrentDispensations, p.LedgerHead) + 1
}

func (p *Prescription) clampDispensations() {
	if p.CurrentDispensations < 0 {
		p.CurrentDispensations = 0
	}
	if p.CurrentDispensations > p.MaxDispensations {
		p.CurrentDispensations = p.MaxDispensations
	}
}

func (p *Prescription) clearContinuous() {
	p.RefillEveryDays = nil
	p.TreatmentEndDate = nil
	p.NextRefillDate = nil
}
