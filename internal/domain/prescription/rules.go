package prescription

import (
	"time"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// ApplyContinuousRules normalises the continuous-therapy fields. It is
// idempotent and runs on every create and update.
func ApplyContinuousRules(p *Prescription) error {
	if !p.IsContinuous {
		p.clearContinuous()
		return nil
	}

	if p.RefillEveryDays == nil || *p.RefillEveryDays <= 0 {
		return domainerr.Validation("refillEveryDays must be greater than 0 for continuous prescriptions")
	}
	if p.TreatmentEndDate == nil {
		return domainerr.Validation("treatmentEndDate is required for continuous prescriptions")
	}
	end := *p.TreatmentEndDate
	if !end.After(p.IssueDate) {
		return domainerr.Validation("treatmentEndDate must be after issueDate")
	}

	every := *p.RefillEveryDays
	p.ExpirationDate = end
	if p.NextRefillDate == nil {
		p.NextRefillDate = p.IssueDate.AddDays(every).Ptr()
	}
	p.MaxDispensations = MaxDispensationsFor(p.IssueDate, end, every)
	p.clampDispensations()
	return nil
}

// MaxDispensationsFor returns ceil(totalDays/every)+1, at least 1.
func MaxDispensationsFor(issue, end civil.Date, every int) int {
	total := issue.DaysUntil(end)
	n := (total+every-1)/every + 1
	if n < 1 {
		return 1
	}
	return n
}

// AdvanceRefill moves nextRefillDate forward after a dispensation on a
// continuous prescription, completing it once the window passes the end date.
func (p *Prescription) AdvanceRefill(today civil.Date) {
	if !p.IsContinuous || p.RefillEveryDays == nil || *p.RefillEveryDays <= 0 {
		return
	}
	if p.TreatmentEndDate != nil && today.After(*p.TreatmentEndDate) {
		p.Status = StatusCompleted
		p.NextRefillDate = nil
		return
	}
	next := today.AddDays(*p.RefillEveryDays)
	if p.TreatmentEndDate != nil && next.After(*p.TreatmentEndDate) {
		p.Status = StatusCompleted
		p.NextRefillDate = nil
		return
	}
	p.NextRefillDate = &next
}

// Dispense describes a pharmacy-backed dispensation.
type Dispense struct {
	PharmacyID uuid.UUID
	Actor      ActorType
	Quantity   float64
	Unit       string
	Notes      *string
}

// RecordDispensation validates and applies one dispensation, returning the
// ledger record to persist. p is unchanged on error.
func (p *Prescription) RecordDispensation(d Dispense, now time.Time) (*Dispensation, error) {
	today := civil.DateOf(now)

	if d.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if p.Status != StatusActive {
		return nil, ErrNotActive
	}
	if p.ExpirationDate.Before(today) {
		return nil, ErrExpired
	}
	if p.Exhausted() {
		return nil, ErrExhausted
	}
	if p.IsContinuous && p.NextRefillDate != nil && today.Before(*p.NextRefillDate) {
		return nil, errRefillNotDue(p.NextRefillDate.String())
	}

	unit := d.Unit
	if unit == "" {
		unit = defaultUnit
	}
	pharmacyID := d.PharmacyID
	rec := &Dispensation{
		ID:                 uuid.New(),
		PrescriptionID:     p.ID,
		PharmacyID:         &pharmacyID,
		DispensationNumber: p.nextDispensationNumber(),
		QuantityDispensed:  d.Quantity,
		Unit:               unit,
		Price:              0,
		PharmacistNotes:    d.Notes,
		ActorType:          d.Actor,
		DispensedAt:        now,
	}

	p.CurrentDispensations++
	p.LedgerHead = rec.DispensationNumber
	p.LastDispensedAt = &now
	if !p.IsContinuous && p.Exhausted() {
		p.Status = StatusUsed
	}
	if p.IsContinuous {
		p.AdvanceRefill(today)
	}
	return rec, nil
}

// ApplySelfReport sets the counter from a patient-reported value. The value
// is clamped into [0, max]. When the counter grows a ledger record tagged
// patient_self_report is returned; corrections downward return nil and
// leave the ledger alone, so later records are numbered past its head.
func (p *Prescription) ApplySelfReport(value int, now time.Time) *Dispensation {
	today := civil.DateOf(now)

	if value < 0 {
		value = 0
	}
	if value > p.MaxDispensations {
		value = p.MaxDispensations
	}
	previous := p.CurrentDispensations

	p.CurrentDispensations = value
	p.LastDispensedAt = &now
	if p.ExpirationDate.Before(today) {
		p.Status = StatusExpired
	}
	if !p.IsContinuous && p.Exhausted() {
		p.Status = StatusUsed
	}
	if p.IsContinuous {
		p.AdvanceRefill(today)
	}

	if value <= previous {
		return nil
	}
	number := max(value, p.LedgerHead+1)
	p.LedgerHead = number
	return &Dispensation{
		ID:                 uuid.New(),
		PrescriptionID:     p.ID,
		DispensationNumber: number,
		QuantityDispensed:  float64(value - previous),
		Unit:               defaultUnit,
		ActorType:          ActorPatientSelfReport,
		DispensedAt:        now,
	}
}
