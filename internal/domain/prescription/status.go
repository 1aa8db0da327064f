package prescription

import (
	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/pkg/civil"
)

// Client-facing status labels.
const (
	LabelActive    = "active"
	LabelPaused    = "paused"
	LabelExpired   = "expired"
	LabelCancelled = "cancelled"
	LabelUsed      = "used"
	LabelDispensed = "dispensed"
)

// Continuous sub-states. They are derived, never stored.
const (
	StateOneTime   = "one_time"
	StateOK        = "ok"
	StateDue       = "due"
	StatePaused    = "paused"
	StateExpired   = "expired"
	StateCancelled = "cancelled"
	StateEnded     = "ended"
)

// View is the projected state a viewer sees.
type View struct {
	Status          string `json:"status"`
	ContinuousState string `json:"continuousState"`
}

// Project computes both projections for role on today.
func Project(p *Prescription, role auth.Role, today civil.Date) View {
	return View{
		Status:          ProjectStatus(p, role, today),
		ContinuousState: ContinuousState(p, today),
	}
}

func usedLabel(role auth.Role) string {
	if role == auth.RolePatient {
		return LabelUsed
	}
	return LabelDispensed
}

// ProjectStatus maps stored state onto the label shown to a viewer. The
// first matching rule wins.
func ProjectStatus(p *Prescription, role auth.Role, today civil.Date) string {
	switch {
	case p.Status == StatusHidden || p.Status == StatusCancelled:
		return LabelCancelled
	case p.Status == StatusPaused:
		return LabelPaused
	case p.IsExpiredOn(today):
		return LabelExpired
	case p.Status == StatusCompleted:
		return usedLabel(role)
	case p.Status == StatusUsed || p.Exhausted():
		return usedLabel(role)
	}
	return LabelActive
}

// ContinuousState derives the refill sub-state of a prescription.
func ContinuousState(p *Prescription, today civil.Date) string {
	if !p.IsContinuous {
		return StateOneTime
	}
	switch {
	case p.Status == StatusPaused:
		return StatePaused
	case p.Status == StatusCancelled || p.Status == StatusHidden:
		return StateCancelled
	case p.IsExpiredOn(today):
		return StateExpired
	case p.Status == StatusCompleted:
		return StateEnded
	case p.TreatmentEndDate != nil && today.After(*p.TreatmentEndDate):
		return StateEnded
	case p.NextRefillDate == nil:
		return StateOK
	case !today.Before(*p.NextRefillDate):
		return StateDue
	}
	return StateOK
}
