package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a prescription domain event as published to the stream.
type EventType string

const (
	EventCreated      EventType = "prescription.created"
	EventUpdated      EventType = "prescription.updated"
	EventDispensed    EventType = "prescription.dispensed"
	EventSelfReported EventType = "prescription.self_reported"
)

// Event is written to the outbox in the same transaction as the change.
type Event struct {
	ID             string          `json:"id"`
	PrescriptionID string          `json:"prescription_id"`
	EventType      EventType       `json:"event_type"`
	Data           json.RawMessage `json:"data"`
	Version        int             `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	ActorID        string          `json:"actor_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(p *Prescription, eventType EventType, actorID uuid.UUID, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:             uuid.New().String(),
		PrescriptionID: p.ID.String(),
		EventType:      eventType,
		Data:           raw,
		Version:        p.Version,
		Timestamp:      time.Now().UTC(),
		ActorID:        actorID.String(),
	}, nil
}

// CreatedData is the payload of EventCreated.
type CreatedData struct {
	PatientID        string `json:"patient_id"`
	DoctorID         string `json:"doctor_id"`
	MedicationName   string `json:"medication_name"`
	MaxDispensations int    `json:"max_dispensations"`
	IsContinuous     bool   `json:"is_continuous"`
	ExpirationDate   string `json:"expiration_date"`
	DigitalSignature string `json:"digital_signature"`
}

// UpdatedData is the payload of EventUpdated.
type UpdatedData struct {
	Fields           []string `json:"fields"`
	Status           Status   `json:"status"`
	MaxDispensations int      `json:"max_dispensations"`
	ExpirationDate   string   `json:"expiration_date"`
}

// DispensedData is the payload of EventDispensed and EventSelfReported.
type DispensedData struct {
	DispensationID       string    `json:"dispensation_id,omitempty"`
	PharmacyID           string    `json:"pharmacy_id,omitempty"`
	ActorType            ActorType `json:"actor_type"`
	Quantity             float64   `json:"quantity"`
	CurrentDispensations int       `json:"current_dispensations"`
	MaxDispensations     int       `json:"max_dispensations"`
	Status               Status    `json:"status"`
	NextRefillDate       string    `json:"next_refill_date,omitempty"`
}

func dispensedData(p *Prescription, rec *Dispensation, actor ActorType) DispensedData {
	d := DispensedData{
		ActorType:            actor,
		CurrentDispensations: p.CurrentDispensations,
		MaxDispensations:     p.MaxDispensations,
		Status:               p.Status,
	}
	if rec != nil {
		d.DispensationID = rec.ID.String()
		d.Quantity = rec.QuantityDispensed
		if rec.PharmacyID != nil {
			d.PharmacyID = rec.PharmacyID.String()
		}
	}
	if p.NextRefillDate != nil {
		d.NextRefillDate = p.NextRefillDate.String()
	}
	return d
}
