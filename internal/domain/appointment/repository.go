package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/infrastructure/postgres"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/redpanda"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

var _ Store = (*Repository)(nil)

const selectAppointment = `
	SELECT a.id, a.appointment_date, a.status, a.reason, a.notes, a.fee,
	       a.requires_payment, a.is_paid, a.confirmation_deadline, a.is_confirmed,
	       a.patient_id, a.doctor_id, a.created_at, a.updated_at,
	       pa.first_name, pa.last_name, pa.document_id,
	       d.first_name, d.last_name, d.license_number
	FROM appointments a
	JOIN patients pa ON pa.id = a.patient_id
	JOIN doctors d ON d.id = a.doctor_id
`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a   Appointment
		pat PatientSummary
		doc DoctorSummary
	)
	err := row.Scan(
		&a.ID, &a.AppointmentDate, &a.Status, &a.Reason, &a.Notes, &a.Fee,
		&a.RequiresPayment, &a.IsPaid, &a.ConfirmationDeadline, &a.IsConfirmed,
		&a.PatientID, &a.DoctorID, &a.CreatedAt, &a.UpdatedAt,
		&pat.FirstName, &pat.LastName, &pat.DocumentID,
		&doc.FirstName, &doc.LastName, &doc.LicenseNumber,
	)
	if err != nil {
		return nil, err
	}
	pat.ID = a.PatientID
	doc.ID = a.DoctorID
	a.Patient = &pat
	a.Doctor = &doc
	return &a, nil
}

// Create inserts an appointment and its event.
func (r *Repository) Create(ctx context.Context, a *Appointment, ev *Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO appointments
		(id, appointment_date, status, reason, notes, fee, requires_payment, is_paid,
		 confirmation_deadline, is_confirmed, patient_id, doctor_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.Exec(ctx, query,
		a.ID, a.AppointmentDate, a.Status, a.Reason, a.Notes, a.Fee, a.RequiresPayment, a.IsPaid,
		a.ConfirmationDeadline, a.IsConfirmed, a.PatientID, a.DoctorID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	if err := writeEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads one appointment with its participants.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, selectAppointment+" WHERE a.id = $1", id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

// List returns appointments matching f, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Appointment, error) {
	var args []any
	where := []string{"TRUE"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("a.patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("a.doctor_id = $%d", *f.DoctorID)
	}
	if f.Status != nil {
		add("a.status = $%d", *f.Status)
	}
	if f.From != nil {
		add("a.appointment_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("a.appointment_date <= $%d", *f.To)
	}
	args = append(args, f.Limit)
	query := selectAppointment + " WHERE " + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY a.appointment_date DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// Update persists every mutable column and writes ev.
func (r *Repository) Update(ctx context.Context, a *Appointment, ev *Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE appointments SET
			appointment_date = $2, status = $3, reason = $4, notes = $5, fee = $6,
			requires_payment = $7, is_paid = $8, confirmation_deadline = $9,
			is_confirmed = $10, updated_at = $11
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		a.ID, a.AppointmentDate, a.Status, a.Reason, a.Notes, a.Fee,
		a.RequiresPayment, a.IsPaid, a.ConfirmationDeadline, a.IsConfirmed, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := writeEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.Debug("appointment updated", zap.String("appointment_id", a.ID.String()), zap.String("status", string(a.Status)))
	return nil
}

func (r *Repository) HasClash(ctx context.Context, doctorID uuid.UUID, at time.Time, exclude uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND appointment_date = $2 AND status <> 'cancelled' AND id <> $3
		)
	`
	var clash bool
	if err := r.pool.QueryRow(ctx, query, doctorID, at, exclude).Scan(&clash); err != nil {
		return false, err
	}
	return clash, nil
}

func (r *Repository) DoctorFee(ctx context.Context, doctorID uuid.UUID) (float64, error) {
	var fee float64
	err := r.pool.QueryRow(ctx, `SELECT consultation_fee FROM doctors WHERE id = $1`, doctorID).Scan(&fee)
	if postgres.IsNoRows(err) {
		return 0, ErrDoctorNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get doctor fee: %w", err)
	}
	return fee, nil
}

func (r *Repository) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func writeEvent(ctx context.Context, tx pgx.Tx, ev *Event) error {
	if ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   ev.AppointmentID,
		AggregateType: "appointment",
		EventType:     ev.EventType,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicAppointmentEvents,
		KafkaKey:      ev.DoctorID,
	})
}
