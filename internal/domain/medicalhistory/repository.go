package medicalhistory

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
	"github.com/cmmsalud/clinic-api/pkg/civil"
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

const selectRecord = `
	SELECT m.id, m.patient_id, m.condition, m.diagnosis, m.treatment, m.notes,
	       m.created_at, m.updated_at,
	       pa.first_name, pa.last_name, pa.document_id, pa.date_of_birth, pa.phone
	FROM medical_history m
	JOIN patients pa ON pa.id = m.patient_id
`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r   Record
		pat PatientSummary
		dob time.Time
	)
	err := row.Scan(
		&r.ID, &r.PatientID, &r.Condition, &r.Diagnosis, &r.Treatment, &r.Notes,
		&r.CreatedAt, &r.UpdatedAt,
		&pat.FirstName, &pat.LastName, &pat.DocumentID, &dob, &pat.Phone,
	)
	if err != nil {
		return nil, err
	}
	pat.ID = r.PatientID
	pat.DateOfBirth = civil.DateOf(dob)
	r.Patient = &pat
	return &r, nil
}

func (r *Repository) Create(ctx context.Context, rec *Record, ev *Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO medical_history (id, patient_id, condition, diagnosis, treatment, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.PatientID, rec.Condition, rec.Diagnosis, rec.Treatment, rec.Notes, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert medical history: %w", err)
	}
	if err := writeEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectRecord+" WHERE m.id = $1", id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medical history: %w", err)
	}
	return rec, nil
}

func (r *Repository) Update(ctx context.Context, rec *Record, ev *Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE medical_history SET
			patient_id = $2, condition = $3, diagnosis = $4, treatment = $5, notes = $6, updated_at = $7
		WHERE id = $1
	`, rec.ID, rec.PatientID, rec.Condition, rec.Diagnosis, rec.Treatment, rec.Notes, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update medical history: %w", err)
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
	return nil
}

func (r *Repository) List(ctx context.Context, f Filter) ([]*Record, int, error) {
	args := []any{f.DoctorID}
	where := []string{"EXISTS (SELECT 1 FROM appointments a WHERE a.doctor_id = $1 AND a.patient_id = m.patient_id)"}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("m.patient_id = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, f.Search)
		n := len(args)
		where = append(where, fmt.Sprintf(`(
			POSITION($%[1]d IN LOWER(m.condition)) > 0 OR
			POSITION($%[1]d IN LOWER(COALESCE(m.diagnosis, ''))) > 0 OR
			POSITION($%[1]d IN LOWER(COALESCE(m.treatment, ''))) > 0 OR
			POSITION($%[1]d IN LOWER(pa.first_name)) > 0 OR
			POSITION($%[1]d IN LOWER(pa.last_name)) > 0 OR
			POSITION($%[1]d IN LOWER(pa.document_id)) > 0)`, n))
	}
	cond := strings.Join(where, " AND ")

	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM medical_history m
		JOIN patients pa ON pa.id = m.patient_id
		WHERE `+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count medical history: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := selectRecord + " WHERE " + cond +
		fmt.Sprintf(" ORDER BY m.updated_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query medical history: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan medical history: %w", err)
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *Repository) PatientByDocument(ctx context.Context, documentID string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM patients WHERE document_id = $1`, documentID).Scan(&id)
	if postgres.IsNoRows(err) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (r *Repository) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *Repository) HasAppointment(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM appointments WHERE doctor_id = $1 AND patient_id = $2)`,
		doctorID, patientID).Scan(&ok)
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
		AggregateID:   ev.RecordID,
		AggregateType: "medical_history",
		EventType:     ev.EventType,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicMedicalHistoryEvents,
		KafkaKey:      ev.PatientID,
	})
}
