package prescription

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

const selectPrescription = `
	SELECT p.id, p.patient_id, p.doctor_id, p.medication_name, p.dosage, p.frequency,
	       p.duration, p.instructions, p.issue_date, p.expiration_date,
	       p.max_dispensations, p.current_dispensations, p.status, p.digital_signature,
	       p.last_dispensed_at, p.is_continuous, p.refill_every_days,
	       p.treatment_end_date, p.next_refill_date, p.version, p.created_at, p.updated_at,
	       pa.first_name, pa.last_name, pa.document_id, pa.date_of_birth, pa.phone,
	       d.first_name, d.last_name, COALESCE(s.name, ''), d.license_number
	FROM prescriptions p
	JOIN patients pa ON pa.id = p.patient_id
	JOIN doctors d ON d.id = p.doctor_id
	LEFT JOIN specialties s ON s.id = d.specialty_id
`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var (
		p                        Prescription
		pat                      PatientSummary
		doc                      DoctorSummary
		issue, expiration, dob   time.Time
		treatmentEnd, nextRefill *time.Time
	)
	err := row.Scan(
		&p.ID, &p.PatientID, &p.DoctorID, &p.MedicationName, &p.Dosage, &p.Frequency,
		&p.Duration, &p.Instructions, &issue, &expiration,
		&p.MaxDispensations, &p.CurrentDispensations, &p.Status, &p.DigitalSignature,
		&p.LastDispensedAt, &p.IsContinuous, &p.RefillEveryDays,
		&treatmentEnd, &nextRefill, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		&pat.FirstName, &pat.LastName, &pat.DocumentID, &dob, &pat.Phone,
		&doc.FirstName, &doc.LastName, &doc.Specialty, &doc.LicenseNumber,
	)
	if err != nil {
		return nil, err
	}
	p.IssueDate = civil.DateOf(issue)
	p.ExpirationDate = civil.DateOf(expiration)
	p.TreatmentEndDate = postgres.DateFrom(treatmentEnd)
	p.NextRefillDate = postgres.DateFrom(nextRefill)

	pat.ID = p.PatientID
	pat.DateOfBirth = civil.DateOf(dob)
	doc.ID = p.DoctorID
	p.Patient = &pat
	p.Doctor = &doc
	return &p, nil
}

// Create inserts a new prescription and its creation event.
func (r *Repository) Create(ctx context.Context, p *Prescription, ev *Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO prescriptions
		(id, patient_id, doctor_id, medication_name, dosage, frequency, duration, instructions,
		 issue_date, expiration_date, max_dispensations, current_dispensations, status,
		 digital_signature, is_continuous, refill_every_days, treatment_end_date,
		 next_refill_date, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err = tx.Exec(ctx, query,
		p.ID, p.PatientID, p.DoctorID, p.MedicationName, p.Dosage, p.Frequency, p.Duration, p.Instructions,
		p.IssueDate.Time, p.ExpirationDate.Time, p.MaxDispensations, p.CurrentDispensations, p.Status,
		p.DigitalSignature, p.IsContinuous, p.RefillEveryDays, postgres.DateArg(p.TreatmentEndDate),
		postgres.DateArg(p.NextRefillDate), p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	if err := writeEvent(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads a prescription with its patient and doctor summaries.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.pool.QueryRow(ctx, selectPrescription+" WHERE p.id = $1", id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

// statusPredicate mirrors ProjectStatus in SQL. today names the placeholder
// bound to the current date.
func statusPredicate(label, today string) string {
	const (
		notCancelled = `p.status NOT IN ('hidden', 'cancelled')`
		notExpired   = `p.status <> 'expired' AND p.expiration_date >= $today`
	)
	var pred string
	switch label {
	case LabelCancelled:
		return `p.status IN ('hidden', 'cancelled')`
	case LabelPaused:
		return `p.status = 'paused'`
	case LabelExpired:
		pred = notCancelled + ` AND p.status <> 'paused' AND (p.status = 'expired' OR p.expiration_date < $today)`
	case LabelUsed:
		pred = notCancelled + ` AND p.status <> 'paused' AND ` + notExpired +
			` AND (p.status IN ('completed', 'used') OR p.current_dispensations >= p.max_dispensations)`
	case LabelActive:
		pred = notCancelled + ` AND p.status NOT IN ('paused', 'completed', 'used') AND ` + notExpired +
			` AND p.current_dispensations < p.max_dispensations`
	default:
		return ""
	}
	return strings.ReplaceAll(pred, "$today", today)
}

// listConditions renders f as a WHERE clause. It matches the same rows as
// Filter.Matches.
func listConditions(f Filter) (string, []any) {
	var args []any
	where := []string{"TRUE"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}

	if f.PatientID != nil {
		add("p.patient_id = ?", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("p.doctor_id = ?", *f.DoctorID)
	}
	if f.Document != "" {
		args = append(args, f.Document, f.DocumentNorm)
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(pa.document_id = $%d OR REPLACE(REPLACE(pa.document_id, '-', ''), ' ', '') = $%d)", n-1, n))
	}
	if f.MedicationName != "" {
		add("strpos(lower(p.medication_name), lower(?)) > 0", f.MedicationName)
	}
	switch f.StatusLabel {
	case LabelCancelled, LabelPaused:
		where = append(where, statusPredicate(f.StatusLabel, ""))
	case LabelExpired, LabelUsed, LabelActive:
		args = append(args, f.Today.Time)
		where = append(where, statusPredicate(f.StatusLabel, fmt.Sprintf("$%d::date", len(args))))
	}
	return strings.Join(where, " AND "), args
}

// List returns one page of prescriptions matching f and the total count.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Prescription, int, error) {
	cond, args := listConditions(f)

	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM prescriptions p
		JOIN patients pa ON pa.id = p.patient_id
		WHERE ` + cond
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := selectPrescription + " WHERE " + cond +
		fmt.Sprintf(" ORDER BY p.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan prescription: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// Mutate locks the row, applies fn and persists the result together with
// the ledger record and outbox entry fn returns.
func (r *Repository) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Prescription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPrescription(tx.QueryRow(ctx, selectPrescription+" WHERE p.id = $1 FOR UPDATE OF p", id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(dispensation_number), 0) FROM prescription_dispensations WHERE prescription_id = $1`,
		id).Scan(&p.LedgerHead)
	if err != nil {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}

	oldVersion := p.Version
	change, err := fn(p)
	if err != nil {
		return nil, err
	}
	p.Version = oldVersion + 1

	query := `
		UPDATE prescriptions SET
			patient_id = $3, doctor_id = $4, medication_name = $5, dosage = $6, frequency = $7,
			duration = $8, instructions = $9, expiration_date = $10, max_dispensations = $11,
			current_dispensations = $12, status = $13, last_dispensed_at = $14,
			is_continuous = $15, refill_every_days = $16, treatment_end_date = $17,
			next_refill_date = $18, updated_at = $19, version = $20
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		p.ID, oldVersion,
		p.PatientID, p.DoctorID, p.MedicationName, p.Dosage, p.Frequency,
		p.Duration, p.Instructions, p.ExpirationDate.Time, p.MaxDispensations,
		p.CurrentDispensations, p.Status, p.LastDispensedAt,
		p.IsContinuous, p.RefillEveryDays, postgres.DateArg(p.TreatmentEndDate),
		postgres.DateArg(p.NextRefillDate), p.UpdatedAt, p.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConcurrentUpdate
	}

	if change != nil && change.Dispensation != nil {
		if err := insertDispensation(ctx, tx, change.Dispensation); err != nil {
			return nil, err
		}
	}
	if change != nil && change.Event != nil {
		change.Event.Version = p.Version
		if err := writeEvent(ctx, tx, change.Event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if change != nil && change.Event != nil {
		r.logger.Debug("prescription mutated",
			zap.String("prescription_id", id.String()),
			zap.String("event_type", string(change.Event.EventType)),
			zap.Int("version", p.Version))
	}

	// Reassignment changes the joined summaries.
	if fresh, err := r.Get(ctx, id); err == nil {
		return fresh, nil
	}
	return p, nil
}

func insertDispensation(ctx context.Context, tx pgx.Tx, d *Dispensation) error {
	query := `
		INSERT INTO prescription_dispensations
		(id, prescription_id, pharmacy_id, dispensation_number, quantity_dispensed, unit,
		 price, pharmacist_notes, actor_type, dispensed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		d.ID, d.PrescriptionID, d.PharmacyID, d.DispensationNumber, d.QuantityDispensed, d.Unit,
		d.Price, d.PharmacistNotes, d.ActorType, d.DispensedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispensation: %w", err)
	}
	return nil
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
		AggregateID:   ev.PrescriptionID,
		AggregateType: "prescription",
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicPrescriptionEvents,
		KafkaKey:      ev.PrescriptionID,
	})
}

// Dispensations lists the ledger of one prescription.
func (r *Repository) Dispensations(ctx context.Context, id uuid.UUID) ([]*Dispensation, error) {
	query := `
		SELECT id, prescription_id, pharmacy_id, dispensation_number, quantity_dispensed,
		       unit, price, pharmacist_notes, actor_type, dispensed_at
		FROM prescription_dispensations
		WHERE prescription_id = $1
		ORDER BY dispensation_number ASC, dispensed_at ASC
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Dispensation{}
	for rows.Next() {
		d := &Dispensation{}
		err := rows.Scan(&d.ID, &d.PrescriptionID, &d.PharmacyID, &d.DispensationNumber,
			&d.QuantityDispensed, &d.Unit, &d.Price, &d.PharmacistNotes, &d.ActorType, &d.DispensedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) exists(ctx context.Context, query string, id uuid.UUID) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Repository) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id)
}

func (r *Repository) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE id = $1)`, id)
}

func (r *Repository) PharmacyExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM pharmacies WHERE id = $1 AND is_active)`, id)
}
