package payment

import (
	"context"
	"encoding/json"
	"fmt"

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

const selectPayment = `
	SELECT id, amount, currency, status, payment_method, payment_type, transaction_id,
	       payment_gateway, notes, payment_date, due_date, appointment_id, patient_id,
	       created_at, updated_at
	FROM payments
`

func scanPayment(row pgx.Row) (*Payment, error) {
	p := &Payment{Refunds: []*Refund{}}
	err := row.Scan(
		&p.ID, &p.Amount, &p.Currency, &p.Status, &p.PaymentMethod, &p.PaymentType, &p.TransactionID,
		&p.PaymentGateway, &p.Notes, &p.PaymentDate, &p.DueDate, &p.AppointmentID, &p.PatientID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) Create(ctx context.Context, p *Payment, ev *Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO payments
		(id, amount, currency, status, payment_method, payment_type, transaction_id,
		 payment_gateway, notes, payment_date, due_date, appointment_id, patient_id,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.Exec(ctx, query,
		p.ID, p.Amount, p.Currency, p.Status, p.PaymentMethod, p.PaymentType, p.TransactionID,
		p.PaymentGateway, p.Notes, p.PaymentDate, p.DueDate, p.AppointmentID, p.PatientID,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	if err := writeEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, selectPayment+" WHERE id = $1", id))
	if postgres.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if err := r.loadRefunds(ctx, []*Payment{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) List(ctx context.Context, f Filter) ([]*Payment, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if f.PatientID != nil {
		rows, err = r.pool.Query(ctx, selectPayment+" WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2", *f.PatientID, f.Limit)
	} else {
		rows, err = r.pool.Query(ctx, selectPayment+" ORDER BY created_at DESC LIMIT $1", f.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadRefunds(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Repository) loadRefunds(ctx context.Context, items []*Payment) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Payment, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for _, p := range items {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_id, amount, reason, refunded_at
		FROM payment_refunds
		WHERE payment_id = ANY($1)
		ORDER BY refunded_at ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rf := &Refund{}
		if err := rows.Scan(&rf.ID, &rf.PaymentID, &rf.Amount, &rf.Reason, &rf.RefundedAt); err != nil {
			return fmt.Errorf("scan refund: %w", err)
		}
		if p, ok := byID[rf.PaymentID]; ok {
			p.Refunds = append(p.Refunds, rf)
		}
	}
	return rows.Err()
}

func updatePayment(ctx context.Context, tx pgx.Tx, p *Payment) error {
	query := `
		UPDATE payments SET
			amount = $2, currency = $3, status = $4, payment_method = $5, payment_type = $6,
			notes = $7, payment_date = $8, updated_at = $9
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		p.ID, p.Amount, p.Currency, p.Status, p.PaymentMethod, p.PaymentType,
		p.Notes, p.PaymentDate, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// inTx runs fn and writes ev in one transaction.
func (r *Repository) inTx(ctx context.Context, ev *Event, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := writeEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, p *Payment, ev *Event) error {
	return r.inTx(ctx, ev, func(tx pgx.Tx) error {
		return updatePayment(ctx, tx, p)
	})
}

func (r *Repository) Complete(ctx context.Context, p *Payment, ev *Event) error {
	return r.inTx(ctx, ev, func(tx pgx.Tx) error {
		if err := updatePayment(ctx, tx, p); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE appointments SET is_paid = TRUE, updated_at = $2 WHERE id = $1`,
			p.AppointmentID, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("mark appointment paid: %w", err)
		}
		return nil
	})
}

func (r *Repository) AddRefund(ctx context.Context, p *Payment, rf *Refund, ev *Event) error {
	return r.inTx(ctx, ev, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payment_refunds (id, payment_id, amount, reason, refunded_at)
			VALUES ($1, $2, $3, $4, $5)
		`, rf.ID, rf.PaymentID, rf.Amount, rf.Reason, rf.RefundedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return updatePayment(ctx, tx, p)
	})
}

func (r *Repository) Appointment(ctx context.Context, id uuid.UUID) (*AppointmentRef, error) {
	ref := &AppointmentRef{ID: id}
	err := r.pool.QueryRow(ctx, `SELECT patient_id, fee FROM appointments WHERE id = $1`, id).
		Scan(&ref.PatientID, &ref.Fee)
	if postgres.IsNoRows(err) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return ref, nil
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
		AggregateID:   ev.PaymentID,
		AggregateType: "payment",
		EventType:     ev.EventType,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicPaymentEvents,
		KafkaKey:      ev.PaymentID,
	})
}
