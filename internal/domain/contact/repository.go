package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cmmsalud/clinic-api/internal/infrastructure/postgres"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/redpanda"
)

// EventReceived is published for every accepted message.
const EventReceived = "contact.received"

// Event is the outbox payload of a contact message.
type Event struct {
	EventType string    `json:"eventType"`
	MessageID string    `json:"messageId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Save inserts m and its event in one transaction.
func (r *Repository) Save(ctx context.Context, m *Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO contact_messages (id, name, email, message, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Name, m.Email, m.Message, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert contact message: %w", err)
	}

	payload, err := json.Marshal(Event{
		EventType: EventReceived,
		MessageID: m.ID.String(),
		Name:      m.Name,
		Email:     m.Email,
		Timestamp: m.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   m.ID.String(),
		AggregateType: "contact_message",
		EventType:     EventReceived,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicContactMessages,
		KafkaKey:      m.ID.String(),
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
