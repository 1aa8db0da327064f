// Package contact accepts messages from the public contact form and hands
// them to asynchronous email delivery.
package contact

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

const (
	minNameLength    = 2
	minEmailLength   = 5
	minMessageLength = 5
	maxMessageLength = 5000
)

// Message is one contact-form submission.
type Message struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Input is the contact-form body.
type Input struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// Validate trims in and checks the form limits.
func Validate(in Input) (Input, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Message = strings.TrimSpace(in.Message)
	switch {
	case utf8.RuneCountInString(in.Name) < minNameLength:
		return in, domainerr.Validation("invalid name")
	case len(in.Email) < minEmailLength || !strings.Contains(in.Email, "@"):
		return in, domainerr.Validation("invalid email")
	case utf8.RuneCountInString(in.Message) < minMessageLength:
		return in, domainerr.Validation("invalid message")
	case utf8.RuneCountInString(in.Message) > maxMessageLength:
		return in, domainerr.Validation("message is too long")
	}
	return in, nil
}

// Store records accepted messages and their outbox event.
type Store interface {
	Save(ctx context.Context, m *Message) error
}

// Dispatcher queues a message for email delivery. It must not block on the
// mail server.
type Dispatcher interface {
	Dispatch(ctx context.Context, m *Message) error
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Receipt tells the caller whether delivery was queued.
type Receipt struct {
	ID     uuid.UUID `json:"id"`
	Queued bool      `json:"queued"`
}

// Service accepts contact messages.
type Service struct {
	store      Store
	dispatcher Dispatcher
	clock      Clock
	logger     *zap.Logger
}

// NewService creates a new contact service
func NewService(store Store, dispatcher Dispatcher, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{store: store, dispatcher: dispatcher, clock: clock, logger: logger}
}

// Submit validates and accepts a message. Once the message is valid, storage
// or delivery problems are logged and never returned.
func (s *Service) Submit(ctx context.Context, in Input) (*Receipt, error) {
	in, err := Validate(in)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:         uuid.New(),
		Name:       in.Name,
		Email:      in.Email,
		Message:    in.Message,
		ReceivedAt: s.clock.Now(),
	}
	if s.store != nil {
		if err := s.store.Save(ctx, m); err != nil {
			s.logger.Error("store contact message", zap.String("message_id", m.ID.String()), zap.Error(err))
		}
	}

	r := &Receipt{ID: m.ID}
	if s.dispatcher == nil {
		return r, nil
	}
	if err := s.dispatcher.Dispatch(ctx, m); err != nil {
		s.logger.Error("queue contact email",
			zap.String("message_id", m.ID.String()),
			zap.Error(fmt.Errorf("dispatch: %w", err)),
		)
		return r, nil
	}
	r.Queued = true
	return r, nil
}
