package contact

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/pkg/workerpool"
)

const sendTimeout = 30 * time.Second

// Mailer sends one contact email.
type Mailer interface {
	SendContact(ctx context.Context, m *Message) error
}

// MailQueue is a Dispatcher that delivers emails on a worker pool.
type MailQueue struct {
	pool      *workerpool.Pool
	mailer    Mailer
	permanent func(error) bool
	logger    *zap.Logger
	done      chan struct{}
}

var _ Dispatcher = (*MailQueue)(nil)

// NewMailQueue creates a new mail queue. permanent classifies errors that
// must not be retried and may be nil.
func NewMailQueue(mailer Mailer, cfg workerpool.Config, permanent func(error) bool, logger *zap.Logger) (*MailQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if permanent == nil {
		permanent = func(error) bool { return false }
	}
	q := &MailQueue{
		mailer:    mailer,
		permanent: permanent,
		logger:    logger,
		done:      make(chan struct{}),
	}
	pool, err := workerpool.New(cfg, q.send, logger.Named("mail"))
	if err != nil {
		return nil, fmt.Errorf("create mail pool: %w", err)
	}
	q.pool = pool
	return q, nil
}

// Start launches the workers and the result logger.
func (q *MailQueue) Start() {
	q.pool.Start()
	go func() {
		defer close(q.done)
		for res := range q.pool.Results() {
			if res.Error != nil {
				continue
			}
			q.logger.Info("contact email delivered",
				zap.String("message_id", res.TaskID),
				zap.Int("attempts", res.Attempts))
		}
	}()
}

// Dispatch queues m. The request context is not carried into delivery.
func (q *MailQueue) Dispatch(_ context.Context, m *Message) error {
	return q.pool.Submit(&workerpool.Task{ID: m.ID.String(), Payload: m})
}

// Stop waits for queued emails up to the pool's shutdown timeout.
func (q *MailQueue) Stop() error {
	err := q.pool.Stop()
	<-q.done
	return err
}

// Healthy reports whether the queue has headroom.
func (q *MailQueue) Healthy() bool { return q.pool.IsHealthy() }

// Stats returns the pool counters.
func (q *MailQueue) Stats() workerpool.Stats { return q.pool.Stats() }

func (q *MailQueue) send(ctx context.Context, task *workerpool.Task) error {
	m, ok := task.Payload.(*Message)
	if !ok {
		return workerpool.Permanent(fmt.Errorf("unexpected payload %T", task.Payload))
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := q.mailer.SendContact(ctx, m); err != nil {
		if q.permanent(err) {
			return workerpool.Permanent(err)
		}
		return err
	}
	return nil
}
