// Package idempotency replays the stored result of a request that carries an
// Idempotency-Key the server has already completed.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Entry is one remembered request.
type Entry struct {
	Key         string
	Handler     string
	Status      Status
	RequestHash string
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists inbox entries.
type Store interface {
	// Get returns ErrNotFound for an unknown key.
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts e as STARTED, or takes over an existing RECOVERABLE
	// entry. It reports false when another entry holds the key.
	Claim(ctx context.Context, e *Entry) (bool, error)
	Finish(ctx context.Context, key string, result json.RawMessage, at time.Time) error
	MarkRecoverable(ctx context.Context, key string, at time.Time) error
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

var (
	// ErrNotFound is returned by Store.Get for unknown keys.
	ErrNotFound = errors.New("idempotency key not found")
	// ErrInProgress means another request with the key is running.
	ErrInProgress = errors.New("a request with this idempotency key is in progress")
	// ErrKeyReused means the key was used with a different request body.
	ErrKeyReused = errors.New("idempotency key was already used with a different request")
)

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a finished result is replayed
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Result of Process.
type Result struct {
	Replayed bool
	Body     json.RawMessage
}

// ProcessFunc runs the guarded operation and returns its JSON result.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox coordinates idempotent execution.
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn once per key. A finished key replays its stored result
// when request matches the original body. Failures that carry a
// Terminal() bool method returning true release the key, since they changed
// nothing; other failures leave it recoverable.
func (i *Inbox) Process(ctx context.Context, key, handler string, request []byte, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	hash := RequestHash(request)
	now := i.now()

	existing, err := i.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if existing != nil {
		if existing.RequestHash != hash || existing.Handler != handler {
			return nil, ErrKeyReused
		}
		switch existing.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Result{Replayed: true, Body: existing.Result}, nil
		case StatusStarted:
			if now.Sub(existing.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.store.MarkRecoverable(ctx, key, now); err != nil {
				return nil, fmt.Errorf("recover stale entry: %w", err)
			}
			i.logger.Warn("recovering abandoned idempotent request", zap.String("key", key))
		}
	}

	claimed, err := i.store.Claim(ctx, &Entry{
		Key:         key,
		Handler:     handler,
		Status:      StatusStarted,
		RequestHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(i.config.TTL),
	})
	if err != nil {
		return nil, fmt.Errorf("claim key: %w", err)
	}
	if !claimed {
		return nil, ErrInProgress
	}

	body, runErr := fn(ctx)
	if runErr != nil {
		span.RecordError(runErr)
		if isTerminal(runErr) {
			if err := i.store.Release(ctx, key); err != nil {
				i.logger.Error("release idempotency key", zap.String("key", key), zap.Error(err))
			}
		} else if err := i.store.MarkRecoverable(ctx, key, i.now()); err != nil {
			i.logger.Error("mark idempotency key recoverable", zap.String("key", key), zap.Error(err))
		}
		return nil, runErr
	}

	if err := i.store.Finish(ctx, key, body, i.now()); err != nil {
		// The operation succeeded; only the replay is lost.
		i.logger.Error("record idempotent result", zap.String("key", key), zap.Error(err))
	}
	return &Result{Body: body}, nil
}

func isTerminal(err error) bool {
	var t interface{ Terminal() bool }
	return errors.As(err, &t) && t.Terminal()
}

// GenerateKey scopes a client key to the parts that identify the caller and
// the resource, so two callers never share results.
func GenerateKey(clientKey string, scope ...string) string {
	parts := append(append([]string{}, scope...), strings.TrimSpace(clientKey))
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// RequestHash fingerprints a request body. JSON bodies are compacted first
// so whitespace does not change the hash.
func RequestHash(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err == nil {
		body = buf.Bytes()
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.DeleteExpired(i.ctx, i.now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
