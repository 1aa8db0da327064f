package contact_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cmmsalud/clinic-api/internal/domain/contact"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/pkg/workerpool"
)

type clock struct{ now time.Time }

func (c clock) Now() time.Time { return c.now }

type store struct {
	saved []*contact.Message
	err   error
}

func (s *store) Save(_ context.Context, m *contact.Message) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, m)
	return nil
}

type dispatcher struct{ mock.Mock }

func (d *dispatcher) Dispatch(ctx context.Context, m *contact.Message) error {
	return d.Called(ctx, m).Error(0)
}

type mailer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mailer) SendContact(context.Context, *contact.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mailer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func valid() contact.Input {
	return contact.Input{Name: "  Ana ", Email: " ana@example.com ", Message: " I need an appointment "}
}

func TestValidate(t *testing.T) {
	in, err := contact.Validate(valid())
	require.NoError(t, err)
	assert.Equal(t, "Ana", in.Name)
	assert.Equal(t, "ana@example.com", in.Email)
	assert.Equal(t, "I need an appointment", in.Message)

	tests := []struct {
		name string
		edit func(*contact.Input)
		msg  string
	}{
		{"short name", func(in *contact.Input) { in.Name = " A " }, "invalid name"},
		{"no at sign", func(in *contact.Input) { in.Email = "ana.example.com" }, "invalid email"},
		{"short email", func(in *contact.Input) { in.Email = "a@b" }, "invalid email"},
		{"short message", func(in *contact.Input) { in.Message = "hey " }, "invalid message"},
		{"long message", func(in *contact.Input) { in.Message = strings.Repeat("x", 5001) }, "message is too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.edit(&in)
			_, err := contact.Validate(in)
			assert.ErrorIs(t, err, domainerr.ErrValidation)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	in = valid()
	in.Message = strings.Repeat("é", 5000)
	_, err = contact.Validate(in)
	assert.NoError(t, err)
}

func TestSubmit(t *testing.T) {
	st, d := &store{}, &dispatcher{}
	d.On("Dispatch", mock.Anything, mock.MatchedBy(func(m *contact.Message) bool {
		return m.Name == "Ana" && m.Email == "ana@example.com"
	})).Return(nil).Once()
	svc := contact.NewService(st, d, clock{now}, nil)

	r, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.True(t, r.Queued)
	require.Len(t, st.saved, 1)
	assert.Equal(t, r.ID, st.saved[0].ID)
	assert.Equal(t, now, st.saved[0].ReceivedAt)
	d.AssertExpectations(t)
}

func TestSubmitInvalidTouchesNothing(t *testing.T) {
	st, d := &store{}, &dispatcher{}
	svc := contact.NewService(st, d, clock{now}, nil)

	in := valid()
	in.Email = "nope"
	_, err := svc.Submit(context.Background(), in)
	assert.ErrorIs(t, err, domainerr.ErrValidation)
	assert.Empty(t, st.saved)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestSubmitSwallowsFailures(t *testing.T) {
	st := &store{err: errors.New("db down")}
	d := &dispatcher{}
	d.On("Dispatch", mock.Anything, mock.Anything).Return(workerpool.ErrQueueFull)
	svc := contact.NewService(st, d, clock{now}, nil)

	r, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.False(t, r.Queued)
	d.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestSubmitWithoutDispatcher(t *testing.T) {
	svc := contact.NewService(nil, nil, nil, nil)
	r, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.False(t, r.Queued)
}

func queueConfig() workerpool.Config {
	return workerpool.Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond, ShutdownTimeout: time.Second}
}

func TestMailQueueDelivers(t *testing.T) {
	m := &mailer{}
	q, err := contact.NewMailQueue(m, queueConfig(), nil, nil)
	require.NoError(t, err)
	q.Start()

	svc := contact.NewService(nil, q, clock{now}, nil)
	r, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.True(t, r.Queued)

	require.NoError(t, q.Stop())
	assert.Equal(t, 1, m.Calls())
	assert.EqualValues(t, 1, q.Stats().TasksCompleted)
}

func TestMailQueueRetries(t *testing.T) {
	m := &mailer{err: errors.New("421 try later")}
	q, err := contact.NewMailQueue(m, queueConfig(), nil, nil)
	require.NoError(t, err)
	q.Start()

	require.NoError(t, q.Dispatch(context.Background(), &contact.Message{Name: "Ana"}))
	require.NoError(t, q.Stop())
	assert.Equal(t, 3, m.Calls())
	assert.EqualValues(t, 1, q.Stats().TasksFailed)
}

func TestMailQueuePermanentFailure(t *testing.T) {
	bad := errors.New("not configured")
	m := &mailer{err: bad}
	q, err := contact.NewMailQueue(m, queueConfig(), func(err error) bool { return errors.Is(err, bad) }, nil)
	require.NoError(t, err)
	q.Start()

	require.NoError(t, q.Dispatch(context.Background(), &contact.Message{Name: "Ana"}))
	require.NoError(t, q.Stop())
	assert.Equal(t, 1, m.Calls())
	assert.True(t, q.Healthy())
}
