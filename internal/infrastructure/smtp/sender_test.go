package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmmsalud/clinic-api/internal/domain/contact"
	"github.com/cmmsalud/clinic-api/pkg/circuitbreaker"
)

func testConfig() Config {
	return Config{
		Host:      "smtp.cmm.test",
		Port:      587,
		Username:  "inbox@cmm.test",
		Password:  "abcd efgh ijkl",
		FromEmail: "no-reply@cmm.test",
	}
}

func message() *contact.Message {
	return &contact.Message{
		ID:      uuid.New(),
		Name:    "Ana Perez",
		Email:   "ana@example.com",
		Message: "<b>hi</b> there",
	}
}

func split(t *testing.T, raw []byte) (string, string) {
	t.Helper()
	parts := bytes.SplitN(raw, []byte("\r\n\r\n"), 2)
	require.Len(t, parts, 2)
	body, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(parts[1])))
	require.NoError(t, err)
	return string(parts[0]), string(body)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	tests := map[string]func(*Config){
		"host":     func(c *Config) { c.Host = " " },
		"port":     func(c *Config) { c.Port = -1 },
		"username": func(c *Config) { c.Username = "" },
		"password": func(c *Config) { c.Password = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrNotConfigured)
		})
	}
}

func TestBuildContactMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, err := BuildContactMessage(testConfig(), message(), now)
	require.NoError(t, err)

	headers, body := split(t, raw)
	assert.Contains(t, headers, `From: "CMM Salud" <no-reply@cmm.test>`)
	assert.Contains(t, headers, `To: "Contact" <inbox@cmm.test>`)
	assert.Contains(t, headers, "Reply-To: <ana@example.com>")
	assert.Contains(t, headers, "Subject: CMM Salud contact - Ana Perez")
	assert.Contains(t, headers, "Date: Wed, 01 May 2024 12:00:00 +0000")
	assert.Contains(t, headers, "@cmm.test>")

	assert.Contains(t, body, "&lt;b&gt;hi&lt;/b&gt; there")
	assert.NotContains(t, body, "<b>hi</b>")
	assert.Contains(t, body, "<b>Name:</b> Ana Perez")
}

func TestBuildContactMessageSkipsBadReplyTo(t *testing.T) {
	m := message()
	m.Email = "ana@"
	raw, err := BuildContactMessage(testConfig(), m, time.Now())
	require.NoError(t, err)
	headers, _ := split(t, raw)
	assert.NotContains(t, headers, "Reply-To")
}

func TestDefaults(t *testing.T) {
	cfg := Config{Host: "h", Username: "user@cmm.test", Password: "p"}.withDefaults()
	assert.Equal(t, 465, cfg.Port)
	assert.Equal(t, "user@cmm.test", cfg.FromEmail)
	assert.Equal(t, "user@cmm.test", cfg.ToEmail)
	assert.Equal(t, "CMM Salud", cfg.FromName)
	assert.Equal(t, "abcdefghijkl", cleanPassword(" abcd efgh ijkl "))
}

func TestSendContact(t *testing.T) {
	s := NewSender(testConfig(), nil, nil)
	var gotFrom string
	var gotTo []string
	s.deliver = func(_ context.Context, from string, to []string, msg []byte) error {
		gotFrom, gotTo = from, to
		assert.True(t, strings.HasPrefix(string(msg), "From:"))
		return nil
	}
	require.NoError(t, s.SendContact(context.Background(), message()))
	assert.Equal(t, "no-reply@cmm.test", gotFrom)
	assert.Equal(t, []string{"inbox@cmm.test"}, gotTo)
}

func TestSendContactNotConfigured(t *testing.T) {
	s := NewSender(Config{}, nil, nil)
	called := false
	s.deliver = func(context.Context, string, []string, []byte) error { called = true; return nil }
	assert.ErrorIs(t, s.SendContact(context.Background(), message()), ErrNotConfigured)
	assert.False(t, called)
}

func TestSendContactTripsBreaker(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("smtp")
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	s := NewSender(testConfig(), cb, nil)
	calls := 0
	s.deliver = func(context.Context, string, []string, []byte) error {
		calls++
		return errors.New("535 authentication failed")
	}
	for i := 0; i < 3; i++ {
		assert.Error(t, s.SendContact(context.Background(), message()))
	}
	err = s.SendContact(context.Background(), message())
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.Equal(t, 3, calls)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Config{}.Validate()))
	assert.True(t, IsPermanent(fmt.Errorf("auth: %w", &textproto.Error{Code: 535, Msg: "bad credentials"})))
	assert.False(t, IsPermanent(&textproto.Error{Code: 421, Msg: "try later"}))
	assert.False(t, IsPermanent(errors.New("dial tcp: timeout")))
}
