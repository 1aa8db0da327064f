package postgres

import (
	"encoding/json"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmmsalud/clinic-api/pkg/civil"
)

func TestLoadMigrationsOrdersAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 10")},
		"002_second.sql": {Data: []byte("SELECT 2")},
		"001_first.sql":  {Data: []byte("SELECT 1")},
		"README.md":      {Data: []byte("docs")},
		"draft.sql":      {Data: []byte("SELECT 0")},
		"x_notnum.sql":   {Data: []byte("SELECT 0")},
	}
	ms, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{ms[0].Version, ms[1].Version, ms[2].Version})
	assert.Equal(t, "SELECT 2", ms[1].SQL)
}

func TestLoadMigrationsRejectsDuplicateVersion(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1")},
		"001_b.sql": {Data: []byte("SELECT 1")},
	})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsCreateEveryTable(t *testing.T) {
	sub, err := fs.Sub(migrationFS, "migrations")
	require.NoError(t, err)
	ms, err := LoadMigrations(sub)
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	var all string
	for _, m := range ms {
		all += m.SQL
	}
	for _, table := range []string{
		"users", "specialties", "patients", "doctors", "pharmacies", "refresh_tokens",
		"prescriptions", "prescription_dispensations", "appointments", "payments",
		"payment_refunds", "medical_history", "contact_messages", "outbox", "inbox",
	} {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}

func TestDispensedQuantityKeepsFractions(t *testing.T) {
	sql, err := fs.ReadFile(migrationFS, "migrations/002_clinical.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), "quantity_dispensed  NUMERIC(18, 2) NOT NULL CHECK (quantity_dispensed > 0)")
	assert.NotContains(t, string(sql), "quantity_dispensed  INTEGER")
}

func TestNewDeadLetter(t *testing.T) {
	msg := "broker unavailable"
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	dl := NewDeadLetter(&OutboxEntry{
		AggregateID:   "rx-1",
		AggregateType: "prescription",
		EventType:     "prescription.dispensed",
		Payload:       json.RawMessage(`{"id":"rx-1"}`),
		KafkaTopic:    "prescription.events",
		RetryCount:    5,
		LastError:     &msg,
		CreatedAt:     created,
	})
	raw, err := json.Marshal(dl)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"originalTopic": "prescription.events",
		"eventType": "prescription.dispensed",
		"aggregateType": "prescription",
		"aggregateId": "rx-1",
		"payload": {"id": "rx-1"},
		"retryCount": 5,
		"lastError": "broker unavailable",
		"createdAt": "2024-05-01T08:00:00Z"
	}`, string(raw))
}

func TestErrorHelpers(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}
	assert.True(t, IsUniqueViolation(dup, ""))
	assert.True(t, IsUniqueViolation(dup, "users_email_key"))
	assert.False(t, IsUniqueViolation(dup, "patients_document_id_key"))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, IsUniqueViolation(errors.New("boom"), ""))

	assert.True(t, IsNoRows(pgx.ErrNoRows))
	assert.False(t, IsNoRows(errors.New("boom")))
}

func TestDateConversions(t *testing.T) {
	assert.Nil(t, DateArg(nil))
	assert.Nil(t, DateFrom(nil))

	d := civil.NewDate(2024, time.March, 9)
	arg := DateArg(&d)
	require.NotNil(t, arg)
	back := DateFrom(arg)
	require.NotNil(t, back)
	assert.Equal(t, d, *back)
}
