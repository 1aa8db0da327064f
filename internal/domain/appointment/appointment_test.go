package appointment_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment/appointmenttest"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	store *appointmenttest.Store
	svc   *appointment.Service

	patientID uuid.UUID
	doctorID  uuid.UUID

	admin   auth.Actor
	doctor  auth.Actor
	patient auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: appointmenttest.NewStore()}
	f.svc = appointment.NewService(f.store, &clock{now: time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)}, nil)
	f.patientID = f.store.AddPatient("001-0000001-1")
	f.doctorID = f.store.AddDoctor(75)
	f.admin = auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
	f.doctor = auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor, DoctorID: &f.doctorID}
	f.patient = auth.Actor{UserID: uuid.New(), Role: auth.RolePatient, PatientID: &f.patientID}
	return f
}

var slot = time.Date(2024, time.May, 10, 9, 30, 0, 0, time.UTC)

func (f *fixture) book(t *testing.T, at time.Time) *appointment.Appointment {
	t.Helper()
	a, err := f.svc.Create(context.Background(), f.admin, appointment.CreateInput{
		DoctorID:      f.doctorID,
		PatientID:     f.patientID,
		ScheduledDate: at,
		Reason:        "control",
	})
	require.NoError(t, err)
	return a
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want appointment.Status
		ok   bool
	}{
		{"scheduled", appointment.StatusScheduled, true},
		{"CONFIRMED", appointment.StatusConfirmed, true},
		{"3", appointment.StatusCancelled, true},
		{"5", appointment.StatusNoShow, true},
		{"6", "", false},
		{"-1", "", false},
		{"pending", "", false},
	}
	for _, tt := range tests {
		got, ok := appointment.ParseStatus(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStatusUnmarshalNameOrNumber(t *testing.T) {
	var in appointment.UpdateInput
	require.NoError(t, json.Unmarshal([]byte(`{"status":2}`), &in))
	require.NotNil(t, in.Status)
	assert.Equal(t, appointment.StatusCompleted, *in.Status)

	in = appointment.UpdateInput{}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"No_Show"}`), &in))
	assert.Equal(t, appointment.StatusNoShow, *in.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"later"}`), &in))
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, slot)

	assert.Equal(t, appointment.StatusScheduled, a.Status)
	assert.Equal(t, 75.0, a.Fee)
	assert.True(t, a.RequiresPayment)
	assert.False(t, a.IsPaid)
	assert.Equal(t, []string{appointment.EventCreated}, f.store.Events())
}

func TestCreatePatientForcedToSelf(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Create(context.Background(), f.patient, appointment.CreateInput{
		DoctorID:      f.doctorID,
		PatientID:     uuid.New(),
		ScheduledDate: slot,
		Reason:        "dolor de cabeza",
	})
	require.NoError(t, err)
	assert.Equal(t, f.patientID, a.PatientID)
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := appointment.CreateInput{DoctorID: f.doctorID, PatientID: f.patientID, ScheduledDate: slot, Reason: "control"}

	tests := []struct {
		name  string
		actor auth.Actor
		edit  func(*appointment.CreateInput)
		want  error
	}{
		{"doctor cannot book", f.doctor, nil, domainerr.ErrForbidden},
		{"missing reason", f.admin, func(in *appointment.CreateInput) { in.Reason = "  " }, domainerr.ErrValidation},
		{"long reason", f.admin, func(in *appointment.CreateInput) { in.Reason = strings.Repeat("x", 501) }, domainerr.ErrValidation},
		{"missing date", f.admin, func(in *appointment.CreateInput) { in.ScheduledDate = time.Time{} }, domainerr.ErrValidation},
		{"unknown doctor", f.admin, func(in *appointment.CreateInput) { in.DoctorID = uuid.New() }, appointment.ErrDoctorNotFound},
		{"unknown patient", f.admin, func(in *appointment.CreateInput) { in.PatientID = uuid.New() }, appointment.ErrPatientNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			if tt.edit != nil {
				tt.edit(&in)
			}
			_, err := f.svc.Create(ctx, tt.actor, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.book(t, slot)

	_, err := f.svc.Create(ctx, f.admin, appointment.CreateInput{
		DoctorID: f.doctorID, PatientID: f.patientID, ScheduledDate: slot, Reason: "otra",
	})
	assert.ErrorIs(t, err, appointment.ErrClash)
	assert.Equal(t, 400, domainerr.HTTPStatus(err))

	// A minute later is a different slot.
	f.book(t, slot.Add(time.Minute))

	// Cancelled appointments free the slot.
	_, err = f.svc.Cancel(ctx, f.admin, first.ID)
	require.NoError(t, err)
	f.book(t, slot)
}

func TestRescheduleChecksClash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, slot)
	other := f.book(t, slot.Add(time.Hour))

	_, err := f.svc.Update(ctx, f.admin, other.ID, appointment.UpdateInput{ScheduledDate: &slot})
	assert.ErrorIs(t, err, appointment.ErrClash)

	// Keeping its own time is not a clash.
	same := other.AppointmentDate
	_, err = f.svc.Update(ctx, f.admin, other.ID, appointment.UpdateInput{AppointmentDate: &same})
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, slot)

	confirmed := appointment.StatusConfirmed
	notes := " traer estudios "
	paid := true
	fee := 90.0
	got, err := f.svc.Update(ctx, f.doctor, a.ID, appointment.UpdateInput{
		Status: &confirmed,
		Notes:  &notes,
		IsPaid: &paid,
		Fee:    &fee,
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "traer estudios", *got.Notes)
	assert.True(t, got.IsPaid)
	assert.Equal(t, 90.0, got.Fee)

	negative := -1.0
	_, err = f.svc.Update(ctx, f.admin, a.ID, appointment.UpdateInput{Fee: &negative})
	assert.ErrorIs(t, err, domainerr.ErrValidation)
}

func TestUpdateOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, slot)

	otherDoctor := uuid.New()
	stranger := auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor, DoctorID: &otherDoctor}
	_, err := f.svc.Update(ctx, stranger, a.ID, appointment.UpdateInput{})
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	_, err = f.svc.Cancel(ctx, f.patient, a.ID)
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	_, err = f.svc.Update(ctx, f.admin, uuid.New(), appointment.UpdateInput{})
	assert.ErrorIs(t, err, appointment.ErrNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, slot)

	got, err := f.svc.Cancel(ctx, f.doctor, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, got.Status)

	_, err = f.svc.Cancel(ctx, f.doctor, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{appointment.EventCreated, appointment.EventCancelled}, f.store.Events())
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := f.book(t, slot)
	late := f.book(t, slot.Add(24*time.Hour))

	otherPatient := f.store.AddPatient("002-0000002-2")
	otherDoctor := f.store.AddDoctor(50)
	_, err := f.svc.Create(ctx, f.admin, appointment.CreateInput{
		DoctorID: otherDoctor, PatientID: otherPatient, ScheduledDate: slot, Reason: "x",
	})
	require.NoError(t, err)

	t.Run("admin sees all newest first", func(t *testing.T) {
		items, err := f.svc.List(ctx, f.admin, appointment.Query{})
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, late.ID, items[0].ID)
		assert.NotNil(t, items[0].Patient)
		assert.NotNil(t, items[0].Doctor)
	})

	t.Run("patient forced to own", func(t *testing.T) {
		items, err := f.svc.List(ctx, f.patient, appointment.Query{PatientID: &otherPatient})
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("doctor defaults to own", func(t *testing.T) {
		items, err := f.svc.List(ctx, f.doctor, appointment.Query{})
		require.NoError(t, err)
		assert.Len(t, items, 2)

		items, err = f.svc.List(ctx, f.doctor, appointment.Query{DoctorID: &otherDoctor})
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("status and range", func(t *testing.T) {
		_, err := f.svc.Cancel(ctx, f.admin, early.ID)
		require.NoError(t, err)

		items, err := f.svc.List(ctx, f.admin, appointment.Query{Status: "Cancelled"})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, early.ID, items[0].ID)

		items, err = f.svc.List(ctx, f.admin, appointment.Query{Status: "bogus"})
		require.NoError(t, err)
		assert.Len(t, items, 3)

		from := slot.Add(time.Hour)
		items, err = f.svc.List(ctx, f.admin, appointment.Query{From: &from})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, late.ID, items[0].ID)
	})

	t.Run("pharmacy forbidden", func(t *testing.T) {
		ph := uuid.New()
		_, err := f.svc.List(ctx, auth.Actor{UserID: ph, Role: auth.RolePharmacy, PharmacyID: &ph}, appointment.Query{})
		assert.ErrorIs(t, err, domainerr.ErrForbidden)
	})
}
