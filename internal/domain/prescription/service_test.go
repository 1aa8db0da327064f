package prescription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription/prescriptiontest"
	"github.com/cmmsalud/clinic-api/pkg/civil"
	"github.com/cmmsalud/clinic-api/pkg/patch"
)

type countingRecorder struct {
	mu       sync.Mutex
	created  int
	recorded map[string]int
	rejected map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{recorded: map[string]int{}, rejected: map[string]int{}}
}

func (r *countingRecorder) PrescriptionCreated(bool) {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
}

func (r *countingRecorder) DispensationRecorded(actor string) {
	r.mu.Lock()
	r.recorded[actor]++
	r.mu.Unlock()
}

func (r *countingRecorder) DispensationRejected(kind string) {
	r.mu.Lock()
	r.rejected[kind]++
	r.mu.Unlock()
}

type fixture struct {
	store    *prescriptiontest.Store
	clock    *prescriptiontest.Clock
	recorder *countingRecorder
	svc      *prescription.Service

	patientID  uuid.UUID
	doctorID   uuid.UUID
	pharmacyID uuid.UUID

	admin    auth.Actor
	doctor   auth.Actor
	patient  auth.Actor
	pharmacy auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    prescriptiontest.NewStore(),
		clock:    prescriptiontest.NewClock(time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)),
		recorder: newCountingRecorder(),
	}
	f.svc = prescription.NewService(f.store, f.clock, nil, prescription.WithRecorder(f.recorder))
	f.patientID = f.store.AddPatient("171-234-5678")
	f.doctorID = f.store.AddDoctor()
	f.pharmacyID = f.store.AddPharmacy()

	f.admin = auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
	f.doctor = auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor, DoctorID: &f.doctorID}
	f.patient = auth.Actor{UserID: uuid.New(), Role: auth.RolePatient, PatientID: &f.patientID}
	f.pharmacy = auth.Actor{UserID: f.pharmacyID, Role: auth.RolePharmacy, PharmacyID: &f.pharmacyID}
	return f
}

func (f *fixture) create(t *testing.T, in prescription.CreateInput) *prescription.Prescription {
	t.Helper()
	if in.PatientID == uuid.Nil {
		in.PatientID = f.patientID
	}
	if in.MedicationName == "" {
		in.MedicationName = "Losartan 50mg"
	}
	if in.Dosage == "" {
		in.Dosage = "1 tablet"
	}
	if in.Frequency == "" {
		in.Frequency = "every 24h"
	}
	p, err := f.svc.Create(context.Background(), f.doctor, in)
	require.NoError(t, err)
	return p
}

func intPtr(v int) *int { return &v }

func qty(v float64) *float64 { return &v }

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()
	p := f.create(t, prescription.CreateInput{DoctorID: other, MedicationName: "  Amoxicilina  "})

	assert.Equal(t, f.doctorID, p.DoctorID, "doctor id comes from the session")
	assert.Equal(t, "Amoxicilina", p.MedicationName)
	assert.Equal(t, prescription.StatusActive, p.Status)
	assert.Equal(t, 1, p.MaxDispensations)
	assert.Equal(t, 0, p.CurrentDispensations)
	assert.True(t, p.IssueDate.Equal(civil.NewDate(2024, time.January, 1)))
	assert.True(t, p.ExpirationDate.Equal(civil.NewDate(2024, time.January, 31)))
	assert.Regexp(t, `^RX-[0-9A-F]{32}$`, p.DigitalSignature)
	require.NotNil(t, p.Patient)
	assert.Equal(t, "171-234-5678", p.Patient.DocumentID)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, prescription.EventCreated, events[0].EventType)
	assert.Equal(t, 1, f.recorder.created)
}

func TestCreateContinuous(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, prescription.CreateInput{
		IsContinuous:     true,
		RefillEveryDays:  intPtr(10),
		TreatmentEndDate: civil.NewDate(2024, time.January, 31).Ptr(),
	})
	assert.Equal(t, 4, p.MaxDispensations)
	require.NotNil(t, p.NextRefillDate)
	assert.Equal(t, "2024-01-11", p.NextRefillDate.String())
	assert.Equal(t, prescription.StateOK, f.svc.Project(p, auth.RolePatient).ContinuousState)
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := prescription.CreateInput{PatientID: f.patientID, DoctorID: f.doctorID, MedicationName: "x", Dosage: "y", Frequency: "z"}

	_, err := f.svc.Create(ctx, f.patient, valid)
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	_, err = f.svc.Create(ctx, auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor}, valid)
	assert.ErrorIs(t, err, domainerr.ErrUnauthorized)

	missingPatient := valid
	missingPatient.PatientID = uuid.New()
	_, err = f.svc.Create(ctx, f.admin, missingPatient)
	assert.ErrorIs(t, err, domainerr.ErrNotFound)

	missingDoctor := valid
	missingDoctor.DoctorID = uuid.New()
	_, err = f.svc.Create(ctx, f.admin, missingDoctor)
	assert.ErrorIs(t, err, domainerr.ErrNotFound)

	blank := valid
	blank.Dosage = "   "
	_, err = f.svc.Create(ctx, f.admin, blank)
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	badContinuous := valid
	badContinuous.IsContinuous = true
	_, err = f.svc.Create(ctx, f.admin, badContinuous)
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	assert.Empty(t, f.store.Events())
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})

	updated, err := f.svc.Update(ctx, f.doctor, p.ID, prescription.UpdateInput{
		Dosage:           patch.Of("2 tablets"),
		Instructions:     patch.Of("  after meals "),
		MaxDispensations: patch.Of(3),
		Status:           patch.Of("Canceled"),
	})
	require.NoError(t, err)
	assert.Equal(t, "2 tablets", updated.Dosage)
	require.NotNil(t, updated.Instructions)
	assert.Equal(t, "after meals", *updated.Instructions)
	assert.Equal(t, 3, updated.MaxDispensations)
	assert.Equal(t, prescription.StatusCancelled, updated.Status)
	assert.Equal(t, p.Version+1, updated.Version)

	updated, err = f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{
		Instructions: patch.Null[string](),
		Duration:     patch.Null[string](),
	})
	require.NoError(t, err)
	assert.Nil(t, updated.Instructions)
	assert.Equal(t, "", updated.Duration)

	events := f.store.Events()
	require.Len(t, events, 3)
	assert.Equal(t, prescription.EventUpdated, events[2].EventType)
}

func TestUpdateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	otherDoctor := f.store.AddDoctor()

	tests := []struct {
		name  string
		actor auth.Actor
		in    prescription.UpdateInput
		want  error
	}{
		{"patient", f.patient, prescription.UpdateInput{Dosage: patch.Of("x")}, domainerr.ErrForbidden},
		{"other doctor", auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor, DoctorID: &otherDoctor}, prescription.UpdateInput{Dosage: patch.Of("x")}, domainerr.ErrForbidden},
		{"doctor reassigns", f.doctor, prescription.UpdateInput{DoctorID: patch.Of(otherDoctor)}, domainerr.ErrForbidden},
		{"unknown patient", f.admin, prescription.UpdateInput{PatientID: patch.Of(uuid.New())}, domainerr.ErrNotFound},
		{"blank medication", f.admin, prescription.UpdateInput{MedicationName: patch.Of("  ")}, domainerr.ErrValidation},
		{"null frequency", f.admin, prescription.UpdateInput{Frequency: patch.Null[string]()}, domainerr.ErrValidation},
		{"unknown status", f.admin, prescription.UpdateInput{Status: patch.Of("archived")}, domainerr.ErrValidation},
		{"zero max", f.admin, prescription.UpdateInput{MaxDispensations: patch.Of(0)}, domainerr.ErrValidation},
		{"continuous without interval", f.admin, prescription.UpdateInput{IsContinuous: patch.Of(true)}, domainerr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Update(ctx, tt.actor, p.ID, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.svc.Update(ctx, f.admin, uuid.New(), prescription.UpdateInput{})
	assert.ErrorIs(t, err, domainerr.ErrNotFound)

	got, err := f.svc.Get(ctx, f.admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Version, got.Version, "failed updates persist nothing")
}

func TestUpdateAdminReassigns(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, prescription.CreateInput{})
	otherDoctor := f.store.AddDoctor()

	updated, err := f.svc.Update(context.Background(), f.admin, p.ID, prescription.UpdateInput{DoctorID: patch.Of(otherDoctor)})
	require.NoError(t, err)
	assert.Equal(t, otherDoctor, updated.DoctorID)
	require.NotNil(t, updated.Doctor)
	assert.Equal(t, otherDoctor, updated.Doctor.ID)
}

func TestUpdateContinuousTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})

	updated, err := f.svc.Update(ctx, f.doctor, p.ID, prescription.UpdateInput{
		IsContinuous:     patch.Of(true),
		RefillEveryDays:  patch.Of(10),
		TreatmentEndDate: patch.Of(civil.NewDate(2024, time.January, 31)),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.MaxDispensations)
	require.NotNil(t, updated.NextRefillDate)

	updated, err = f.svc.Update(ctx, f.doctor, p.ID, prescription.UpdateInput{IsContinuous: patch.Of(false)})
	require.NoError(t, err)
	assert.False(t, updated.IsContinuous)
	assert.Nil(t, updated.RefillEveryDays)
	assert.Nil(t, updated.TreatmentEndDate)
	assert.Nil(t, updated.NextRefillDate)
}

func TestUpdateClampsAfterLoweringMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})

	_, err := f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{MaxDispensations: patch.Of(3)})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
		require.NoError(t, err)
	}

	updated, err := f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{MaxDispensations: patch.Of(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentDispensations)
}

func TestUpdateRejectsExpirationBeforeLastDispensation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	_, err := f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{MaxDispensations: patch.Of(2)})
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC))
	_, err = f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{ExpirationDate: patch.Of(civil.NewDate(2024, time.January, 9))})
	assert.ErrorIs(t, err, domainerr.ErrConflict)

	_, err = f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{ExpirationDate: patch.Of(civil.NewDate(2024, time.January, 10))})
	assert.NoError(t, err)
}

func TestGetOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})

	_, err := f.svc.Get(ctx, f.patient, p.ID)
	assert.NoError(t, err)

	otherPatient := uuid.New()
	_, err = f.svc.Get(ctx, auth.Actor{Role: auth.RolePatient, PatientID: &otherPatient}, p.ID)
	assert.ErrorIs(t, err, domainerr.ErrForbidden)

	_, err = f.svc.Get(ctx, f.pharmacy, p.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, f.admin, uuid.New())
	assert.ErrorIs(t, err, prescription.ErrNotFound)

	ok, err := f.svc.Exists(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.Exists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		f.clock.Set(time.Date(2024, time.January, 1, 9, i, 0, 0, time.UTC))
		ids = append(ids, f.create(t, prescription.CreateInput{}).ID)
	}
	otherPatient := f.store.AddPatient("0999999999")
	f.create(t, prescription.CreateInput{PatientID: otherPatient, MedicationName: "Metformina"})

	_, err := f.svc.Update(ctx, f.admin, ids[0], prescription.UpdateInput{Status: patch.Of("paused")})
	require.NoError(t, err)

	page, err := f.svc.List(ctx, f.patient, prescription.ListQuery{PatientID: &otherPatient})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount, "patients only see their own")
	assert.Equal(t, ids[2], page.Items[0].ID, "newest first")

	page, err = f.svc.List(ctx, f.admin, prescription.ListQuery{Status: "paused"})
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalCount)
	assert.Equal(t, ids[0], page.Items[0].ID)

	page, err = f.svc.List(ctx, f.admin, prescription.ListQuery{Status: "archived"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.TotalCount, "unknown labels are ignored")

	page, err = f.svc.List(ctx, f.admin, prescription.ListQuery{MedicationName: "metf"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)

	page, err = f.svc.List(ctx, f.admin, prescription.ListQuery{PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 2)

	_, err = f.svc.List(ctx, f.pharmacy, prescription.ListQuery{})
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	page, err = f.svc.List(ctx, f.pharmacy, prescription.ListQuery{PatientDocumentID: "1712345678"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount, "normalized document matches")

	page, err = f.svc.ListByDocument(ctx, f.admin, " 171-234-5678 ", prescription.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount)

	_, err = f.svc.ListByDocument(ctx, f.admin, "  ", prescription.ListQuery{})
	assert.ErrorIs(t, err, domainerr.ErrValidation)
	_, err = f.svc.ListByDocument(ctx, f.patient, "171", prescription.ListQuery{})
	assert.ErrorIs(t, err, domainerr.ErrForbidden)
}

func TestDispenseByPharmacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})

	notes := "  generic brand "
	res, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(30), Notes: &notes})
	require.NoError(t, err)
	require.NotNil(t, res.Dispensation)
	assert.Equal(t, 1, res.Dispensation.DispensationNumber)
	assert.Equal(t, prescription.ActorPharmacy, res.Dispensation.ActorType)
	assert.Equal(t, "generic brand", *res.Dispensation.PharmacistNotes)
	assert.Equal(t, prescription.StatusUsed, res.Prescription.Status)
	assert.Equal(t, prescription.LabelDispensed, f.svc.Project(res.Prescription, auth.RolePharmacy).Status)
	assert.Equal(t, prescription.LabelUsed, f.svc.Project(res.Prescription, auth.RolePatient).Status)

	ledger, err := f.svc.Dispensations(ctx, f.admin, p.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
	assert.Equal(t, 1, f.recorder.recorded["pharmacy"])

	_, err = f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
	assert.ErrorIs(t, err, prescription.ErrNotActive)
	assert.Equal(t, 1, f.recorder.rejected[string(domainerr.KindInvalidState)])

	events := f.store.Events()
	assert.Equal(t, prescription.EventDispensed, events[len(events)-1].EventType)
}

func TestDispenseVariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	secretary := auth.Actor{UserID: uuid.New(), Role: auth.RoleSecretary}
	unknownPharmacy := uuid.New()
	otherPatient := uuid.New()

	tests := []struct {
		name  string
		actor auth.Actor
		id    uuid.UUID
		req   prescription.DispenseRequest
		want  error
	}{
		{"missing prescription", f.pharmacy, uuid.New(), prescription.DispenseRequest{Quantity: qty(1)}, domainerr.ErrNotFound},
		{"pharmacy token without id", auth.Actor{Role: auth.RolePharmacy}, p.ID, prescription.DispenseRequest{Quantity: qty(1)}, domainerr.ErrUnauthorized},
		{"pharmacy without quantity", f.pharmacy, p.ID, prescription.DispenseRequest{}, domainerr.ErrValidation},
		{"doctor on behalf of pharmacy", f.doctor, p.ID, prescription.DispenseRequest{PharmacyID: &f.pharmacyID, Quantity: qty(1)}, domainerr.ErrForbidden},
		{"staff with unknown pharmacy", secretary, p.ID, prescription.DispenseRequest{PharmacyID: &unknownPharmacy, Quantity: qty(1)}, domainerr.ErrNotFound},
		{"staff with zero quantity", secretary, p.ID, prescription.DispenseRequest{PharmacyID: &f.pharmacyID, Quantity: qty(0)}, domainerr.ErrValidation},
		{"doctor self report", f.doctor, p.ID, prescription.DispenseRequest{CurrentDispensations: intPtr(1)}, domainerr.ErrForbidden},
		{"other patient self report", auth.Actor{Role: auth.RolePatient, PatientID: &otherPatient}, p.ID, prescription.DispenseRequest{CurrentDispensations: intPtr(1)}, domainerr.ErrForbidden},
		{"empty body", f.admin, p.ID, prescription.DispenseRequest{}, &domainerr.Error{Kind: domainerr.KindInvalidRequest}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Dispense(ctx, tt.actor, tt.id, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.store.Ledger(p.ID))

	res, err := f.svc.Dispense(ctx, secretary, p.ID, prescription.DispenseRequest{PharmacyID: &f.pharmacyID, Quantity: qty(2), Unit: "box"})
	require.NoError(t, err)
	assert.Equal(t, prescription.ActorStaff, res.Dispensation.ActorType)
	assert.Equal(t, "box", res.Dispensation.Unit)
	assert.Equal(t, f.pharmacyID, *res.Dispensation.PharmacyID)
}

func TestDispenseExpiredWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	events := len(f.store.Events())

	f.clock.Set(time.Date(2024, time.February, 1, 8, 0, 0, 0, time.UTC))
	_, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
	assert.ErrorIs(t, err, prescription.ErrExpired)
	assert.Empty(t, f.store.Ledger(p.ID))
	assert.Len(t, f.store.Events(), events)

	got, err := f.svc.Get(ctx, f.admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentDispensations)
	assert.Nil(t, got.LastDispensedAt)
}

func TestDispenseContinuousLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{
		IsContinuous:     true,
		RefillEveryDays:  intPtr(10),
		TreatmentEndDate: civil.NewDate(2024, time.January, 31).Ptr(),
	})

	f.clock.Set(time.Date(2024, time.January, 10, 8, 0, 0, 0, time.UTC))
	_, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
	assert.ErrorIs(t, err, &domainerr.Error{Kind: domainerr.KindRefillNotDue})

	for _, d := range []int{11, 21} {
		f.clock.Set(time.Date(2024, time.January, d, 8, 0, 0, 0, time.UTC))
		assert.Equal(t, prescription.StateDue, f.svc.Project(mustGet(t, f, p.ID), auth.RolePatient).ContinuousState)
		_, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
		require.NoError(t, err, "day %d", d)
	}

	f.clock.Set(time.Date(2024, time.January, 31, 8, 0, 0, 0, time.UTC))
	res, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusCompleted, res.Prescription.Status)
	assert.Nil(t, res.Prescription.NextRefillDate)
	assert.Equal(t, 3, res.Prescription.CurrentDispensations)
	assert.Equal(t, prescription.StateEnded, f.svc.Project(res.Prescription, auth.RolePatient).ContinuousState)

	ledger, err := f.svc.Dispensations(ctx, f.doctor, p.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	for i, d := range ledger {
		assert.Equal(t, i+1, d.DispensationNumber)
	}
}

func TestDispenseSelfReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	_, err := f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{MaxDispensations: patch.Of(3)})
	require.NoError(t, err)

	res, err := f.svc.Dispense(ctx, f.patient, p.ID, prescription.DispenseRequest{CurrentDispensations: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Prescription.CurrentDispensations)
	assert.Equal(t, prescription.StatusUsed, res.Prescription.Status)
	require.NotNil(t, res.Dispensation)
	assert.Equal(t, prescription.ActorPatientSelfReport, res.Dispensation.ActorType)
	assert.Equal(t, float64(3), res.Dispensation.QuantityDispensed)

	res, err = f.svc.Dispense(ctx, f.patient, p.ID, prescription.DispenseRequest{CurrentDispensations: intPtr(1)})
	require.NoError(t, err)
	assert.Nil(t, res.Dispensation, "corrections downward write no ledger row")
	assert.Equal(t, 1, res.Prescription.CurrentDispensations)

	assert.Len(t, f.store.Ledger(p.ID), 1)
	events := f.store.Events()
	assert.Equal(t, prescription.EventSelfReported, events[len(events)-1].EventType)
}

func mustGet(t *testing.T, f *fixture, id uuid.UUID) *prescription.Prescription {
	t.Helper()
	p, err := f.svc.Get(context.Background(), f.admin, id)
	require.NoError(t, err)
	return p
}

func TestDispenseFractionalQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})

	res, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1.5), Unit: "ml"})
	require.NoError(t, err)
	assert.Equal(t, 1.5, res.Dispensation.QuantityDispensed)

	ledger, err := f.svc.Dispensations(ctx, f.admin, p.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, 1.5, ledger[0].QuantityDispensed)
	assert.Equal(t, "ml", ledger[0].Unit)
}

func TestSelfReportCorrectionKeepsNumbersUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	_, err := f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{MaxDispensations: patch.Of(4)})
	require.NoError(t, err)

	for _, v := range []int{2, 0, 1} {
		_, err := f.svc.Dispense(ctx, f.patient, p.ID, prescription.DispenseRequest{CurrentDispensations: intPtr(v)})
		require.NoError(t, err)
	}
	res, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Prescription.CurrentDispensations)

	ledger, err := f.svc.Dispensations(ctx, f.admin, p.ID)
	require.NoError(t, err)
	var numbers []int
	for _, d := range ledger {
		numbers = append(numbers, d.DispensationNumber)
	}
	assert.Equal(t, []int{2, 3, 4}, numbers)
}

func TestConcurrentDispensesNeverOverrun(t *testing.T) {
	const maxDispensations, callers = 3, 12

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	_, err := f.svc.Update(ctx, f.admin, p.ID, prescription.UpdateInput{MaxDispensations: patch.Of(maxDispensations)})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Dispense(ctx, f.pharmacy, p.ID, prescription.DispenseRequest{Quantity: qty(1)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		// The last successful call marks the prescription used.
		assert.ErrorIs(t, err, prescription.ErrNotActive)
	}
	assert.Equal(t, maxDispensations, ok)

	ledger, err := f.svc.Dispensations(ctx, f.admin, p.ID)
	require.NoError(t, err)
	require.Len(t, ledger, maxDispensations)
	for i, d := range ledger {
		assert.Equal(t, i+1, d.DispensationNumber)
	}
	got := mustGet(t, f, p.ID)
	assert.Equal(t, maxDispensations, got.CurrentDispensations)
	assert.Equal(t, prescription.StatusUsed, got.Status)
}

func TestMutateRejectsStaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, prescription.CreateInput{})
	before := mustGet(t, f, p.ID)
	events := len(f.store.Events())

	_, err := f.store.Mutate(ctx, p.ID, func(w *prescription.Prescription) (*prescription.Change, error) {
		w.Version++
		w.CurrentDispensations = 1
		return &prescription.Change{Dispensation: &prescription.Dispensation{ID: uuid.New(), DispensationNumber: 1}}, nil
	})
	require.ErrorIs(t, err, prescription.ErrConcurrentUpdate)
	assert.ErrorIs(t, err, domainerr.ErrConflict)

	after := mustGet(t, f, p.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, after.CurrentDispensations)
	assert.Empty(t, f.store.Ledger(p.ID))
	assert.Len(t, f.store.Events(), events)
}
