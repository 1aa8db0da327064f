package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cmmsalud/clinic-api/internal/api"
	"github.com/cmmsalud/clinic-api/internal/api/handlers"
	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment/appointmenttest"
	"github.com/cmmsalud/clinic-api/internal/domain/contact"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
	"github.com/cmmsalud/clinic-api/internal/domain/identity/identitytest"
	"github.com/cmmsalud/clinic-api/internal/domain/medicalhistory"
	"github.com/cmmsalud/clinic-api/internal/domain/medicalhistory/medicalhistorytest"
	"github.com/cmmsalud/clinic-api/internal/domain/payment"
	"github.com/cmmsalud/clinic-api/internal/domain/payment/paymenttest"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription/prescriptiontest"
	"github.com/cmmsalud/clinic-api/internal/observability/metrics"
	"github.com/cmmsalud/clinic-api/pkg/idempotency"
)

const testKey = "0123456789abcdef0123456789abcdef"

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

type fixture struct {
	handler  http.Handler
	tokens   *auth.TokenService
	rx       *prescriptiontest.Store
	metrics  *metrics.Metrics
	patient  uuid.UUID
	doctor   uuid.UUID
	pharmacy uuid.UUID
}

func newFixture(t *testing.T, debug bool) *fixture {
	t.Helper()
	clock := prescriptiontest.NewClock(time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC))
	hasher := auth.NewPasswordHasher().WithCost(bcrypt.MinCost)
	ids := identitytest.NewStore()

	f := &fixture{
		tokens:  auth.NewTokenService(auth.DefaultTokenConfig(testKey)),
		rx:      prescriptiontest.NewStore(),
		metrics: metrics.New(),
	}
	f.patient = f.rx.AddPatient("40234161533")
	f.doctor = f.rx.AddDoctor()
	f.pharmacy = f.rx.AddPharmacy()

	svc := api.Services{
		Auth:           identity.NewAuthService(ids, ids, f.tokens, hasher, clock, nil),
		Identity:       identity.NewService(ids, hasher, clock, nil),
		Prescriptions:  prescription.NewService(f.rx, clock, nil, prescription.WithRecorder(f.metrics)),
		Appointments:   appointment.NewService(appointmenttest.NewStore(), clock, nil),
		Payments:       payment.NewService(paymenttest.NewStore(), clock, nil),
		MedicalHistory: medicalhistory.NewService(medicalhistorytest.NewStore(), clock, nil),
		Contact:        contact.NewService(nil, nil, clock, nil),
	}
	health := handlers.NewHealthHandler("test", nil)
	health.AddCheck("database", func(_ context.Context) error { return nil })

	f.handler = api.NewRouter(svc, api.Options{
		Debug:          debug,
		CORSOrigins:    []string{"http://localhost:3000"},
		Tokens:         f.tokens,
		Inbox:          idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil),
		Metrics:        f.metrics,
		MetricsHandler: f.metrics.Handler(),
		Health:         health,
	})
	return f
}

func (f *fixture) token(t *testing.T, a auth.Actor) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(a)
	require.NoError(t, err)
	return tok
}

func (f *fixture) doctorToken(t *testing.T) string {
	return f.token(t, auth.Actor{UserID: f.doctor, Role: auth.RoleDoctor, DoctorID: &f.doctor})
}

func (f *fixture) pharmacyToken(t *testing.T) string {
	return f.token(t, auth.Actor{UserID: f.pharmacy, Role: auth.RolePharmacy, PharmacyID: &f.pharmacy})
}

func (f *fixture) adminToken(t *testing.T) string {
	return f.token(t, auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin})
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, rec.Code, env.StatusCode)
	}
	return rec, env
}

func (f *fixture) createPrescription(t *testing.T) uuid.UUID {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.doctorToken(t), map[string]any{
		"patientId":      f.patient,
		"medicationName": "Amoxicillin 500mg",
		"dosage":         "1 capsule",
		"frequency":      "every 8 hours",
		"duration":       "7 days",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	var p handlers.PrescriptionResponse
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, f.doctor, p.DoctorID)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, "one_time", p.ContinuousState)
	return p.ID
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	f := newFixture(t, false)

	rec, env := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, string(env.Data))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/v1/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", env.Message)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t, false)

	rec, env := f.do(t, http.MethodGet, "/api/v1/prescriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication required", env.Message)

	rec, env = f.do(t, http.MethodGet, "/api/v1/prescriptions", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", env.Message)

	// Public routes ignore a stale token.
	rec, _ = f.do(t, http.MethodGet, "/api/v1/specialties", "not-a-jwt", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMedicalHistoryIsDoctorOnly(t *testing.T) {
	f := newFixture(t, false)

	rec, _ := f.do(t, http.MethodGet, "/api/v1/medical-history", f.adminToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/medical-history", f.doctorToken(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndReadPrescription(t *testing.T) {
	f := newFixture(t, false)
	id := f.createPrescription(t)

	rec, env := f.do(t, http.MethodGet, "/api/v1/prescriptions/"+id.String(), f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p handlers.PrescriptionResponse
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, id, p.ID)
	assert.Equal(t, 1, p.MaxDispensations)
	assert.Equal(t, "2024-02-09", p.ExpirationDate.String())

	rec, env = f.do(t, http.MethodGet, "/api/v1/prescriptions/not-a-uuid", f.adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", env.Message)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/prescriptions/"+uuid.NewString(), f.adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePrescriptionForbiddenForPatient(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, auth.Actor{UserID: f.patient, Role: auth.RolePatient, PatientID: &f.patient})

	rec, _ := f.do(t, http.MethodPost, "/api/v1/prescriptions", tok, map[string]any{
		"patientId":      f.patient,
		"medicationName": "Ibuprofen",
		"dosage":         "1",
		"frequency":      "daily",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.rx.Events())
}

func TestPatchPrescriptionDistinguishesNullFromAbsent(t *testing.T) {
	f := newFixture(t, false)
	id := f.createPrescription(t)
	path := "/api/v1/prescriptions/" + id.String()

	rec, env := f.do(t, http.MethodPatch, path, f.doctorToken(t), map[string]any{"instructions": "after meals"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var p handlers.PrescriptionResponse
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.NotNil(t, p.Instructions)
	assert.Equal(t, "after meals", *p.Instructions)
	assert.Equal(t, "1 capsule", p.Dosage)

	rec, env = f.do(t, http.MethodPatch, path, f.doctorToken(t), map[string]any{"instructions": nil})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	p = handlers.PrescriptionResponse{}
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Nil(t, p.Instructions)
}

func TestDispenseWithIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, false)
	id := f.createPrescription(t)
	path := "/api/v1/prescriptions/" + id.String() + "/dispense"
	body := map[string]any{"quantity": 1, "unit": "box"}

	rec, env := f.do(t, http.MethodPost, path, f.pharmacyToken(t), body, handlers.IdempotencyHeader, "retry-1")
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var first prescription.Dispensation
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.Equal(t, 1, first.DispensationNumber)
	assert.Equal(t, prescription.ActorPharmacy, first.ActorType)

	rec, env = f.do(t, http.MethodPost, path, f.pharmacyToken(t), body, handlers.IdempotencyHeader, "retry-1")
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	var replay prescription.Dispensation
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.Equal(t, first.ID, replay.ID)
	assert.Len(t, f.rx.Ledger(id), 1)

	// Same key, different body.
	rec, _ = f.do(t, http.MethodPost, path, f.pharmacyToken(t), map[string]any{"quantity": 2}, handlers.IdempotencyHeader, "retry-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Without a key the one-off prescription is exhausted.
	rec, _ = f.do(t, http.MethodPost, path, f.pharmacyToken(t), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.rx.Ledger(id), 1)

	rec, env = f.do(t, http.MethodGet, "/api/v1/prescriptions/"+id.String()+"/dispensations", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger []prescription.Dispensation
	require.NoError(t, json.Unmarshal(env.Data, &ledger))
	assert.Len(t, ledger, 1)
}

func TestDispenseRejectionReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t, false)
	id := f.createPrescription(t)
	path := "/api/v1/prescriptions/" + id.String() + "/dispense"

	rec, _ := f.do(t, http.MethodPost, path, f.pharmacyToken(t), map[string]any{"unit": "box"}, handlers.IdempotencyHeader, "k")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := f.do(t, http.MethodPost, path, f.pharmacyToken(t), map[string]any{"quantity": 1, "unit": "box"}, handlers.IdempotencyHeader, "k")
	assert.Equal(t, http.StatusOK, rec.Code, env.Message)
}

func TestSelfReportReturnsPrescription(t *testing.T) {
	f := newFixture(t, false)
	id := f.createPrescription(t)
	path := "/api/v1/prescriptions/" + id.String() + "/dispense"
	tok := f.token(t, auth.Actor{UserID: f.patient, Role: auth.RolePatient, PatientID: &f.patient})

	rec, env := f.do(t, http.MethodPost, path, tok, map[string]any{"currentDispensations": 1})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	var p handlers.PrescriptionResponse
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "Amoxicillin 500mg", p.MedicationName)
	assert.Equal(t, 1, p.CurrentDispensations)
	assert.Equal(t, "used", p.Status)
	assert.Equal(t, "one_time", p.ContinuousState)
	assert.NotContains(t, string(env.Data), "dispensationNumber")

	ledger := f.rx.Ledger(id)
	require.Len(t, ledger, 1)
	assert.Equal(t, prescription.ActorPatientSelfReport, ledger[0].ActorType)
}

func TestValidatePrescription(t *testing.T) {
	f := newFixture(t, false)
	id := f.createPrescription(t)

	_, env := f.do(t, http.MethodPost, "/api/v1/pharmacies/validate-prescription", f.pharmacyToken(t), map[string]any{"prescriptionId": id})
	assert.JSONEq(t, `{"valid":true}`, string(env.Data))

	_, env = f.do(t, http.MethodPost, "/api/v1/pharmacies/validate-prescription", f.pharmacyToken(t), map[string]any{"prescriptionId": uuid.New()})
	assert.JSONEq(t, `{"valid":false}`, string(env.Data))
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t, false)

	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"email":       "ana@example.com",
		"password":    "s3cret-pass",
		"documentId":  "402-341-61533",
		"firstName":   "Ana",
		"lastName":    "Pérez",
		"dateOfBirth": "1990-05-20",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)

	rec, env = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{"email": "ana@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", env.Message)

	rec, env = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{"email": "ana@example.com", "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, rec.Code)
	var s identity.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/prescriptions", s.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContactAlwaysAcceptsValidMessages(t *testing.T) {
	f := newFixture(t, false)

	rec, env := f.do(t, http.MethodPost, "/api/v1/contact", "", map[string]any{"name": "A", "email": "a@b.co", "message": "hello there"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid name", env.Message)

	rec, env = f.do(t, http.MethodPost, "/api/v1/contact", "", map[string]any{"name": "Ana", "email": "ana@example.com", "message": "hello there"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var receipt contact.Receipt
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.NotEqual(t, uuid.Nil, receipt.ID)
	assert.False(t, receipt.Queued)
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/prescriptions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/prescriptions", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	f := newFixture(t, false)
	f.createPrescription(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `route="/api/v1/prescriptions/"`)
	assert.Contains(t, body, `clinic_prescriptions_created_total{kind="single"} 1`)
}
