package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cmmsalud/clinic-api/internal/auth"
)

type staticTokens map[string]auth.Actor

func (s staticTokens) Validate(token string) (auth.Actor, error) {
	a, ok := s[token]
	if !ok {
		return auth.Actor{}, errors.New("unknown token")
	}
	return a, nil
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRequestIDKeepsClientValue(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
}

func TestAuthenticateAndRequireRole(t *testing.T) {
	doctor := auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor}
	tokens := staticTokens{"doc": doctor}
	h := Authenticate(tokens)(RequireRole(auth.RoleDoctor)(ok))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"doctor", "Bearer doc", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	tokens["admin"] = auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer admin")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoggerRecordsUser(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	actor := auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
	h := Authenticate(staticTokens{"t": actor})(Logger(zap.New(core))(ok))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	req.Header.Set("Authorization", "Bearer t")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, actor.UserID.String(), fields["user_id"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

func TestRecoverWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Recover(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"statusCode":500,"message":"internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.Len())
}

type observed struct {
	method, route string
	status        int
}

type recorder struct{ calls []observed }

func (r *recorder) ObserveRequest(method, route string, status int, _ time.Duration) {
	r.calls = append(r.calls, observed{method, route, status})
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	obs := &recorder{}
	r := chi.NewRouter()
	r.Use(Metrics(obs))
	r.Get("/prescriptions/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/prescriptions/42", nil))
	require.Len(t, obs.calls, 1)
	assert.Equal(t, observed{http.MethodGet, "/prescriptions/{id}", http.StatusNotFound}, obs.calls[0])
}

func TestCORSWildcard(t *testing.T) {
	h := CORS([]string{"*"})(ok)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.cmmsalud.do")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.cmmsalud.do", rec.Header().Get("Access-Control-Allow-Origin"))
}
