// Package api assembles the HTTP surface of the clinic API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api/handlers"
	"github.com/cmmsalud/clinic-api/internal/api/middleware"
	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment"
	"github.com/cmmsalud/clinic-api/internal/domain/contact"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
	"github.com/cmmsalud/clinic-api/internal/domain/medicalhistory"
	"github.com/cmmsalud/clinic-api/internal/domain/payment"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
	"github.com/cmmsalud/clinic-api/pkg/idempotency"
)

// Services are the domain services behind the routes.
type Services struct {
	Auth           *identity.AuthService
	Identity       *identity.Service
	Prescriptions  *prescription.Service
	Appointments   *appointment.Service
	Payments       *payment.Service
	MedicalHistory *medicalhistory.Service
	Contact        *contact.Service
}

// Options configure the router.
type Options struct {
	ServiceName string
	// Debug exposes the text of unexpected errors in responses.
	Debug       bool
	CORSOrigins []string
	Tokens      middleware.TokenValidator
	// Inbox makes dispensations idempotent; nil disables Idempotency-Key.
	Inbox *idempotency.Inbox
	// Metrics records request metrics when set.
	Metrics        middleware.RequestObserver
	MetricsHandler http.Handler
	Health         *handlers.HealthHandler
	Logger         *zap.Logger
}

// NewRouter builds the chi router with every route under /api/v1.
func NewRouter(svc Services, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "clinic-api"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(opts.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(opts.ServiceName))
	r.Use(middleware.Authenticate(opts.Tokens))
	r.Use(middleware.Logger(logger))
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if opts.Health != nil {
		r.Get("/health", opts.Health.Health)
		r.Get("/ready", opts.Health.Ready)
	}
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", handlers.NewAuthHandler(svc.Auth, logger, opts.Debug).Routes())
		r.Post("/contact", handlers.NewContactHandler(svc.Contact, logger, opts.Debug).Submit)

		dir := handlers.NewDirectoryHandler(svc.Identity, logger, opts.Debug)
		r.Mount("/specialties", dir.SpecialtyRoutes())
		r.Mount("/users", dir.UserRoutes())
		r.Mount("/doctors", dir.DoctorRoutes())
		r.Mount("/patients", dir.PatientRoutes())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Mount("/prescriptions", handlers.NewPrescriptionHandler(svc.Prescriptions, opts.Inbox, logger, opts.Debug).Routes())
			r.Mount("/appointments", handlers.NewAppointmentHandler(svc.Appointments, logger, opts.Debug).Routes())
			r.Mount("/payments", handlers.NewPaymentHandler(svc.Payments, logger, opts.Debug).Routes())
			r.Mount("/pharmacies", handlers.NewPharmacyHandler(svc.Identity, svc.Prescriptions, logger, opts.Debug).Routes())
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleDoctor))
			r.Mount("/medical-history", handlers.NewMedicalHistoryHandler(svc.MedicalHistory, logger, opts.Debug).Routes())
		})
	})
	return r
}
