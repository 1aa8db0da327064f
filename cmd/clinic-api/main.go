// Command clinic-api serves the clinic REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmmsalud/clinic-api/internal/api"
	"github.com/cmmsalud/clinic-api/internal/api/handlers"
	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/config"
	"github.com/cmmsalud/clinic-api/internal/domain/appointment"
	"github.com/cmmsalud/clinic-api/internal/domain/contact"
	"github.com/cmmsalud/clinic-api/internal/domain/identity"
	"github.com/cmmsalud/clinic-api/internal/domain/medicalhistory"
	"github.com/cmmsalud/clinic-api/internal/domain/payment"
	"github.com/cmmsalud/clinic-api/internal/domain/prescription"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/postgres"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/smtp"
	"github.com/cmmsalud/clinic-api/internal/observability/metrics"
	"github.com/cmmsalud/clinic-api/internal/observability/tracing"
	"github.com/cmmsalud/clinic-api/pkg/circuitbreaker"
	"github.com/cmmsalud/clinic-api/pkg/idempotency"
	"github.com/cmmsalud/clinic-api/pkg/workerpool"
)

const serviceName = "clinic-api"

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "CMM Salud clinic administration API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			pool, err := postgres.NewPool(ctx, cfg.Pool())
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := postgres.Migrate(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create stock specialties and, optionally, demo accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			demo, _ := cmd.Flags().GetBool("demo-accounts")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if demo && !cfg.IsDev() {
				return fmt.Errorf("demo accounts are only seeded with ENV=development")
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			pool, err := postgres.NewPool(ctx, cfg.Pool())
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := identity.NewService(identity.NewRepository(pool, logger), cfg.Hasher(), nil, logger)
			res, err := svc.Seed(ctx, demo)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d specialt(ies) and %d account(s).\n", res.Specialties, res.Accounts)
			return nil
		},
	}
	cmd.Flags().Bool("demo-accounts", false, "Also create the admin, secretary, doctor and patient demo logins")
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName, version))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(sctx)
		}()
	}

	pool, err := postgres.NewPool(ctx, cfg.Pool())
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New()

	breakers := circuitbreaker.NewManager(logger, circuitbreaker.OnStateChange(m.BreakerStateChanged))
	smtpBreaker, err := breakers.GetOrCreate("smtp", circuitbreaker.DefaultConfig("smtp"))
	if err != nil {
		return err
	}
	smtpCfg := cfg.SMTP()
	if err := smtpCfg.Validate(); err != nil {
		logger.Warn("contact emails will not be delivered", zap.Error(err))
	}
	mail, err := contact.NewMailQueue(smtp.NewSender(smtpCfg, smtpBreaker, logger), workerpool.DefaultConfig(), smtp.IsPermanent, logger)
	if err != nil {
		return err
	}
	mail.Start()
	defer func() {
		if err := mail.Stop(); err != nil {
			logger.Warn("mail queue stop", zap.Error(err))
		}
	}()

	inbox := idempotency.NewInbox(idempotency.NewPGStore(pool), idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	tokens := auth.NewTokenService(cfg.Tokens())
	hasher := cfg.Hasher()

	identityRepo := identity.NewRepository(pool, logger)
	svc := api.Services{
		Auth:           identity.NewAuthService(identityRepo, identityRepo, tokens, hasher, nil, logger),
		Identity:       identity.NewService(identityRepo, hasher, nil, logger),
		Prescriptions:  prescription.NewService(prescription.NewRepository(pool, logger), nil, logger, prescription.WithRecorder(m)),
		Appointments:   appointment.NewService(appointment.NewRepository(pool, logger), nil, logger),
		Payments:       payment.NewService(payment.NewRepository(pool, logger), nil, logger),
		MedicalHistory: medicalhistory.NewService(medicalhistory.NewRepository(pool, logger), nil, logger),
		Contact:        contact.NewService(contact.NewRepository(pool), mail, nil, logger),
	}

	health := handlers.NewHealthHandler(version, breakers)
	health.AddCheck("database", pool.Ping)
	health.AddCheck("mail_queue", func(context.Context) error {
		if !mail.Healthy() {
			return errors.New("mail queue saturated")
		}
		return nil
	})

	router := api.NewRouter(svc, api.Options{
		ServiceName:    serviceName,
		Debug:          cfg.IsDev(),
		CORSOrigins:    cfg.CORSOrigins,
		Tokens:         tokens,
		Inbox:          inbox,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		Health:         health,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
