package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/events"
	v1 "github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/handler/v1"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/lifecycle"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/repository"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/database"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/logger"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/metrics"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/tracer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "medflow-erx",
		Short:         "E-prescribing lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), migrateCmd(), expireCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads config and the logger shared by every subcommand.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.New(cfg.Log, cfg.App)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runServer(cmd.Context(), cfg, log)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.Connect(cfg.Database, log)
			if err != nil {
				return err
			}
			defer database.Close(db, log)

			return database.Migrate(db, log)
		},
	}
}

func expireCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire active prescriptions whose course has ended and whose refills are used",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.Connect(cfg.Database, log)
			if err != nil {
				return err
			}
			defer database.Close(db, log)

			pub, err := newPublisher(cfg.Kafka, log)
			if err != nil {
				return err
			}
			defer pub.Close()

			m := metrics.NewCollector(metricsNamespace(cfg.App.Name), prometheus.NewRegistry())
			network := erx.New(cfg.PharmacyNetwork, m, log)
			engine := newEngine(cfg, db, network, pub, m, log)

			n, err := engine.ExpireDue(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("expiring prescriptions: %w", err)
			}
			log.Info("expiry sweep finished", zap.Int("expired", n), zap.Int("limit", limit))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum prescriptions to expire in one run")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role      string
		userID    string
		staffID   string
		patientID string
		email     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.App.Environment == "production" {
				return errors.New("token issuing is disabled in production")
			}

			claims := &domain.Claims{Role: domain.Role(role), Email: email}
			if !claims.Role.IsValid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if claims.UserID, err = parseOptionalUUID(userID); err != nil {
				return fmt.Errorf("--user-id: %w", err)
			}
			if claims.UserID == uuid.Nil {
				claims.UserID = uuid.New()
			}
			if staffID != "" {
				id, err := uuid.Parse(staffID)
				if err != nil {
					return fmt.Errorf("--staff-id: %w", err)
				}
				claims.StaffID = &id
			}
			if patientID != "" {
				id, err := uuid.Parse(patientID)
				if err != nil {
					return fmt.Errorf("--patient-id: %w", err)
				}
				claims.PatientID = &id
			}

			token, expiresAt, err := auth.NewJWTManager(cfg.JWT).Issue(claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), "expires", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleDoctor), "admin, doctor, nurse, receptionist or patient")
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject user id (random when empty)")
	cmd.Flags().StringVar(&staffID, "staff-id", "", "Staff record id for clinical roles")
	cmd.Flags().StringVar(&patientID, "patient-id", "", "Patient id for the patient role")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	tp, err := tracer.Init(ctx, cfg.Tracing, cfg.App.Version)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(metricsNamespace(cfg.App.Name), reg)

	pub, err := newPublisher(cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	network := erx.New(cfg.PharmacyNetwork, m, log)
	engine := newEngine(cfg, db, network, pub, m, log)

	auditSvc := service.NewAuditService(repository.NewAuditRepository(db), m, log)
	svc := service.NewPrescriptionService(
		engine,
		repository.NewPrescriptionRepository(db),
		repository.NewPatientRepository(db),
		network,
		auditSvc,
		log,
	)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := v1.NewRouter(v1.RouterDeps{
		Config:        cfg,
		Log:           log,
		Metrics:       m,
		Tokens:        auth.NewJWTManager(cfg.JWT),
		Prescriptions: v1.NewPrescriptionHandler(svc),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.App.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	// Audit entries queued by in-flight requests are flushed after the server stops accepting.
	auditSvc.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("flushing traces", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

type closablePublisher interface {
	lifecycle.Publisher
	Close() error
}

func newPublisher(cfg config.KafkaConfig, log *zap.Logger) (closablePublisher, error) {
	if !cfg.Enabled {
		return events.Nop{}, nil
	}
	if cfg.Topic == "" {
		return nil, errors.New("KAFKA_PRESCRIPTION_TOPIC is required when Kafka is enabled")
	}
	log.Info("publishing lifecycle events", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return events.NewKafkaPublisher(cfg), nil
}

func newEngine(cfg *config.Config, db *gorm.DB, network lifecycle.Network, pub lifecycle.Publisher, m *metrics.Collector, log *zap.Logger) *lifecycle.Engine {
	return lifecycle.NewEngine(
		repository.NewPrescriptionRepository(db),
		repository.NewPatientRepository(db),
		network,
		log,
		lifecycle.WithPublisher(pub),
		lifecycle.WithMetrics(m),
		lifecycle.WithInteractionScope(lifecycle.InteractionScope(cfg.PharmacyNetwork.InteractionScope)),
		lifecycle.WithPublishTimeout(cfg.Kafka.PublishTimeout),
	)
}

func metricsNamespace(appName string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(appName)
}

func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
