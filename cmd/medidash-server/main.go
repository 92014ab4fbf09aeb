package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medidash/medidash/internal/config"
	"github.com/medidash/medidash/internal/domain/healthrecord"
	"github.com/medidash/medidash/internal/domain/patient"
	"github.com/medidash/medidash/internal/platform/auth"
	"github.com/medidash/medidash/internal/platform/changefeed"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/metrics"
	"github.com/medidash/medidash/internal/platform/middleware"
	"github.com/medidash/medidash/internal/platform/notification"
	"github.com/medidash/medidash/internal/platform/sandbox"
	"github.com/medidash/medidash/internal/platform/validation"
	"github.com/medidash/medidash/internal/platform/websocket"
	"github.com/medidash/medidash/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medidash-server",
		Short: "MediDash doctor dashboard API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource prefers an on-disk directory so SQL can be changed without a
// rebuild; otherwise the embedded files are used.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnectAttempts: cfg.DBConnectTries,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			if !db.ValidClinicID(clinic) {
				return fmt.Errorf("invalid clinic identifier: %s", clinic)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("clinic", "default", "Clinic whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			if !db.ValidClinicID(clinic) {
				return fmt.Errorf("invalid clinic identifier: %s", clinic)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			statuses, err := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "default", "Clinic whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <id>",
		Short: "Create a clinic schema and apply all migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !db.ValidClinicID(id) {
				return fmt.Errorf("invalid clinic identifier: %s", id)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir))
			if err := db.CreateClinicSchema(ctx, pool, id, migrator); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Clinic %s ready in schema %s.\n", id, db.SchemaFor(id))
			return nil
		},
	})
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill a clinic with demo patients and health records",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			clinic, _ := flags.GetString("clinic")
			doctorID, _ := flags.GetString("doctor")
			doctorName, _ := flags.GetString("doctor-name")

			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.PatientCount, _ = flags.GetInt("patients")
			seedCfg.Seed, _ = flags.GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to seed demo data with ENV=production")
			}
			seedCfg.PhoneRegion = cfg.PhoneRegion
			logger := newLogger(cfg.Env, cmd.ErrOrStderr())

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateClinicSchema(ctx, pool, clinic, db.NewMigrator(pool, migrationSource(cfg.MigrationsDir))); err != nil {
				return err
			}

			feed := changefeed.NewLocalBus()
			defer feed.Close()
			validator := validation.New(cfg.PhoneRegion)
			patients := patient.NewService(patient.NewRepo(pool), db.NewTxManager(pool), validator, feed, logger)
			records := healthrecord.NewService(healthrecord.NewRepo(pool), validator, feed, logger)

			ctx = db.WithClinic(ctx, clinic)
			ctx = auth.WithActor(ctx, auth.Actor{ID: doctorID, DisplayName: doctorName, Roles: []string{auth.RoleDoctor}})

			res, err := sandbox.NewSeeder(seedCfg, logger).Run(ctx, patients, records)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d patient(s), %d history entries, %d prescription(s) in %s.\n",
					res.Patients, res.HistoryEntries, res.Prescriptions, res.Duration.Round(time.Millisecond))
			}
			return err
		},
	}
	cmd.Flags().String("clinic", "default", "Clinic to seed")
	cmd.Flags().String("doctor", "dev-doctor", "Owning doctor id")
	cmd.Flags().String("doctor-name", "Dev Doctor", "Owning doctor display name")
	cmd.Flags().Int("patients", 5, "Number of patients to create")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one")
	return cmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "medidash").Logger()
}

func newChangefeed(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (changefeed.Bus, error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("changefeed: in-process bus")
		return changefeed.NewLocalBus(), nil
	}
	bus, err := changefeed.NewRedisBus(ctx, changefeed.RedisConfig{URL: cfg.RedisURL}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("changefeed: redis")
	return bus, nil
}

func newMailer(cfg *config.Config) notification.EmailSender {
	if !cfg.MailEnabled() {
		return notification.NopSender{}
	}
	return notification.NewSMTPSender(notification.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthJWKSURL == "" && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// byPatientID adapts a uuid-keyed watch to the live hub's string ids.
func byPatientID[T any](watch func(context.Context, uuid.UUID) (<-chan T, error)) websocket.WatchFunc {
	return websocket.Adapt(func(ctx context.Context, patientID string) (<-chan T, error) {
		id, err := uuid.Parse(patientID)
		if err != nil {
			return nil, fmt.Errorf("invalid patient id %q", patientID)
		}
		return watch(ctx, id)
	})
}

// registerLiveViews exposes every dashboard tab plus the profile header.
func registerLiveViews(hub *websocket.Hub, patients *patient.Service, records *healthrecord.Service) {
	hub.Handle("profile", byPatientID(patients.Watch))
	for view, kind := range healthrecord.Views() {
		kind := kind
		hub.Handle(view, byPatientID(func(ctx context.Context, id uuid.UUID) (<-chan []*healthrecord.Record, error) {
			return records.Watch(ctx, id, kind)
		}))
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	migrator := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir))
	if err := db.CreateClinicSchema(ctx, pool, cfg.DefaultClinic, migrator); err != nil {
		logger.Fatal().Err(err).Str("clinic", cfg.DefaultClinic).Msg("failed to prepare default clinic")
	}

	feed, err := newChangefeed(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start changefeed")
	}
	defer feed.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("medidash")
	}

	validator := validation.New(cfg.PhoneRegion)

	patientSvc := patient.NewService(patient.NewRepo(pool), db.NewTxManager(pool), validator, feed, logger)
	patientSvc.SetMetrics(m)
	patientSvc.SetInviter(notification.NewInviter(newMailer(cfg), cfg.InviteURL, logger, m))

	recordSvc := healthrecord.NewService(healthrecord.NewRepo(pool), validator, feed, logger)
	recordSvc.SetMetrics(m)

	hub := websocket.NewHub(logger, m)
	registerLiveViews(hub, patientSvc, recordSvc)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{HSTS: cfg.IsProduction()}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Clinic-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	if m != nil {
		e.Use(m.Middleware())
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, db.Check{Name: "changefeed", Probe: feed.Ping}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMiddleware(cfg))
	// Live sessions outlast a request and must not pin a clinic connection.
	websocket.NewWebSocketHandler(hub, cfg.DefaultClinic, cfg.CORSOrigins).RegisterRoutes(apiV1)

	routes := apiV1.Group("", db.ClinicMiddleware(pool, cfg.DefaultClinic), middleware.RateLimit(rateLimitCfg))
	patient.NewHandler(patientSvc).RegisterRoutes(routes)
	healthrecord.NewHandler(recordSvc).RegisterRoutes(routes)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
