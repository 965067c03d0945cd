package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rxscan/rxscan/internal/config"
	"github.com/rxscan/rxscan/internal/coverage"
	"github.com/rxscan/rxscan/internal/domain/opportunity"
	"github.com/rxscan/rxscan/internal/domain/patient"
	"github.com/rxscan/rxscan/internal/domain/pharmacy"
	"github.com/rxscan/rxscan/internal/domain/prescription"
	"github.com/rxscan/rxscan/internal/domain/trigger"
	"github.com/rxscan/rxscan/internal/evaluator"
	"github.com/rxscan/rxscan/internal/ingest"
	"github.com/rxscan/rxscan/internal/platform/db"
	"github.com/rxscan/rxscan/internal/platform/jobs"
	"github.com/rxscan/rxscan/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rxscan-server",
		Short: "Pharmacy opportunity scanning engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(scanCoverageCmd())
	rootCmd.AddCommand(seedTriggersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles the wired services so the serve and job commands share one
// construction path.
type engine struct {
	cfg  *config.Config
	pool *pgxpool.Pool

	pharmacies    pharmacy.Repository
	triggers      *trigger.Service
	opportunities *opportunity.Service
	ingest        *ingest.Service
	evaluator     *evaluator.Service
	coverage      *coverage.Service
}

func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	pharmacyRepo := pharmacy.NewRepoPG(pool)
	patientRepo := patient.NewRepoPG(pool)
	fillRepo := prescription.NewRepoPG(pool)
	triggerRepo := trigger.NewRepoPG(pool)
	binValueRepo := trigger.NewBinValueRepoPG(pool)
	opportunityRepo := opportunity.NewRepoPG(pool)
	logRepo := ingest.NewLogRepoPG(pool)
	locker := jobs.NewLocker()

	return &engine{
		cfg:           cfg,
		pool:          pool,
		pharmacies:    pharmacyRepo,
		triggers:      trigger.NewService(triggerRepo, binValueRepo),
		opportunities: opportunity.NewService(opportunityRepo, pool),
		ingest:        ingest.NewService(patientRepo, fillRepo, logRepo, locker),
		evaluator:     evaluator.NewService(pharmacyRepo, fillRepo, triggerRepo, binValueRepo, opportunityRepo, locker),
		coverage:      coverage.NewService(triggerRepo, binValueRepo, fillRepo, opportunityRepo, pool, locker),
	}, nil
}

func (e *engine) close() {
	e.pool.Close()
}

func (e *engine) coverageOptions() coverage.Options {
	return coverage.Options{
		MinClaims:    e.cfg.MinClaims,
		DaysBack:     e.cfg.CoverageDaysBack,
		MinMargin:    e.cfg.MinMargin,
		DMEMinMargin: e.cfg.DMEMinMargin,
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

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer eng.close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", db.HealthHandler(eng.pool))

	api := e.Group("/api")
	pharmacy.NewHandler(eng.pharmacies).RegisterRoutes(api)
	trigger.NewHandler(eng.triggers).RegisterRoutes(api)
	opportunity.NewHandler(eng.opportunities).RegisterRoutes(api)
	ingest.NewHandler(eng.ingest, eng.evaluator, eng.cfg.LookbackDays).RegisterRoutes(api)
	coverage.NewHandler(eng.coverage, eng.coverageOptions()).RegisterRoutes(api)

	if eng.cfg.CoverageScanHours > 0 {
		interval := time.Duration(eng.cfg.CoverageScanHours) * time.Hour
		go jobs.Nightly(ctx, interval, logger, "coverage-scan", func(ctx context.Context) error {
			_, err := eng.coverage.ScanAll(ctx, eng.coverageOptions())
			return err
		})
		logger.Info().Dur("interval", interval).Msg("coverage scan scheduled")
	}

	go func() {
		addr := ":" + eng.cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <pharmacy-id> <file>",
		Short: "Load a claims export for a pharmacy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pharmacyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pharmacy id %q", args[0])
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			ctx := context.Background()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			summary, err := eng.ingest.Ingest(ctx, pharmacyID, data, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %s: %d received, %d processed, %d failed (%s)\n",
				args[1], summary.Received, summary.Processed, summary.Failed, summary.Status)
			for _, e := range summary.Errors {
				fmt.Println("  -", e)
			}
			return nil
		},
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <pharmacy-id>",
		Short: "Run trigger evaluation for a pharmacy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pharmacyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pharmacy id %q", args[0])
			}
			lookback, _ := cmd.Flags().GetInt("lookback-days")

			ctx := context.Background()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			if lookback <= 0 {
				lookback = eng.cfg.LookbackDays
			}
			result, err := eng.evaluator.Scan(ctx, pharmacyID, lookback)
			if err != nil {
				return err
			}
			fmt.Printf("Evaluation done: %d created, %d duplicates skipped\n",
				result.Created, result.SkippedDuplicates)
			return nil
		},
	}
	cmd.Flags().Int("lookback-days", 0, "Dispense history window in days (default from config)")
	return cmd
}

func scanCoverageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan-coverage",
		Short: "Rescan insurance coverage for all enabled triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			opts := eng.coverageOptions()
			if v, _ := cmd.Flags().GetInt("min-claims"); v > 0 {
				opts.MinClaims = v
			}
			if v, _ := cmd.Flags().GetInt("days-back"); v > 0 {
				opts.DaysBack = v
			}
			if v, _ := cmd.Flags().GetFloat64("min-margin"); v > 0 {
				opts.MinMargin = v
			}
			if v, _ := cmd.Flags().GetFloat64("dme-min-margin"); v > 0 {
				opts.DMEMinMargin = v
			}

			report, err := eng.coverage.ScanAll(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Scanned %d trigger(s): %d verified, %d disabled, %d row(s) written, %d opportunity(ies) updated\n",
				report.TriggersScanned, report.TriggersVerified, report.TriggersDisabled,
				report.RowsWritten, report.OpportunitiesUpdated)
			for _, nm := range report.NoMatch {
				fmt.Printf("  no match %s: %s\n", nm.Code, nm.Reason)
			}
			for _, e := range report.Errors {
				fmt.Println("  error:", e)
			}
			return nil
		},
	}
	cmd.Flags().Int("min-claims", 0, "Minimum claims per insurance key")
	cmd.Flags().Int("days-back", 0, "Claims window in days")
	cmd.Flags().Float64("min-margin", 0, "Minimum 30-day GP in dollars")
	cmd.Flags().Float64("dme-min-margin", 0, "Minimum 30-day GP for NDC optimization rules")
	return cmd
}

func seedTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-triggers <file>",
		Short: "Load trigger definitions from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			count, err := eng.triggers.SeedFromFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d trigger(s).\n", count)
			return nil
		},
	}
}
