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
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/uwcirg/true-nth-usa-portal/internal/config"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/assessment"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/research"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/trigger"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/auth"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/batch"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/middleware"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portal-server",
		Short:        "Questionnaire scheduling and assessment API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(timelineCmd())
	root.AddCommand(triggersCmd())
	root.AddCommand(cacheCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	e := newEcho(a)
	logger := a.logger
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("env", a.cfg.Env).Msg("starting server")
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
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(a.checks))

	api := e.Group("/api/v1")
	if a.cfg.IsDev() && a.cfg.AuthSigningKey == "" {
		a.logger.Warn().Msg("development auth enabled, unauthenticated requests act as admin")
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}
	if a.cfg.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			BurstSize:         a.cfg.RateLimitBurst,
		})
		limiter.StartCleanup(a.ctx, time.Minute)
		api.Use(limiter.Middleware())
	}

	research.NewHandler(a.research).RegisterRoutes(api)
	qbank.NewHandler(a.qbank).RegisterRoutes(api)
	response.NewHandler(a.responses).RegisterRoutes(api)
	timeline.NewHandler(a.timeline).RegisterRoutes(api)
	assessment.NewHandler(a.assessment).RegisterRoutes(api)
	trigger.NewHandler(a.triggers).RegisterRoutes(api)
	return e
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
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
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.NewMigrator(pool, dir, newLogger("development", os.Stderr)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir, newLogger("development", os.Stderr)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load research protocols and questionnaire banks from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			return withApp(func(ctx context.Context, a *app) error {
				if path == "" {
					path = a.cfg.SeedFile
				}
				if path == "" {
					return fmt.Errorf("--file or SEED_FILE is required")
				}
				f, err := qbank.LoadSeedFile(path)
				if err != nil {
					return err
				}
				res, err := a.qbank.ApplySeed(ctx, f, a.research)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d protocol(s) and %d questionnaire bank(s).\n", res.Protocols, res.Banks)
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "Seed file (defaults to SEED_FILE)")
	return cmd
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Maintain participant visit timelines",
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the timeline of one or every participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUser, _ := cmd.Flags().GetString("user")
			keep, _ := cmd.Flags().GetBool("append")
			return withApp(func(ctx context.Context, a *app) error {
				ids, err := targetUsers(ctx, rawUser, a.research.ParticipantIDs)
				if err != nil {
					return err
				}
				report := a.timeline.RefreshAll(ctx, ids, !keep)
				printReport(cmd, report)
				return report.Err()
			})
		},
	}
	refresh.Flags().String("user", "", "Refresh only this participant")
	refresh.Flags().Bool("append", false, "Keep existing cached derivations")
	cmd.AddCommand(refresh)
	return cmd
}

func triggersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Process questionnaire trigger workflows",
	}
	fire := &cobra.Command{
		Use:   "fire",
		Short: "Send pending trigger emails and staff reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("as-of")
			asOf, err := parseAsOf(raw, time.Now())
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				report, err := a.triggers.FireTriggerEvents(ctx, asOf)
				if err != nil {
					return err
				}
				printReport(cmd, report)
				return report.Err()
			})
		},
	}
	fire.Flags().String("as-of", "", "Evaluate reminders as of this RFC 3339 instant (default now)")
	cmd.AddCommand(fire)
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the assessment status cache",
	}
	advance := &cobra.Command{
		Use:   "advance-epoch",
		Short: "Move the status cache epoch forward, invalidating cached summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("to")
			to, err := parseAsOf(raw, time.Now())
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				epoch, err := a.assessment.AdvanceEpoch(ctx, to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Status cache epoch is now %s.\n", epoch.At.Format(time.RFC3339))
				return nil
			})
		},
	}
	advance.Flags().String("to", "", "New epoch as an RFC 3339 instant (default now)")
	cmd.AddCommand(advance)
	return cmd
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

// targetUsers returns the single participant named by raw, or every
// participant when raw is empty.
func targetUsers(ctx context.Context, raw string, all func(context.Context) ([]uuid.UUID, error)) ([]uuid.UUID, error) {
	if raw == "" {
		return all(ctx)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --user: %w", err)
	}
	return []uuid.UUID{id}, nil
}

// parseAsOf parses an RFC 3339 instant, defaulting to now when raw is empty.
func parseAsOf(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func printReport(cmd *cobra.Command, r *batch.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: processed %d, failed %d in %s\n", r.Job, r.Processed, len(r.Failures), r.Elapsed.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(out, "  %s: %s\n", f.UserID, f.Error)
	}
	if r.Canceled {
		fmt.Fprintln(out, "  canceled before completion")
	}
}
