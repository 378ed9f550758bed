package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bohemiyan/agenda"
	"github.com/bohemiyan/agenda/internal/auth"
	"github.com/bohemiyan/agenda/internal/config"
	"github.com/bohemiyan/agenda/internal/db"
	"github.com/bohemiyan/agenda/internal/db/migrations"
	"github.com/bohemiyan/agenda/internal/routes"
	"github.com/bohemiyan/agenda/zapLogger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const tokenIssuer = "agenda"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime holds the connections shared by every command. The caller must
// defer close().
type runtime struct {
	cfg     *config.Config
	pg      *db.PostgresDB
	redis   *redis.Client
	svc     *agenda.Service
	logFile *os.File
}

func (r *runtime) close() {
	if r.redis != nil {
		r.redis.Close()
	}
	if r.pg != nil {
		if err := r.pg.Close(); err != nil {
			zapLogger.Log.Warnw("failed to close database", "error", err)
		}
	}
	zapLogger.Log.Sync()
	if r.logFile != nil {
		r.logFile.Close()
	}
}

// newRuntime reads the config and opens the database. With checkSchema the
// schema must already be at the latest migration.
func newRuntime(ctx context.Context, checkSchema bool) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	r := &runtime{cfg: cfg}
	r.logFile = zapLogger.Init(zapLogger.Options{Level: cfg.Log.Level, File: cfg.Log.File})

	r.pg, err = db.NewPostgresDB(cfg)
	if err != nil {
		r.close()
		return nil, err
	}
	zapLogger.Log.Infow("connected to PostgreSQL", "host", cfg.Postgres.Host, "db", cfg.Postgres.DB)

	if checkSchema {
		if err := migrations.CheckDBMigrationStatus(r.pg.DB); err != nil {
			r.close()
			return nil, fmt.Errorf("schema check failed (run `agenda migrate`): %w", err)
		}
	}

	r.redis, err = db.NewRedisClient(ctx, cfg)
	if err != nil {
		r.close()
		return nil, err
	}
	if r.redis == nil {
		zapLogger.Log.Info("redis not configured, access cache disabled")
	}

	r.svc, err = agenda.NewService(agenda.Config{
		DB:          r.pg.GormDB,
		RedisClient: r.redis,
		CacheTTL:    cfg.CacheTTL,
		Logger:      zapLogger.Log,
		Hasher:      auth.BcryptHasher{Cost: cfg.Auth.BcryptCost},
	})
	if err != nil {
		r.close()
		return nil, fmt.Errorf("initializing service: %w", err)
	}
	return r, nil
}

var rootCmd = &cobra.Command{
	Use:          "agenda",
	Short:        "Shared calendars, incidents and an undoable audit log",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := newRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer r.close()

		if err := r.cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		app := routes.NewApp(routes.Options{
			Service:   r.svc,
			Tokens:    auth.NewTokenService([]byte(r.cfg.Auth.JWTSecret), tokenIssuer, r.cfg.Auth.TokenTTL),
			Logger:    zapLogger.Log,
			AccessLog: r.logFile,
			LogAccess: true,
		})

		if r.cfg.Audit.RetentionDays > 0 {
			go runRetention(ctx, r.svc, r.cfg.Audit.RetentionDays)
		}

		errCh := make(chan error, 1)
		go func() {
			addr := fmt.Sprintf(":%d", r.cfg.AppPort)
			zapLogger.Log.Infof("Server started on port %d", r.cfg.AppPort)
			errCh <- app.Listen(addr)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		zapLogger.Log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	},
}

// runRetention purges expired audit entries once at startup and then daily.
func runRetention(ctx context.Context, svc *agenda.Service, days int) {
	purge := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		if _, err := svc.DeleteAuditLogsOlderThan(ctx, nil, cutoff); err != nil {
			zapLogger.Log.Warnw("audit retention failed", "error", err)
		}
	}

	purge()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer r.close()

		if err := migrations.MigrateUp(r.pg.DB); err != nil {
			return err
		}
		latest, err := migrations.LatestVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Schema is at version %d\n", latest)
		return nil
	},
}

var bootstrapEmail string

var bootstrapAdminCmd = &cobra.Command{
	Use:   "bootstrap-admin",
	Short: "Make an existing user the first super administrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bootstrapEmail == "" {
			return fmt.Errorf("--email is required")
		}
		r, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer r.close()

		admin, err := r.svc.BootstrapSuperAdmin(cmd.Context(), bootstrapEmail)
		if err != nil {
			return err
		}
		fmt.Printf("User %d is now a super administrator\n", admin.UserID)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Maintain the audit log",
}

var purgeOlderThan int

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit entries older than a number of days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThan <= 0 {
			return fmt.Errorf("--older-than must be a positive number of days")
		}
		r, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer r.close()

		cutoff := time.Now().UTC().AddDate(0, 0, -purgeOlderThan)
		n, err := r.svc.DeleteAuditLogsOlderThan(cmd.Context(), nil, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d audit entries created before %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop every cached access level",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer r.close()
		return r.svc.ClearAllCache(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AGENDA_CONFIG"), "path to a TOML config file")

	bootstrapAdminCmd.Flags().StringVar(&bootstrapEmail, "email", "", "email of the user to promote")
	auditPurgeCmd.Flags().IntVar(&purgeOlderThan, "older-than", 0, "age in days")

	auditCmd.AddCommand(auditPurgeCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, bootstrapAdminCmd, auditCmd, cacheCmd)
}
