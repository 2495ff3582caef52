// Package vault initializes and runs the secret vault service: it opens the
// database, applies migrations, wires the services together, and runs the
// share-expiry sweeper until shutdown.
package vault

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/opsapi/secretvault/internal/config"
	"github.com/opsapi/secretvault/internal/cryptox"
	"github.com/opsapi/secretvault/internal/logging"
	"github.com/opsapi/secretvault/internal/vault/repositories/repomanager"
	"github.com/opsapi/secretvault/internal/vault/services"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// App bundles the wired services and the resources they share.
type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	rm     repomanager.RepositoryManager

	Vaults  *services.VaultService
	Secrets *services.SecretService
	Shares  *services.ShareService
	Audit   *services.AuditService
	Export  *services.ExportService

	sweeper *services.Sweeper
}

// NewApp opens the database and wires all services. Call Run to apply
// migrations and start background work, and Close when done.
func NewApp(cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	kdf := cryptox.NewPool(cfg.KDFMaxConcurrent)

	audit := services.NewAuditService(db, rm, logger)
	vaults := services.NewVaultService(db, rm, audit, kdf, cfg.KDFIterations, cfg.SessionTTL, logger)
	secrets := services.NewSecretService(db, rm, audit, logger)
	shares := services.NewShareService(db, rm, audit, logger)
	export := services.NewExportService(db, rm, audit, cfg, logger)
	sweeper := services.NewSweeper(shares, cfg.SweepInterval, logger)

	return &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		rm:      rm,
		Vaults:  vaults,
		Secrets: secrets,
		Shares:  shares,
		Audit:   audit,
		Export:  export,
		sweeper: sweeper,
	}, nil
}

// Logger exposes the app logger for command-line wrappers.
func (app *App) Logger() logging.Logger {
	return app.logger
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Migrate applies pending schema migrations.
func (app *App) Migrate(ctx context.Context) error {
	return app.rm.RunMigrations(ctx, app.db)
}

// Run applies migrations and blocks running the sweeper until the context is
// cancelled or a termination signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting vault service")

	if err := app.Migrate(ctx); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweeper.Run(ctx)
	}()
	wg.Wait()

	app.logger.Info(ctx, "vault service stopped")
	return nil
}

// Close releases the database connection.
func (app *App) Close() error {
	return app.db.Close()
}
