package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cardwatch/internal/config"
	"cardwatch/internal/scheduler"
	"cardwatch/internal/scraper"
	"cardwatch/internal/storage"
	"cardwatch/internal/syncer"
	"cardwatch/internal/trigger"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newBackend() scraper.Backend {
	return scraper.NewClient(scraper.Options{
		BaseURL:         a.Config.Scraper.BaseURL,
		Timeout:         a.Config.Scraper.RequestTimeout,
		JobPollInterval: a.Config.Scraper.JobPollInterval,
		JobWaitCeiling:  a.Config.Scraper.JobWaitCeiling,
		UserAgent:       a.Config.Scraper.UserAgent,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newOrchestrator(store *storage.Store) *syncer.Orchestrator {
	return syncer.New(store, a.newBackend(), syncer.Options{
		Location: a.Config.Location(),
		Defaults: storage.PolicySettings{
			GloballyEnabled:          a.Config.Policy.Enabled,
			BatchSizePerCycle:        a.Config.Policy.BatchSizePerCycle,
			JitterMinPercent:         a.Config.Policy.JitterMinPercent,
			JitterMaxPercent:         a.Config.Policy.JitterMaxPercent,
			IntervalLevelsMinutes:    a.Config.Policy.IntervalLevelsMinutes,
			NoChangeLevelUpThreshold: a.Config.Policy.NoChangeLevelUpThreshold,
			DedupToleranceMinutes:    int(a.Config.Policy.DedupTolerance / time.Minute),
		},
	}, a.Logger)
}

// Run hosts the trigger endpoint and, when enabled, the built-in cadence.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	orch := a.newOrchestrator(store)

	if a.Config.Trigger.AuthToken == "" {
		a.Logger.Warn().Msg("trigger.auth_token not configured; all trigger calls will be rejected")
	}

	if a.Config.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)

		go func() {
			err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
				_, cycleErr := orch.RunCycle(ctx)
				return cycleErr
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("built-in scheduler stopped with error")
			}
		}()
	}

	srv := trigger.NewServer(trigger.Options{
		ListenAddr:   a.Config.Trigger.ListenAddr,
		AuthToken:    a.Config.Trigger.AuthToken,
		ReadTimeout:  a.Config.Trigger.ReadTimeout,
		WriteTimeout: a.Config.Trigger.WriteTimeout,
	}, orch, a.Logger)

	a.Logger.Info().Msg("starting sync service")
	err = srv.ListenAndServe(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sync service stopped")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	ItemID    int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
