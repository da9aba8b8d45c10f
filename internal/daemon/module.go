package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/config"
	"github.com/matheus3301/driftsync/internal/lock"
	"github.com/matheus3301/driftsync/internal/logging"
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/remote/ws"
	"github.com/matheus3301/driftsync/internal/store"
	intsync "github.com/matheus3301/driftsync/internal/sync"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(filepath.Join(cfg.DataDir, "driftsyncd.log"), cfg.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(cfg.DataDir, "driftsync.db")
	db, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideRemote returns both the concrete client (for lifecycle) and the
// remote.Store the coordinator depends on.
func provideRemote(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*ws.Client, remote.Store) {
	client := ws.New(cfg.RemoteURL, b, logger.Named("ws"))
	return client, client
}

func provideCoordinator(db *store.DB, rs remote.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	tun := intsync.Tunables{
		Interval:          cfg.Sync.Interval(),
		PushDebounce:      cfg.Sync.PushDebounce(),
		ReconcileDebounce: cfg.Sync.ReconcileDebounce(),
		SameWriteWindow:   cfg.Sync.SameWriteWindow(),
		EntityPolicy:      cfg.Sync.EntityPolicy(),
		FeedPolicy:        cfg.Sync.FeedPolicy(),
	}
	return intsync.New(db, rs, cfg.UserID, b, tun, logger.Named("sync"))
}

func registerLifecycle(lc fx.Lifecycle, client *ws.Client, coord *intsync.Coordinator, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			client.Connect(context.Background())
			coord.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			coord.Stop()
			client.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
