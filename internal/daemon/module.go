package daemon

import (
	"context"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/ingest"
	"github.com/matheus3301/inline/internal/lock"
	"github.com/matheus3301/inline/internal/logging"
	"github.com/matheus3301/inline/internal/outbox"
	"github.com/matheus3301/inline/internal/presence"
	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/status"
	"github.com/matheus3301/inline/internal/store"
	intsync "github.com/matheus3301/inline/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	LogLevel    string
	SocketPath  string // optional override for testing; empty = use default
	IngestPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTracker,
			provideEngine,
			provideSender,
			provideIngest,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	level, err := logging.ParseLevel(p.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.WithLevel(level))
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("path", path),
		zap.Int64("current_user_id", cfg.CurrentUserID),
		zap.Int("queue_size", cfg.Engine.QueueSize))
	return cfg, nil
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(bus.WithLogger(logger))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon of the same session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
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

func provideTracker(b *bus.Bus) *presence.Tracker {
	return presence.NewTracker(b)
}

func provideEngine(cfg *config.Config, db *store.DB, b *bus.Bus, tracker *presence.Tracker, m *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, tracker, intsync.StaticUser(cfg.CurrentUserID), logger,
		intsync.WithQueueSize(cfg.Engine.QueueSize),
		intsync.WithStatus(m),
	)
}

func provideSender(cfg *config.Config, db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, engine, outbox.Handoff{Logger: logger}, b, logger,
		outbox.WithPollInterval(cfg.PollInterval()),
		outbox.WithUserID(cfg.CurrentUserID),
	)
}

// provideServer takes the lock so a second daemon never replaces the
// sockets of a running one.
func provideServer(p Params, _ *lock.Lock, logger *zap.Logger, m *status.Machine, b *bus.Bus) (*Server, error) {
	return NewServer(p, logger, m, b)
}

func provideIngest(p Params, _ *lock.Lock, cfg *config.Config, engine *intsync.Engine, sender *outbox.Sender, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) (*ingest.Server, error) {
	path := p.IngestPath
	if path == "" {
		path = session.IngestSocketPath(p.SessionName)
	}
	return ingest.NewServer(path, ingest.Deps{
		Engine:      engine,
		Outbox:      sender,
		Presence:    tracker,
		Bus:         b,
		WatchBuffer: cfg.Engine.NotifyBuffer,
	}, logger.Named("ingest"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, in *ingest.Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the writer before anything can submit batches.
			engine.Start(context.Background())

			// Start gRPC health server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Start ingest server in background.
			go func() {
				if err := in.Start(); err != nil {
					logger.Error("ingest server error", zap.Error(err))
				}
			}()

			// Start outbox sender.
			sender.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Stop accepting input first, then drain the writer.
			in.Stop(ctx)
			sender.Stop()
			engine.Stop()
			srv.Stop(ctx)
			b.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
