package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/ratelimit"
	"github.com/matheus3301/courier/internal/realtime"
	"github.com/matheus3301/courier/internal/receipts"
	"github.com/matheus3301/courier/internal/rpc"
	"github.com/matheus3301/courier/internal/session"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional override; nil = load config.toml
}

// Identity is the local user the daemon sends as.
type Identity struct {
	UserID string
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
			provideCredentials,
			provideIdentity,
			provideRPCClient,
			provideBatcher,
			provideSyncEngine,
			provideTransport,
			provideLimiter,
			provideWorker,
			provideMessageService,
			provideHealth,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(session.ConfigPath()); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")

	// Appended ahead of the store hook, so the lock outlives the open database.
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := l.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			return nil
		},
	})
	return l, nil
}

// provideStore depends on the lock so that only the lock holder opens the
// database.
func provideStore(lc fx.Lifecycle, p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	db.AttachBus(b)
	logger.Info("store initialized", zap.String("path", dbPath))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func provideCredentials(p Params) auth.Provider {
	return auth.NewFileProvider(session.TokenPath(p.SessionName))
}

func provideIdentity(cfg *config.Config, creds auth.Provider) (Identity, error) {
	id, err := auth.UserID(cfg.Server.UserID, creds)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: set server.user_id in %s", err, session.ConfigPath())
	}
	return Identity{UserID: id}, nil
}

func provideRPCClient(lc fx.Lifecycle, cfg *config.Config, creds auth.Provider, logger *zap.Logger) *rpc.Client {
	c := rpc.NewClient(rpc.Config{
		BaseURL: cfg.Server.APIURL,
		Timeout: cfg.Server.Timeout.Duration,
	}, creds, logger.Named("rpc"))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c
}

func provideBatcher(cfg *config.Config, client *rpc.Client, logger *zap.Logger) *receipts.Batcher {
	return receipts.New(client, receipts.Config{
		FlushDelay: cfg.Receipts.FlushDelay.Duration,
		BatchSize:  cfg.Receipts.BatchSize,
		MaxQueue:   cfg.Receipts.MaxQueue,
		MaxBackoff: cfg.Receipts.MaxBackoff.Duration,
	}, logger.Named("receipts"))
}

func provideSyncEngine(cfg *config.Config, db *store.DB, b *bus.Bus, client *rpc.Client, acks *receipts.Batcher, id Identity, logger *zap.Logger) *intsync.Engine {
	e := intsync.NewEngine(db, b, client, acks, id.UserID, logger.Named("sync"))
	e.SetSkew(cfg.Sync.ClockSkew.Duration)
	return e
}

func provideTransport(cfg *config.Config, creds auth.Provider, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *realtime.Transport {
	rc := realtime.DefaultConfig(cfg.Server.RealtimeURL)
	rc.ReconnectBase = cfg.Realtime.ReconnectBase.Duration
	rc.ReconnectMax = cfg.Realtime.ReconnectMax.Duration
	rc.ReconnectAttempts = cfg.Realtime.ReconnectAttempts
	t := realtime.New(rc, creds, engine, b, logger.Named("realtime"))
	// Without realtime the daemon runs degraded: no stream, catch-up by polling.
	t.SetDegraded(!cfg.Realtime.Enabled)
	return t
}

func provideLimiter(cfg *config.Config, logger *zap.Logger) *ratelimit.Limiter {
	return ratelimit.New(cfg.RateLimit.MinInterval.Duration, logger.Named("ratelimit"))
}

func provideWorker(cfg *config.Config, db *store.DB, client *rpc.Client, limiter *ratelimit.Limiter, transport *realtime.Transport, b *bus.Bus, logger *zap.Logger) *outbox.Worker {
	w := outbox.NewWorker(db, client, limiter, b, outbox.Config{
		Interval:    cfg.Delivery.Interval.Duration,
		BatchSize:   cfg.Delivery.BatchSize,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Concurrency: cfg.Delivery.Concurrency,
		BaseBackoff: cfg.Delivery.BaseBackoff.Duration,
		MaxBackoff:  cfg.Delivery.MaxBackoff.Duration,
	}, logger.Named("outbox"))
	if cfg.Realtime.Enabled {
		w.SetConnectivity(transport)
	}
	return w
}

func provideMessageService(db *store.DB, b *bus.Bus, worker *outbox.Worker, acks *receipts.Batcher, id Identity, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(db, b, worker, acks, id.UserID, logger.Named("api"))
}

func provideHealth(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *HealthReporter {
	return NewHealthReporter(db, b, cfg.Delivery.MaxAttempts, logger.Named("health"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	hr *HealthReporter,
	engine *intsync.Engine,
	transport *realtime.Transport,
	worker *outbox.Worker,
	batcher *receipts.Batcher,
	id Identity,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	var bg chan struct{}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Catch up on every connect (subscribes to connection.* bus events).
			engine.Start(runCtx)
			hr.Start(runCtx)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			transport.OnConnect(worker.Notify)
			worker.Start(runCtx)

			bg = make(chan struct{})
			if cfg.Realtime.Enabled {
				go func() {
					defer close(bg)
					if err := transport.ConnectWithRetry(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("realtime unavailable, will keep retrying", zap.Error(err))
					}
					every(runCtx, cfg.Realtime.KickInterval.Duration, transport.Kick)
				}()
			} else {
				logger.Info("realtime disabled, polling for updates",
					zap.Duration("interval", cfg.Sync.PollInterval.Duration))
				go func() {
					defer close(bg)
					every(runCtx, cfg.Sync.PollInterval.Duration, func() {
						if err := engine.CatchUp(runCtx); err != nil && runCtx.Err() == nil {
							logger.Warn("catch-up poll failed", zap.Error(err))
						}
					})
				}()
			}

			logger.Info("daemon started", zap.String("user_id", id.UserID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			transport.Disconnect()
			if bg != nil {
				<-bg
			}
			worker.Stop()
			if err := batcher.Flush(ctx); err != nil {
				logger.Warn("final receipt flush failed", zap.Error(err))
			}
			batcher.Close()
			engine.Stop()
			hr.Stop()
			srv.Stop(ctx)
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// every runs fn on each tick of interval until ctx ends. fn is never run
// when interval is not positive.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
