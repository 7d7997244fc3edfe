package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/connectivity"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/logging"
	"github.com/matheus3301/wppsync/internal/outbox"
	"github.com/matheus3301/wppsync/internal/remote"
	"github.com/matheus3301/wppsync/internal/scheduler"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/store/boltstore"
	wsync "github.com/matheus3301/wppsync/internal/sync"
	"github.com/matheus3301/wppsync/internal/telemetry"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Job names registered with the scheduler.
const (
	PeriodicDrainJob  = "sync_pending_messages"
	ImmediateDrainJob = "sync_pending_messages_now"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.wppsync/config.toml
	Debug       bool
}

// Backend is a pending-message store that also persists scheduler jobs.
type Backend interface {
	outbox.Store
	scheduler.Registry
	Close() error
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideBackend,
			provideQueue,
			provideAdapter,
			provideConnectionSource,
			provideSource,
			provideObserver,
			provideSender,
			provideEngine,
			provideScheduler,
			provideOutboxService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(session.ConfigPath())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideBackend opens the configured store, which migrates it and recovers
// entries a crashed process left in the sending state. It depends on the
// lock so only the lock holder touches the files.
func provideBackend(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (Backend, error) {
	ctx := context.Background()
	var (
		backend Backend
		opened  store.Opened
		path    string
	)
	switch cfg.Store.Backend {
	case "bolt":
		path = session.OutboxBoltPath(p.SessionName)
		st, res, err := boltstore.OpenOutbox(ctx, path)
		if err != nil {
			return nil, err
		}
		backend, opened = st, res
	default:
		path = session.OutboxDBPath(p.SessionName)
		db, res, err := store.OpenOutbox(ctx, path)
		if err != nil {
			return nil, err
		}
		backend, opened = db, res
		if res.Migration.Changed {
			logger.Info("migrations applied", zap.Uint("version", res.Migration.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", res.Migration.Version))
		}
	}
	if opened.Reconciled > 0 {
		logger.Warn("reconciled interrupted sends", zap.Int("count", opened.Reconciled))
	}
	logger.Info("store initialized", zap.String("backend", cfg.Store.Backend), zap.String("path", path))
	return backend, nil
}

func provideQueue(backend Backend, b *bus.Bus, logger *zap.Logger) (*outbox.Queue, error) {
	q := outbox.NewQueue(backend, b, logger)
	if _, err := q.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// provideAdapter returns nil unless the WhatsApp transport is selected.
func provideAdapter(p Params, cfg *config.Config, logger *zap.Logger) (*wa.Adapter, error) {
	if cfg.API.Transport != "whatsapp" {
		return nil, nil
	}
	return wa.NewAdapter(context.Background(), session.SessionDBPath(p.SessionName), logger)
}

func provideConnectionSource(logger *zap.Logger) *wa.ConnectionSource {
	return wa.NewConnectionSource(logger)
}

func provideSource(cfg *config.Config, conn *wa.ConnectionSource) connectivity.Source {
	c := cfg.Connectivity
	switch c.Mode {
	case "static":
		return connectivity.NewStaticSource(connectivity.Online)
	case "whatsapp":
		return conn
	default:
		return connectivity.NewProbeSource(c.ProbeAddress, c.ProbeInterval.Duration, c.ProbeTimeout.Duration)
	}
}

func provideObserver(src connectivity.Source, b *bus.Bus, logger *zap.Logger) *connectivity.Observer {
	return connectivity.NewObserver(context.Background(), src, b, logger)
}

func provideSender(cfg *config.Config, adapter *wa.Adapter, logger *zap.Logger) (wsync.Sender, error) {
	if cfg.API.Transport == "whatsapp" {
		return adapter, nil
	}
	c, err := remote.New(remote.Options{
		BaseURL:         cfg.API.BaseURL,
		Token:           cfg.API.Token,
		Timeout:         cfg.Sync.SendTimeout.Duration,
		RatePerSecond:   cfg.API.RatePerSecond,
		Burst:           cfg.API.Burst,
		BreakerFailures: cfg.API.Breaker.Failures,
		BreakerTimeout:  cfg.API.Breaker.Timeout.Duration,
	}, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func provideEngine(cfg *config.Config, q *outbox.Queue, sender wsync.Sender, m *status.Machine, o *connectivity.Observer, b *bus.Bus, logger *zap.Logger) *wsync.Engine {
	return wsync.NewEngine(q, sender, m, o, b, logger,
		wsync.WithBatchSize(cfg.Sync.BatchSize),
		wsync.WithBackoff(cfg.Sync.BaseDelay.Duration, cfg.Sync.MaxDelay.Duration),
		wsync.WithSendTimeout(cfg.Sync.SendTimeout.Duration),
	)
}

func provideScheduler(cfg *config.Config, backend Backend, o *connectivity.Observer, b *bus.Bus, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(backend, o, b, logger,
		scheduler.WithRetry(cfg.Schedule.RetryBackoff.Duration, cfg.Schedule.MaxRetries),
	)
}

func provideOutboxService(p Params, q *outbox.Queue, engine *wsync.Engine, o *connectivity.Observer, logger *zap.Logger) *api.OutboxService {
	return api.NewOutboxService(q, engine, o, p.SessionName, logger)
}

func provideMetricsServer(p Params, cfg *config.Config, m *status.Machine, o *connectivity.Observer, logger *zap.Logger) *MetricsServer {
	return NewMetricsServer(cfg.Metrics.Listen, NewRouter(p.SessionName, m, o), logger)
}

type lifecycleDeps struct {
	fx.In

	Params    Params
	Config    *config.Config
	Server    *Server
	Metrics   *MetricsServer
	Lock      *lock.Lock
	Backend   Backend
	Adapter   *wa.Adapter
	Conn      *wa.ConnectionSource
	Observer  *connectivity.Observer
	Engine    *wsync.Engine
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var (
		cancel           context.CancelFunc
		shutdownTracing  telemetry.Shutdown
		logger           = d.Logger
		drain            = scheduler.DrainJob(d.Engine, d.Observer)
		networkRequired  = scheduler.Constraints{RequiresNetwork: true}
		periodicInterval = d.Config.Schedule.PeriodicInterval.Duration
	)

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			var err error
			shutdownTracing, err = telemetry.Init(startCtx, d.Config.Tracing, d.Params.SessionName, logger)
			if err != nil {
				return err
			}

			if err := d.Observer.Start(); err != nil {
				return err
			}

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			d.Engine.Start(ctx)
			d.Scheduler.Start(ctx)

			if d.Adapter != nil {
				d.Adapter.RegisterEventHandler(d.Conn.Handle)
				if d.Adapter.IsLoggedIn() {
					go func() {
						if err := d.Adapter.Connect(); err != nil {
							logger.Error("auto-connect failed", zap.Error(err))
						}
					}()
				} else {
					logger.Warn("no WhatsApp credentials found, sends will fail until the session is paired")
				}
			}

			// Drain whatever survived the last run, then keep a periodic safety net.
			if err := d.Scheduler.RunOnce(ImmediateDrainJob, networkRequired, drain); err != nil {
				return err
			}
			if err := d.Scheduler.EnqueueUniquePeriodic(startCtx, PeriodicDrainJob, periodicInterval,
				scheduler.KeepExisting, networkRequired, drain); err != nil {
				return err
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := d.Metrics.Start(); err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}

			logger.Info("daemon started",
				zap.String("session", d.Params.SessionName),
				zap.String("backend", d.Config.Store.Backend),
				zap.String("transport", d.Config.API.Transport),
				zap.Bool("reachable", d.Observer.IsReachable()),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Metrics.Stop(ctx)
			d.Server.Stop(ctx)
			if cancel != nil {
				cancel()
			}
			d.Scheduler.Stop()
			d.Engine.Stop()
			if d.Adapter != nil {
				if err := d.Adapter.Close(); err != nil {
					logger.Warn("error closing WhatsApp adapter", zap.Error(err))
				}
			}
			if err := d.Observer.Stop(); err != nil {
				logger.Warn("error stopping network observer", zap.Error(err))
			}
			if shutdownTracing != nil {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := shutdownTracing(flushCtx); err != nil {
					logger.Warn("error flushing traces", zap.Error(err))
				}
				flushCancel()
			}
			if err := d.Backend.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
