// Package daemon composes the sync engine into a long-running session
// daemon driven over a Unix control socket.
package daemon

import (
	"context"
	"time"

	"github.com/hfortes/courier/internal/bus"
	"github.com/hfortes/courier/internal/config"
	"github.com/hfortes/courier/internal/lifecycle"
	"github.com/hfortes/courier/internal/lock"
	"github.com/hfortes/courier/internal/logging"
	"github.com/hfortes/courier/internal/notify"
	"github.com/hfortes/courier/internal/outbox"
	"github.com/hfortes/courier/internal/remote"
	"github.com/hfortes/courier/internal/session"
	"github.com/hfortes/courier/internal/smsimport"
	"github.com/hfortes/courier/internal/state"
	"github.com/hfortes/courier/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
// The platform collaborators (bridge transport, connectivity probe, SMS
// provider, notification renderer) are injected; absent ones get inert
// defaults so the daemon still runs on platforms without them.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config

	Bridge   remote.Bridge
	Network  remote.Network
	Provider smsimport.Provider
	Notifier notify.Notifier
	Sender   outbox.TextSender
}

// Module returns the fx module for the daemon.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Defaults()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideReconciler,
			provideDriver,
			provideImporter,
			provideCoalescer,
			provideSender,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *lifecycle.Machine {
	return lifecycle.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *state.Reconciler {
	return state.NewReconciler(db, b, logger)
}

func provideDriver(p Params, db *store.DB, b *bus.Bus, machine *lifecycle.Machine, logger *zap.Logger) *remote.Driver {
	bridge := p.Bridge
	if bridge == nil {
		bridge = unconfiguredBridge{}
	}
	network := p.Network
	if network == nil {
		network = staticNetwork{}
	}
	cfg := remote.Config{
		WiFiOnlySync:    p.Config.WiFiOnlySync,
		MessagesPerChat: p.Config.MessagesPerChat,
	}
	return remote.NewDriver(bridge, network, db, b, machine, cfg, logger)
}

func provideImporter(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *smsimport.Importer {
	provider := p.Provider
	if provider == nil {
		provider = noSMSProvider{}
	}
	return smsimport.NewImporter(provider, db, b, logger)
}

func provideCoalescer(p Params, logger *zap.Logger) *notify.Coalescer {
	notifier := p.Notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}
	delay := time.Duration(p.Config.NotifyDebounceMs) * time.Millisecond
	return notify.NewCoalescer(notifier, delay, logger)
}

func provideSender(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	sender := p.Sender
	if sender == nil {
		sender = unconfiguredSender{}
	}
	return outbox.NewSender(db, sender, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	reconciler *state.Reconciler,
	coalescer *notify.Coalescer,
	sender *outbox.Sender,
	b *bus.Bus,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := reconciler.Load(); err != nil {
				return err
			}
			reconciler.Start(context.Background())
			coalescer.Start(context.Background(), b)
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			sender.Stop()
			coalescer.Close()
			reconciler.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
