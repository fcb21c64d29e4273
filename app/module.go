package app

import (
	"context"
	"database/sql"

	"discord-archiver/archive"
	"discord-archiver/bot"
	"discord-archiver/config"
	"discord-archiver/database"
	"discord-archiver/handlers"
	"discord-archiver/metrics"
	"discord-archiver/scanner"
	"discord-archiver/server"
	"discord-archiver/storage"
	"discord-archiver/utils"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Params holds what main resolves before the graph is built.
type Params struct {
	ConfigDir string
}

// Module wires the archiver: configuration, store, gateway, crawl and the optional listeners.
func Module(p Params) fx.Option {
	return fx.Options(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Module("archiver",
			fx.Supply(p),
			fx.Provide(
				provideConfig,
				provideLogger,
				provideRegistry,
				provideMetrics,
				provideDB,
				provideStore,
				provideMirror,
				archive.NewSession,
				provideBot,
				provideCrawler,
				provideRouter,
				provideRunScope,
				provideAdapter,
				provideScheduler,
				provideHTTPServer,
				provideHealthServer,
			),
			fx.Invoke(registerLifecycle),
		),
	)
}

func provideConfig(p Params) (config.Config, error) {
	return config.LoadConfig(p.ConfigDir)
}

func provideLogger(cfg config.Config) (*zap.Logger, *utils.AdminChannel, error) {
	return utils.NewLogger(cfg.Log)
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideDB(cfg config.Config, logger *zap.Logger) (*sql.DB, error) {
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	result, err := database.Migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.Database.Path))
	return db, nil
}

func provideStore(db *sql.DB, cfg config.Config) (*database.Store, error) {
	return database.NewStore(context.Background(), db, cfg.SQL)
}

func provideMirror(cfg config.Config, logger *zap.Logger) (storage.Mirror, error) {
	mirror, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Enabled() {
		logger.Info("attachment mirror enabled", zap.String("bucket", cfg.Storage.Bucket))
	}
	return mirror, nil
}

func provideBot(cfg config.Config, logger *zap.Logger) (*bot.Bot, error) {
	return bot.NewBot(cfg.Bot, logger)
}

func provideCrawler(b *bot.Bot, session *archive.Session) *scanner.Crawler {
	return scanner.New(bot.NewSource(b.Session), session)
}

func provideRouter(session *archive.Session, cfg config.Config, b *bot.Bot) *handlers.ArchiveRouter {
	return handlers.NewRouter(session, cfg.Bot, b.Shutdown)
}

// runScope bounds the crawl and event handlers. It is cancelled first on stop.
type runScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func provideRunScope() *runScope {
	ctx, cancel := context.WithCancel(context.Background())
	return &runScope{ctx: ctx, cancel: cancel}
}

func provideAdapter(scope *runScope, router *handlers.ArchiveRouter, crawler *scanner.Crawler, b *bot.Bot, logger *zap.Logger) *handlers.Adapter {
	return handlers.NewAdapter(scope.ctx, router, crawler, b, logger)
}

func provideScheduler(cfg config.Config, crawler *scanner.Crawler, logger *zap.Logger) (*bot.Scheduler, error) {
	return bot.NewScheduler(cfg.Stats.RefreshSchedule, crawler, logger)
}

func provideHTTPServer(cfg config.Config, session *archive.Session, reg *prometheus.Registry, logger *zap.Logger) *server.HTTPServer {
	return server.NewHTTPServer(cfg.HTTP.Addr, server.SetupRouter(session, reg), logger)
}

func provideHealthServer(session *archive.Session, logger *zap.Logger) *server.HealthServer {
	return server.NewHealthServer(session, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg config.Config,
	scope *runScope,
	b *bot.Bot,
	adapter *handlers.Adapter,
	admin *utils.AdminChannel,
	sched *bot.Scheduler,
	httpSrv *server.HTTPServer,
	health *server.HealthServer,
	store *database.Store,
	db *sql.DB,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if cfg.HTTP.Addr != "" {
				httpSrv.Start()
			}
			if cfg.GRPC.Addr != "" {
				if err := health.Start(cfg.GRPC.Addr); err != nil {
					return err
				}
			}

			if err := b.Start(adapter.Register); err != nil {
				return err
			}
			admin.Attach(b.Session, cfg.Bot.AdminChannelID)
			sched.Start()

			// The operator's shutdown command stops the whole app.
			go func() {
				select {
				case <-b.Done():
				case <-scope.ctx.Done():
					return
				}
				if err := shutdowner.Shutdown(); err != nil {
					logger.Warn("shutdown request failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scope.cancel()
			admin.Detach()
			sched.Stop()
			if err := b.Stop(); err != nil {
				logger.Warn("error closing gateway", zap.Error(err))
			}
			if cfg.HTTP.Addr != "" {
				if err := httpSrv.Stop(ctx); err != nil {
					logger.Warn("error stopping HTTP server", zap.Error(err))
				}
			}
			if cfg.GRPC.Addr != "" {
				health.Stop()
			}
			if err := store.Close(); err != nil {
				logger.Warn("error closing statements", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing database", zap.Error(err))
			}
			logger.Info("archiver stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
