package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/irisorigin/iris/internal/ai"
	"github.com/irisorigin/iris/internal/channel"
	"github.com/irisorigin/iris/internal/channel/adapters/instagram"
	"github.com/irisorigin/iris/internal/channel/adapters/line"
	"github.com/irisorigin/iris/internal/channel/adapters/messenger"
	"github.com/irisorigin/iris/internal/channel/adapters/whatsapp"
	"github.com/irisorigin/iris/internal/config"
	"github.com/irisorigin/iris/internal/conversation"
	"github.com/irisorigin/iris/internal/db"
	"github.com/irisorigin/iris/internal/escalation"
	"github.com/irisorigin/iris/internal/handlers"
	"github.com/irisorigin/iris/internal/healthcheck"
	"github.com/irisorigin/iris/internal/logger"
	"github.com/irisorigin/iris/internal/outbound"
	"github.com/irisorigin/iris/internal/queue"
	"github.com/irisorigin/iris/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway and processing workers",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideChannelRegistry,
			channel.NewStore,
			provideConversationStore,
			conversation.NewResolver,
			provideQueue,
			provideCompleter,
			provideCache,
			provideSender,
			providePolicy,
			provideNotifier,
			provideOrchestrator,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(provideHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startOrchestrator,
			startSweepers,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideChannelRegistry(log *slog.Logger) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(messenger.NewMessengerAdapter(log))
	registry.MustRegister(instagram.NewInstagramAdapter(log))
	registry.MustRegister(line.NewLineAdapter(log))
	registry.MustRegister(whatsapp.NewWhatsAppAdapter(log))
	return registry
}

func provideConversationStore(log *slog.Logger, pool *pgxpool.Pool) conversation.Store {
	return conversation.NewService(log, pool)
}

func provideQueue(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) queue.Queue {
	return queue.NewDBQueue(log, pool, queue.Options{
		BaseBackoff:        cfg.Queue.BaseBackoff(),
		MaxBackoff:         cfg.Queue.MaxBackoff(),
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
	})
}

func provideCompleter(log *slog.Logger, cfg config.Config) ai.Completer {
	return ai.NewHTTPCompleter(log, ai.HTTPOptions{
		BaseURL:       cfg.AI.BaseURL,
		APIKey:        cfg.AI.APIKey,
		Language:      cfg.AI.Language,
		SystemContext: cfg.AI.SystemContext,
		Timeout:       cfg.AI.Timeout(),
	})
}

func provideCache(cfg config.Config) *outbound.Cache {
	return outbound.NewCache(cfg.Cache.MaxBytes, cfg.Cache.TTL())
}

func provideSender(log *slog.Logger, registry *channel.Registry, cfg config.Config) outbound.Sender {
	return outbound.NewHTTPSender(log, registry, outbound.SenderOptions{
		Timeout:           cfg.Limiter.SendTimeout(),
		DefaultRatePerMin: cfg.Limiter.DefaultRatePerMinute,
	})
}

func providePolicy(cfg config.Config) escalation.Policy {
	return escalation.NewPolicy(
		cfg.Escalation.ConfidenceThreshold,
		cfg.Escalation.SentimentThreshold,
		cfg.Escalation.EscalationIntents,
	)
}

func provideNotifier(log *slog.Logger) escalation.Notifier {
	return escalation.LogNotifier{Logger: log}
}

func provideOrchestrator(
	log *slog.Logger,
	store conversation.Store,
	accounts *channel.Store,
	jobs queue.Queue,
	completer ai.Completer,
	sender outbound.Sender,
	cache *outbound.Cache,
	policy escalation.Policy,
	notifier escalation.Notifier,
	cfg config.Config,
) *escalation.Orchestrator {
	return escalation.NewOrchestrator(log, store, accounts, jobs, completer, sender, cache, policy, notifier,
		escalation.Options{
			Workers:          cfg.Queue.Workers,
			Lease:            cfg.Queue.Lease(),
			PollInterval:     cfg.Queue.PollInterval(),
			HistoryTurns:     cfg.Escalation.HistoryTurns,
			ProcessEscalated: cfg.Escalation.ProcessEscalated,
			SendHandoffAck:   cfg.Escalation.SendHandoffAck,
			FallbackText:     cfg.Escalation.FallbackText,
			HandoffAckText:   cfg.Escalation.HandoffAckText,
			AITimeout:        cfg.AI.Timeout(),
			SendTimeout:      cfg.Limiter.SendTimeout(),
		})
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return handlers.NewAuthHandler(log, cfg.Admin.Username, cfg.Admin.PasswordHash, cfg.Auth.JWTSecret, expiresIn)
}

func provideWebhookHandler(log *slog.Logger, registry *channel.Registry, accounts *channel.Store, resolver *conversation.Resolver, jobs queue.Queue) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, accounts, resolver, jobs)
}

func provideAdminHandler(log *slog.Logger, store conversation.Store, accounts *channel.Store, jobs queue.Queue, sender outbound.Sender) *handlers.AdminHandler {
	return handlers.NewAdminHandler(log, store, accounts, jobs, sender)
}

func provideHealthHandler(log *slog.Logger, pool *pgxpool.Pool, jobs queue.Queue) *healthcheck.Handler {
	return healthcheck.NewHandler(log,
		healthcheck.NewDBChecker(pool),
		healthcheck.NewQueueChecker(jobs, 0),
	)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers)
}

func startOrchestrator(lc fx.Lifecycle, logger *slog.Logger, orch *escalation.Orchestrator) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				orch.Run(ctx)
				close(done)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				logger.Warn("workers did not drain before shutdown deadline")
				return nil
			}
		},
	})
}

func startSweepers(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, store conversation.Store, orch *escalation.Orchestrator) error {
	c := cron.New()

	reapSeconds := cfg.Queue.ReapIntervalSeconds
	if reapSeconds <= 0 {
		reapSeconds = 30
	}
	// Reaping goes through the orchestrator so a lease that expired on its
	// final attempt still triggers the fallback and escalation.
	_, err := c.AddFunc(fmt.Sprintf("@every %ds", reapSeconds), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.ReapExpired(ctx); err != nil {
			logger.Error("lease reaper failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule lease reaper: %w", err)
	}

	if hours := cfg.Escalation.InactivityCloseHours; hours > 0 {
		inactivity := time.Duration(hours) * time.Hour
		_, err := c.AddFunc("@every 10m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			closed, err := store.CloseInactiveBefore(ctx, time.Now().Add(-inactivity))
			if err != nil {
				logger.Error("inactivity sweeper failed", slog.Any("error", err))
				return
			}
			if closed > 0 {
				logger.Info("closed inactive conversations", slog.Int64("count", closed))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule inactivity sweeper: %w", err)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { c.Start(); return nil },
		OnStop: func(stopCtx context.Context) error {
			stopped := c.Stop()
			select {
			case <-stopped.Done():
				return nil
			case <-stopCtx.Done():
				return nil
			}
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Admin.PasswordHash == "" {
				logger.Warn("admin password hash not configured, login disabled")
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
