package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/bots"
	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/channel/adapters/instagram"
	"github.com/memohai/chatrelay/internal/channel/adapters/telegram"
	"github.com/memohai/chatrelay/internal/channel/adapters/whatsapp"
	"github.com/memohai/chatrelay/internal/chat"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/config"
	"github.com/memohai/chatrelay/internal/conversation"
	"github.com/memohai/chatrelay/internal/db"
	"github.com/memohai/chatrelay/internal/handlers"
	"github.com/memohai/chatrelay/internal/healthcheck"
	gatewaychecker "github.com/memohai/chatrelay/internal/healthcheck/checkers/gateway"
	"github.com/memohai/chatrelay/internal/knowledge"
	"github.com/memohai/chatrelay/internal/logger"
	"github.com/memohai/chatrelay/internal/marketing"
	"github.com/memohai/chatrelay/internal/relay"
	"github.com/memohai/chatrelay/internal/schedule"
	"github.com/memohai/chatrelay/internal/server"
	"github.com/memohai/chatrelay/internal/stats"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideDBConn,
			db.NewTxManager,
			provideChannelRegistry,
			providePlatformGateways,
			provideAccountService,
			provideBotService,
			knowledge.NewStore,
			provideConversationStore,
			stats.NewStore,
			provideChatService,
			provideMarketingService,
			providePipeline,
			provideScheduler,
			provideHealth,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(provideBotsHandler),
			provideServerHandler(provideChatHandler),
			provideServerHandler(relay.NewWebhookHandler),
			provideServer,
		),
		fx.Invoke(
			ensureAdmin,
			startScheduler,
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
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return config.Config{}, fmt.Errorf("jwt secret is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideClock() clock.Clock { return clock.System{} }

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	timeout := cfg.Gateway.Timeout()
	ig := instagram.NewAdapter(log, timeout)
	wa := whatsapp.NewAdapter(log, timeout)
	if secret := cfg.Gateway.MetaAppSecret; secret != "" {
		ig.SetAppSecret(secret)
		wa.SetAppSecret(secret)
	} else {
		log.Warn("gateway meta_app_secret is empty; Instagram and WhatsApp signatures are checked with token-derived keys")
	}
	return channel.NewRegistry(telegram.NewAdapter(log, timeout), ig, wa)
}

// platformGateways are the service-owned Telegram bots, as opposed to the
// per-tenant bots stored in the database. Either may be nil.
type platformGateways struct {
	Monitor   channel.Gateway
	Marketing channel.Gateway
}

func providePlatformGateways(registry *channel.Registry, cfg config.Config) (platformGateways, error) {
	var gws platformGateways
	if token := strings.TrimSpace(cfg.Monitor.TelegramToken); token != "" {
		gw, err := registry.Gateway(channel.PlatformTelegram, channel.Credentials{Token: token})
		if err != nil {
			return gws, fmt.Errorf("monitor gateway: %w", err)
		}
		gws.Monitor = gw
	}
	if token := strings.TrimSpace(cfg.Marketing.TelegramToken); token != "" {
		gw, err := registry.Gateway(channel.PlatformTelegram, channel.Credentials{Token: token})
		if err != nil {
			return gws, fmt.Errorf("marketing gateway: %w", err)
		}
		gws.Marketing = gw
	}
	return gws, nil
}

func provideAccountService(log *slog.Logger, pool *pgxpool.Pool, tx *db.TxManager, clk clock.Clock, cfg config.Config) *accounts.Service {
	return accounts.NewService(log, accounts.NewPGStore(pool), tx, clk, cfg.Trial.Days)
}

func provideBotService(log *slog.Logger, pool *pgxpool.Pool, registry *channel.Registry, clk clock.Clock, cfg config.Config) *bots.Service {
	return bots.NewService(log, bots.NewPGStore(pool), registry, clk, cfg.Gateway.PublicBaseURL)
}

func provideConversationStore(log *slog.Logger, pool *pgxpool.Pool, tx *db.TxManager, clk clock.Clock) *conversation.Store {
	return conversation.NewStore(log, pool, tx, clk)
}

func provideChatService(log *slog.Logger, cfg config.Config, kb *knowledge.Store, clk clock.Clock) *chat.Service {
	if strings.TrimSpace(cfg.AI.APIKey) == "" {
		log.Warn("ai api key is empty; replies will use fallback texts")
	}
	return chat.NewService(log, chat.NewOpenAICompleter(cfg.AI), kb, clk)
}

func provideMarketingService(log *slog.Logger, pool *pgxpool.Pool, gws platformGateways, clk clock.Clock, cfg config.Config) *marketing.Service {
	return marketing.NewService(log, marketing.NewPGStore(pool), gws.Marketing, clk, cfg.Marketing)
}

func providePipeline(log *slog.Logger, registry *channel.Registry, botService *bots.Service, accountService *accounts.Service,
	conversations *conversation.Store, chatService *chat.Service, gws platformGateways, clk clock.Clock, cfg config.Config,
) *relay.Pipeline {
	opts := []relay.Option{relay.WithClock(clk)}
	// NewGatewayMonitor returns nil when disabled; keep the interface nil too.
	if m := relay.NewGatewayMonitor(log, gws.Monitor, cfg.Monitor.AdminChatID, cfg.Monitor.ChannelID); m != nil {
		opts = append(opts, relay.WithMonitor(m))
	}
	return relay.NewPipeline(log, registry, botService, accountService, conversations, chatService, opts...)
}

func provideScheduler(log *slog.Logger, accountService *accounts.Service, statsStore *stats.Store,
	conversations *conversation.Store, marketingService *marketing.Service, cfg config.Config, clk clock.Clock,
) *schedule.Service {
	return schedule.NewService(log, schedule.Deps{
		Trials:    accountService,
		Stats:     statsStore,
		Messages:  conversations,
		Marketing: marketingService,
	}, cfg, clk)
}

func provideHealth(log *slog.Logger, pool *pgxpool.Pool, gws platformGateways) *healthcheck.Aggregator {
	return healthcheck.NewAggregator(
		healthcheck.NewDatabaseChecker(pool),
		gatewaychecker.NewChecker(log, map[string]channel.Gateway{
			"monitor":   gws.Monitor,
			"marketing": gws.Marketing,
		}),
	)
}

func provideAuthHandler(log *slog.Logger, accountService *accounts.Service, cfg config.Config) (*handlers.AuthHandler, error) {
	expiresIn, err := cfg.Auth.ExpiresIn()
	if err != nil {
		return nil, err
	}
	return handlers.NewAuthHandler(log, accountService, cfg.Auth.JWTSecret, expiresIn), nil
}

func provideAdminHandler(log *slog.Logger, accountService *accounts.Service, statsStore *stats.Store, marketingService *marketing.Service, gws platformGateways) *handlers.AdminHandler {
	if gws.Marketing == nil {
		return handlers.NewAdminHandler(log, accountService, statsStore, nil)
	}
	return handlers.NewAdminHandler(log, accountService, statsStore, marketingService)
}

func provideBotsHandler(log *slog.Logger, botService *bots.Service, kb *knowledge.Store, accountService *accounts.Service) *handlers.BotsHandler {
	return handlers.NewBotsHandler(log, botService, kb, accountService)
}

func provideChatHandler(log *slog.Logger, botService *bots.Service, conversations *conversation.Store, chatService *chat.Service, accountService *accounts.Service) *handlers.ChatHandler {
	return handlers.NewChatHandler(log, botService, conversations, chatService, accountService)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func ensureAdmin(lc fx.Lifecycle, log *slog.Logger, accountService *accounts.Service, cfg config.Config) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		admin := cfg.Admin
		if strings.TrimSpace(admin.Username) == "" || strings.TrimSpace(admin.Password) == "" {
			log.Warn("admin bootstrap skipped: username or password not configured")
			return nil
		}
		created, err := accountService.EnsureAdmin(ctx, admin.Username, admin.Email, admin.Password)
		if err != nil {
			return fmt.Errorf("ensure admin: %w", err)
		}
		if created {
			log.Info("admin account created", slog.String("username", admin.Username))
		}
		return nil
	}})
}

func startScheduler(lc fx.Lifecycle, scheduler *schedule.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return scheduler.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return scheduler.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, pipeline *relay.Pipeline, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			done := make(chan struct{})
			go func() {
				pipeline.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn("monitor deliveries still in flight at shutdown")
			case <-ctx.Done():
			}
			return nil
		},
	})
}
