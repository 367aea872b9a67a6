package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/adapters/mrkt"
	"tg-giveaway-farmer/internal/adapters/mtproto"
	"tg-giveaway-farmer/internal/adapters/repo"
	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/cache"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/config"
	"tg-giveaway-farmer/internal/infra/db"
	httpserver "tg-giveaway-farmer/internal/infra/http"
	applog "tg-giveaway-farmer/internal/infra/log"
	"tg-giveaway-farmer/internal/infra/metrics"
	"tg-giveaway-farmer/internal/infra/notify"
	"tg-giveaway-farmer/internal/usecase/discovery"
	"tg-giveaway-farmer/internal/usecase/eligibility"
	"tg-giveaway-farmer/internal/usecase/fulfill"
	"tg-giveaway-farmer/internal/usecase/governor"
	"tg-giveaway-farmer/internal/usecase/reaper"
	"tg-giveaway-farmer/internal/usecase/session"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, cfg.Debug())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("farmer: не указан PG_DSN")
	}
	pool, err := db.Connect(cfg.PGDSN, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("farmer: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("farmer: не удалось применить схему")
	}
	store := repo.NewPostgres(pool, cfg.Ledger())

	checks := map[string]httpserver.Check{"postgres": store.Ping}

	var windows domain.WindowStore = governor.NewMemoryWindowStore()
	if cfg.Channels.WindowStore == "redis" {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("farmer: нет подключения к Redis")
		}
		defer rdb.Close()
		windows = cache.NewRedisWindowStore(rdb, "")
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	httpserver.NewServer(logger.With().Str("component", "http").Logger(), checks).Start(ctx, cfg.MetricsAddr)

	notifier, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	accountsCtx, accountsCancel := context.WithTimeout(ctx, 10*time.Second)
	accounts, err := store.ListAccounts(accountsCtx, cfg.MTProto.AccountPool)
	accountsCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("farmer: не удалось загрузить MTProto-аккаунты")
	}
	if len(accounts) == 0 {
		logger.Fatal().Str("pool", cfg.MTProto.AccountPool).Msg("farmer: пул MTProto-аккаунтов пуст")
	}

	factory := func(_ context.Context, account domain.Account) (session.RunFunc, error) {
		return buildSession(cfg, account, store, windows, notifier, logger), nil
	}
	supervisor := session.NewSupervisor(factory, store, clock.Real{}, session.SupervisorConfig{
		Blacklisted:        cfg.IsBlacklisted,
		ProcessedRetention: cfg.Giveaway.ProcessedRetention,
		RetentionInterval:  cfg.Session.RetentionInterval,
	}, logger)

	logger.Info().Int("accounts", len(accounts)).Msg("farmer: запуск")
	if err := supervisor.Run(ctx, accounts); err != nil {
		logger.Fatal().Err(err).Msg("farmer: сессии не запущены")
	}
	logger.Info().Msg("farmer: остановлен")
}

// buildSession собирает все компоненты одного аккаунта поверх его MTProto-соединения.
func buildSession(cfg config.AppConfig, account domain.Account, store *repo.Postgres, windows domain.WindowStore, notifier domain.Notifier, logger zerolog.Logger) session.RunFunc {
	clk := clock.Real{}

	transport := mtproto.NewTransport(account, mtproto.NewSessionDB(store, account.Name), mtproto.WebAppOptions{
		BotUsername: cfg.API.BotUsername,
		ShortName:   cfg.API.BotShortName,
	}, logger)

	client := mrkt.NewClient(mrkt.Options{
		BaseURL:   cfg.API.BaseURL,
		Origin:    cfg.API.Origin,
		UserAgent: cfg.API.UserAgent,
		RefID:     cfg.API.RefID,
		Timeout:   cfg.API.Timeout,
		Retries:   cfg.API.Retries,
		DelayMin:  cfg.API.DelayMin,
		DelayMax:  cfg.API.DelayMax,
	}, transport, clk, logger.With().Str("account", account.Name).Logger())

	gov := governor.New(account.Name, governor.Options{
		Limits: map[domain.ActionType]int{
			domain.ActionSubscribe:   cfg.Channels.MaxSubscribePerMinute,
			domain.ActionUnsubscribe: cfg.Channels.MaxUnsubscribePerMinute,
		},
		MaxJitter:    cfg.Channels.RateJitter,
		FloodRetries: cfg.Channels.FloodRetries,
	}, windows, clk, logger)

	validator := fulfill.NewValidator(account.Name, store, client, transport, gov, clk, fulfill.ValidatorConfig{
		SkipSubscribeRequired: cfg.Giveaway.SkipSubscribeRequired,
		ConfirmAttempts:       cfg.Channels.ConfirmAttempts,
		ConfirmBaseDelay:      cfg.Channels.ConfirmBaseDelay,
		Cooldown:              cfg.Channels.Cooldown,
	}, logger)

	fulfiller := fulfill.NewFulfiller(account.Name, store, client, validator, clk, fulfill.Config{
		RequirePremium:      cfg.Giveaway.RequirePremium,
		RequireActiveTrader: cfg.Giveaway.RequireActiveTrader,
		RequireChannelBoost: cfg.Giveaway.RequireChannelBoost,
		SkipBoostRequired:   cfg.Giveaway.SkipBoostRequired,
	}, logger)

	sweeper := reaper.New(account.Name, store, transport, gov, clk, reaper.Config{
		InactivityThreshold: cfg.Channels.InactivityThreshold,
		Interval:            cfg.Channels.ReapInterval,
	}, logger)

	loop := session.NewLoop(account.Name, session.Deps{
		Store:     store,
		Remote:    client,
		Auth:      client,
		Transport: transport,
		Actions:   gov,
		Collector: discovery.New(account.Name, client, store, logger),
		Filter: eligibility.New(eligibility.Config{
			CollectionBlacklist: cfg.Giveaway.CollectionBlacklist,
			SkipBoostRequired:   cfg.Giveaway.SkipBoostRequired,
			FreeOnly:            cfg.Giveaway.ParticipateFreeOnly,
			MinParticipants:     cfg.Giveaway.MinParticipants,
			MaxParticipants:     cfg.Giveaway.MaxParticipants,
		}),
		Fulfiller: fulfiller,
		Reaper:    sweeper,
		Notifier:  notifier,
		Clock:     clk,
	}, session.Config{
		StartDelay:      cfg.Session.StartDelay,
		CycleDelay:      cfg.Session.CycleDelay,
		CycleJitter:     cfg.Session.CycleJitter,
		ErrorCooldown:   cfg.Session.ErrorCooldown,
		LeaveStaleJoins: cfg.Channels.LeaveStaleJoins,
		Criteria: domain.ListCriteria{
			Type:      cfg.Giveaway.ListType,
			PageSize:  cfg.Giveaway.PageSize,
			Cursor:    cfg.Giveaway.Cursor,
			MaxPerRun: cfg.Giveaway.MaxPerRun,
		},
	}, logger)

	return func(ctx context.Context) error {
		return transport.Run(ctx, loop.Run)
	}
}

// buildNotifier собирает доставку уведомлений и функцию закрытия их соединений.
// Недоступный канал доставки не мешает запуску.
func buildNotifier(cfg config.AppConfig, logger zerolog.Logger) (domain.Notifier, func()) {
	if !cfg.Notify.Enabled {
		return notify.Nop{}, func() {}
	}
	var targets notify.Multi
	if cfg.Notify.BotToken != "" && cfg.Notify.ChatID != 0 {
		bot, err := notify.NewTelegram(cfg.Notify.BotToken, cfg.Notify.ChatID)
		if err != nil {
			logger.Error().Err(err).Msg("farmer: бот уведомлений недоступен")
		} else {
			targets = append(targets, bot)
		}
	}
	if cfg.Notify.RabbitURL != "" {
		rabbit, err := notify.NewRabbit(cfg.Notify.RabbitURL, cfg.Notify.RabbitQueue)
		if err != nil {
			logger.Error().Err(err).Msg("farmer: очередь уведомлений недоступна")
		} else {
			targets = append(targets, rabbit)
		}
	}
	if len(targets) == 0 {
		logger.Warn().Msg("farmer: уведомления включены, но ни один канал доставки не настроен")
		return notify.Nop{}, func() {}
	}
	closer := func() {
		if err := targets.Close(); err != nil {
			logger.Warn().Err(err).Msg("farmer: не удалось закрыть каналы уведомлений")
		}
	}
	return notify.NewAsync(targets, logger, 30*time.Second), closer
}
