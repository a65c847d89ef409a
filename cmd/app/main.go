package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadflow/internal/approval"
	"leadflow/internal/cache"
	"leadflow/internal/calendar"
	"leadflow/internal/config"
	"leadflow/internal/dispatch"
	"leadflow/internal/email"
	"leadflow/internal/httpserver"
	"leadflow/internal/lifecycle"
	"leadflow/internal/logging"
	"leadflow/internal/metrics"
	"leadflow/internal/negotiation"
	"leadflow/internal/nlu"
	"leadflow/internal/phone"
	"leadflow/internal/queue"
	"leadflow/internal/ratelimit"
	"leadflow/internal/repo"
	"leadflow/internal/scheduler"
	"leadflow/internal/wa"
	"leadflow/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting leadflow", "env", cfg.AppEnv, "timezone", cfg.Timezone.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := openStore(ctx, cfg, logger, metricRegistry)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)

	var redisClient *cache.Redis
	if cfg.RedisURL != "" {
		redisClient, err = cache.New(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	var backend ratelimit.Backend = ratelimit.NewStoreBackend(store)
	if redisClient != nil {
		backend = ratelimit.NewRedisBackend(redisClient.Client(), "leadflow:ratelimit")
	}
	limiter := ratelimit.New(backend, ratelimit.Limits{
		Daily:  cfg.WhatsAppDailyLimit,
		Hourly: cfg.WhatsAppHourlyLimit,
	}, cfg.Timezone, logger, metricRegistry)

	phones := phone.NewNormalizer(cfg.DefaultRegion)

	nluClient, err := newNLU(ctx, cfg, logger, metricRegistry)
	if err != nil {
		return err
	}

	cal, err := newCalendar(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var (
		approver approval.Surface
		telegram *approval.Telegram
	)
	if cfg.TelegramBotToken != "" {
		telegram, err = approval.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		approver = telegram
	} else {
		logger.Warn("telegram not configured, approvals are only reachable over http")
		approver = approval.NewLogOnly(logger)
	}

	var emailSender dispatch.EmailSender
	if cfg.EmailConfigured() {
		emailSender = email.NewSMTPSender(email.Config{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromName:    cfg.EmailFromName,
			FromAddress: cfg.EmailFromAddress,
		}, logger)
	} else if cfg.EmailEnabled {
		logger.Warn("smtp settings incomplete, email channel disabled")
	}

	var (
		waClient       *wa.Client
		whatsappSender dispatch.WhatsAppSender
	)
	if cfg.WhatsAppEnabled {
		waClient, err = wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
		}, phones, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
		whatsappSender = waClient
	}

	dispatcher := dispatch.New(store, emailSender, whatsappSender, limiter, dispatch.Config{
		EmailEnabled:    emailSender != nil,
		WhatsAppEnabled: whatsappSender != nil,
	}, logger, metricRegistry)

	registry := negotiation.NewRegistry(cfg.ManagerTimeout)
	engine := negotiation.NewEngine(store, registry, nluClient, cal, dispatcher, approver, negotiation.Config{
		Location:          cfg.Timezone,
		BusinessStartHour: cfg.BusinessStartHour,
		BusinessEndHour:   cfg.BusinessEndHour,
		MeetingDuration:   cfg.MeetingDuration,
		MeetingBuffer:     cfg.MeetingBuffer,
		ManualInputWindow: cfg.ManualInputWindow,
	}, logger, metricRegistry)

	machine := lifecycle.New(store, nluClient, dispatcher, engine, limiter, approver, phones, lifecycle.Config{
		Location:           cfg.Timezone,
		FirstFollowUpAfter: cfg.FirstFollowUpAfter,
		FollowUpInterval:   cfg.FollowUpInterval,
		BulkRate:           cfg.WhatsAppSendRate,
	}, logger, metricRegistry)

	var stateStore scheduler.StateStore
	if redisClient != nil {
		stateStore = redisClient
	}
	sched, err := scheduler.New(machine, stateStore, scheduler.Config{
		Interval:     cfg.SchedulerInterval,
		ErrorBackoff: cfg.SchedulerErrorBackoff,
		SummaryAt:    cfg.DailySummaryAt,
		Location:     cfg.Timezone,
		BulkOutreach: whatsappSender != nil,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	errCh := make(chan error, 4)

	var inbound queue.Submitter
	var direct *queue.Direct
	if cfg.RedisURL != "" {
		queueClient, err := queue.NewClient(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			return fmt.Errorf("init queue client: %w", err)
		}
		defer queueClient.Close()
		worker, err := queue.NewWorker(cfg.RedisURL, cfg.QueueName, cfg.QueueConcurrency, machine, logger, metricRegistry)
		if err != nil {
			return fmt.Errorf("init queue worker: %w", err)
		}
		go func() {
			if err := worker.Run(ctx); err != nil {
				errCh <- err
			}
		}()
		inbound = queueClient
	} else {
		direct = queue.NewDirect(ctx, machine, logger, metricRegistry)
		inbound = direct
		logger.Info("redis not configured, inbound messages are processed in-process")
	}

	if waClient != nil {
		waClient.SetInboundSink(inbound)
		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}

	if telegram != nil {
		telegram.SetHandler(engine)
		telegram.SetCommand("summary", machine.SummaryText)
		telegram.SetCommand("outreach", func(ctx context.Context) (string, error) {
			sent, err := machine.ProcessBulkOutreach(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Bulk outreach sent %d messages.", sent), nil
		})
		go func() {
			if err := telegram.Run(ctx); err != nil {
				logger.Error("telegram loop stopped", "error", err)
			}
		}()
	}

	go func() {
		if err := sched.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	var emailWebhook *email.WebhookHandler
	if cfg.EmailWebhookToken != "" {
		emailWebhook = email.NewWebhookHandler(logger, metricRegistry, cfg.EmailWebhookToken, queue.EmailProcessor{Submitter: inbound})
	}
	handlers := httpserver.Handlers{}
	if emailWebhook != nil {
		handlers.EmailWebhook = emailWebhook
	}
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, handlers, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		AdminToken: cfg.AdminToken,
		Store:      store,
		Approvals:  engine,
		Leads:      machine,
		Cycles:     sched,
	})

	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if direct != nil && !direct.Wait(10*time.Second) {
		logger.Warn("inbound messages still in flight at shutdown")
	}

	return runErr
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (repo.Store, error) {
	var (
		store repo.Store
		err   error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		var pg *repo.Repository
		pg, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger, m)
		if err == nil {
			store = pg
			err = pg.RunMigrations(ctx, migrations.Postgres())
		}
	default:
		var lite *repo.SQLiteRepository
		lite, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger, m)
		if err == nil {
			store = lite
			err = lite.RunMigrations(ctx, migrations.SQLite())
		}
	}
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("init %s store: %w", cfg.DatabaseDriver, err)
	}
	return store, nil
}

func newNLU(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (nlu.Client, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Warn("gemini not configured, using rule-based understanding")
		return nlu.RuleBased{}, nil
	}
	client, err := nlu.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTimeout, logger, m)
	if err != nil {
		return nil, fmt.Errorf("init gemini: %w", err)
	}
	return client, nil
}

func newCalendar(ctx context.Context, cfg config.Config, logger *slog.Logger) (calendar.Calendar, error) {
	if cfg.GoogleCredentialsPath == "" {
		logger.Warn("google calendar not configured, using in-memory calendar")
		return calendar.NewMemory(), nil
	}
	cal, err := calendar.NewGoogle(ctx, cfg.GoogleCredentialsPath, cfg.GoogleCalendarID, logger)
	if err != nil {
		return nil, fmt.Errorf("init google calendar: %w", err)
	}
	return cal, nil
}
