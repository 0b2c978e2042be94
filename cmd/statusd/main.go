package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"

	"realtime_polls/internal/app"
	"realtime_polls/internal/infra/config"
	idb "realtime_polls/internal/infra/database"
	"realtime_polls/internal/infra/logger"
	"realtime_polls/internal/infra/pgnotify"
	"realtime_polls/internal/infra/scheduler"
	"realtime_polls/internal/infra/telegram"
)

const startupTimeout = 30 * time.Second

func main() {
	fmt.Println("Poll status scheduler starting...")

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Could not load application configuration: %v", err)
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")
	base := logger.Log.WithField("app", "statusd")

	mainLogger.WithFields(logrus.Fields{
		"environment":     cfg.Environment,
		"update_channel":  cfg.StatusUpdateChannel,
		"changed_channel": cfg.StatusChangedChannel,
		"timezone":        cfg.Location.String(),
		"telegram":        cfg.TelegramEnabled(),
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	// Initialize Database Connection
	db, err := idb.NewPostgresConnection(startCtx, cfg.DatabaseURL)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()
	if err := idb.CreateSchema(startCtx, db); err != nil {
		mainLogger.WithError(err).Fatal("Could not create schema")
	}
	mainLogger.Info("Database connection established")

	// Initialize Repositories
	pollRepo := idb.NewPostgresPollRepository(db, cfg.StatusUpdateChannel, cfg.Location)
	transitionRepo := idb.NewPostgresTransitionRepository(db, cfg.Location)

	publisher := app.NewFanoutPublisher(logger.Component("publisher"),
		idb.NewPostgresStatusPublisher(db, cfg.StatusChangedChannel))

	// Telegram is optional; its status sink joins the fan-out before anything publishes.
	var bot *telebot.Bot
	var telegramStatus *telegram.StatusPublisher
	if cfg.TelegramEnabled() {
		botLogger := logger.Component("telegram")
		pref := telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) {
				entry := botLogger.WithError(err)
				if c != nil && c.Sender() != nil && c.Chat() != nil {
					entry = entry.WithFields(logrus.Fields{
						"sender_id": c.Sender().ID,
						"chat_id":   c.Chat().ID,
					})
				}
				entry.Error("Telegram handler failed")
			},
		}
		bot, err = telebot.NewBot(pref)
		if err != nil {
			mainLogger.WithError(err).Fatal("Could not create Telegram bot")
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.TelegramRatePerSec), cfg.TelegramRatePerSec)
		telegramStatus = telegram.NewStatusPublisher(telegram.NewTelebotAdapter(bot), cfg.StatusChatID, cfg.Location, limiter, botLogger)
		telegramStatus.Start(ctx)
		publisher.Add(telegramStatus)
	}

	bus := pgnotify.NewBus(
		pgnotify.NewPQBackend(cfg.DatabaseURL),
		pgnotify.Config{
			PollInterval:    cfg.ListenerWait,
			ShutdownTimeout: cfg.ListenerShutdownTimeout,
			ConnectTimeout:  cfg.ListenerConnectTimeout,
		},
		base,
	)
	statusScheduler := app.NewStatusScheduler(
		transitionRepo,
		publisher,
		bus,
		app.SystemClock{},
		cfg.StatusUpdateChannel,
		cfg.Location,
		base,
	)
	pollService := app.NewPollService(pollRepo, app.SystemClock{}, base)

	// Announcements missed while disconnected are recovered by a catch-up.
	bus.SetReconnectHook(func(ctx context.Context) {
		if err := statusScheduler.CatchUpAndArm(ctx); err != nil {
			mainLogger.WithError(err).Error("Catch-up after reconnect failed")
		}
	})

	// The receive loop lives as long as ctx, so it gets the signal context.
	if err := bus.Start(ctx); err != nil {
		mainLogger.WithError(err).Fatal("Could not start notification bus")
	}
	if err := statusScheduler.Start(startCtx); err != nil {
		mainLogger.WithError(err).Fatal("Could not start status scheduler")
	}

	sweep := scheduler.NewCatchUpScheduler(statusScheduler, base, cfg.CronSpecCatchUp, cfg.Location)
	if err := sweep.Start(); err != nil {
		mainLogger.WithError(err).Fatal("Could not start catch-up sweep")
	}

	if bot != nil {
		baseLogger := logger.Component("telegram")
		telegram.NewBotCommands(cfg.AdminTelegramID, baseLogger).Register(bot)
		telegram.NewAdminHandlers(pollService, statusScheduler, transitionRepo, cfg.AdminTelegramID, cfg.Location, baseLogger).
			Register(ctx, bot)
		mainLogger.Info("Telegram handlers registered")

		// Start bot in a goroutine so it doesn't block graceful shutdown handling
		go bot.Start()
	}

	mainLogger.Info("Application setup complete")
	<-ctx.Done()

	mainLogger.Info("Shutting down application...")
	if bot != nil {
		bot.Stop()
	}
	sweep.Stop()
	statusScheduler.Stop()
	if telegramStatus != nil {
		telegramStatus.Stop()
	}
	bus.Stop()
	mainLogger.Info("Application shut down gracefully")
}
