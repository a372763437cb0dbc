package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rewired-gh/oddswatch/internal/config"
	"github.com/rewired-gh/oddswatch/internal/filter"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/oddsapi"
	"github.com/rewired-gh/oddswatch/internal/publisher"
	"github.com/rewired-gh/oddswatch/internal/server"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/telegram"
	"github.com/rewired-gh/oddswatch/internal/tracker"
	"github.com/rewired-gh/oddswatch/internal/watcher"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	oddsClient := oddsapi.NewClient(
		cfg.OddsAPI.BaseURL,
		cfg.OddsAPI.APIKey,
		cfg.OddsAPI.Timeout,
		oddsapi.ClientConfig{
			MaxRetries:     cfg.OddsAPI.MaxRetries,
			RetryDelayBase: cfg.OddsAPI.RetryDelayBase,
		},
	)
	query := oddsapi.Query{
		Sport:     cfg.OddsAPI.Sport,
		Regions:   cfg.OddsAPI.Regions,
		Markets:   cfg.OddsAPI.Markets,
		Bookmaker: cfg.OddsAPI.Bookmaker,
	}
	feed := watcher.FeedFunc(func(ctx context.Context) ([]models.Quote, error) {
		return oddsClient.FetchOdds(ctx, query)
	})

	t := tracker.New(tracker.Config{
		WindowSize: cfg.Tracker.WindowSize,
		Threshold:  cfg.Tracker.DropThreshold,
		KeyTTL:     cfg.Tracker.KeyTTL,
	})
	quoteFilter := filter.New(cfg.Filter.LeaguesAllow, cfg.Filter.LeaguesDeny, cfg.Filter.MarketTypes)

	var notifiers []watcher.Notifier

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifiers = append(notifiers, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatal("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
		}
		defer redisClient.Close()

		pub := publisher.NewStreamPublisher(redisClient, cfg.Redis.Stream)
		notifiers = append(notifiers, pub)
		logger.Info("Publishing alerts to Redis stream %s", pub.Stream())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub *server.Hub
	if cfg.Server.Enabled {
		hub = server.NewHub()
		go hub.Run(ctx)
		notifiers = append(notifiers, hub)
	}

	w := watcher.New(feed, quoteFilter, t, store, notifiers, watcher.Config{
		PollInterval:         cfg.OddsAPI.PollInterval,
		CheckpointInterval:   cfg.Tracker.CheckpointInterval,
		RecordObservations:   cfg.Storage.RecordObservations,
		ObservationRetention: cfg.Storage.ObservationRetention,
	})

	if telegramClient != nil {
		w.OnFailure(func(ctx context.Context, err error) {
			if sendErr := telegramClient.SendError(ctx, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		})
		w.OnRecovery(func(ctx context.Context, failures int) {
			if sendErr := telegramClient.SendRecovery(ctx, failures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		})
		telegramClient.ListenForCommands(ctx, func() string { return w.Status().String() })
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(server.Options{
			Addr:           cfg.Server.Addr,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, t, store, w, hub)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("HTTP server failed: %v", err)
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	w.Run(ctx)

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown: %v", err)
		}
		shutdownCancel()
	}

	if err := w.Shutdown(); err != nil {
		logger.Error("Failed to checkpoint market state: %v", err)
	}
	logger.Info("Service stopped")
}
