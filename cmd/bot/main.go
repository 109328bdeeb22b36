package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/xaenox/avo-bot/internal/bot"
	"github.com/xaenox/avo-bot/internal/chat"
	"github.com/xaenox/avo-bot/internal/classifier"
	"github.com/xaenox/avo-bot/internal/completion"
	"github.com/xaenox/avo-bot/internal/plantnet"
	"github.com/xaenox/avo-bot/internal/quota"
	"github.com/xaenox/avo-bot/internal/speech"
	"github.com/xaenox/avo-bot/internal/storage"
	"github.com/xaenox/avo-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	loc, _ := cfg.Quota.Location()
	questions := quota.NewTracker(store, quota.Questions.WithLimit(cfg.Quota.DailyQuestions), logger, quota.WithLocation(loc))
	plants := quota.NewTracker(store, quota.Plants.WithLimit(cfg.Quota.DailyPlants), logger, quota.WithLocation(loc))

	completer := completion.NewClient(completion.Config{
		APIKey:    cfg.Completion.APIKey,
		BaseURL:   cfg.Completion.BaseURL,
		Model:     cfg.Completion.Model,
		MaxTokens: cfg.Completion.MaxTokens,
		Persona:   cfg.Assistant.Persona,
		Timeout:   cfg.Completion.Timeout,
	}, nil, logger)

	var opts []chat.Option
	if cfg.PlantNet.APIKey != "" {
		opts = append(opts, chat.WithPlantIdentifier(plantnet.NewClient(plantnet.Config{
			APIKey:  cfg.PlantNet.APIKey,
			BaseURL: cfg.PlantNet.BaseURL,
			Project: cfg.PlantNet.Project,
			Timeout: cfg.PlantNet.Timeout,
		}, logger)))
	} else {
		logger.Warn("Plant identification disabled, no Pl@ntNet API key")
	}

	if cfg.Vision.Enabled && cfg.Vision.APIKey != "" {
		opts = append(opts, chat.WithClassifier(classifier.NewVisionClassifier(
			cfg.Vision.APIKey,
			cfg.Vision.BaseURL,
			cfg.Vision.Model,
			cfg.Vision.MaxTokens,
			cfg.Vision.MaxLabels,
			logger,
		)))
	} else {
		logger.Warn("Image analysis disabled")
	}

	if cfg.Speech.Enabled && cfg.Speech.APIKey != "" {
		opts = append(opts, chat.WithTranscriber(speech.NewWhisperTranscriber(
			cfg.Speech.APIKey,
			cfg.Speech.BaseURL,
			cfg.Speech.Model,
			logger,
		)))
	} else {
		logger.Warn("Voice messages disabled")
	}

	service := chat.NewService(store, completer, questions, plants, chat.Config{
		Streaming:       cfg.Completion.Stream,
		MaxDocuments:    cfg.Assistant.MaxDocuments,
		MaxHistory:      cfg.Assistant.MaxHistory,
		DefaultLanguage: cfg.Assistant.DefaultLanguage,
	}, logger, opts...)

	b, err := bot.New(cfg.Telegram.Token, service, cfg.Telegram.EditInterval, cfg.Telegram.Debug, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "bolt":
		logger.Info("Using bbolt storage", zap.String("path", cfg.BoltPath))
		return storage.NewBoltStorage(cfg.BoltPath)
	default:
		logger.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, logger)
	}
}
