package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/app"
	"github.com/vladislavdragonenkov/fuelops/internal/version"
)

// setupLogger настраивает формат и уровень логирования агента.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// loadEnvFile подхватывает .env, если он есть; отсутствие файла не ошибка.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func main() {
	if err := loadEnvFile(".env"); err != nil {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
	setupLogger(os.Getenv("FUELOPS_LOG_LEVEL"))

	cfg, err := app.ConfigFromEnv(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"worker_id":      cfg.WorkerID,
		"remote":         cfg.RemoteBaseURL,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем fuel-agent")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("агент завершился с ошибкой")
	}

	log.Info("fuel-agent остановлен")
}
