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

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := app.SimConfigFromEnv(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация симулятора")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":   cfg.HTTPAddr,
		"seed_orders": cfg.SeedOrders,
		"kafka":       cfg.KafkaBrokers != "",
	}).Info("запускаем dispatch-sim")

	if err := app.RunDispatchSim(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("симулятор завершился с ошибкой")
	}

	log.Info("dispatch-sim остановлен")
}
