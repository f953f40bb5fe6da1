// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tgbroadcast/internal/config"
	"tgbroadcast/internal/db"
	"tgbroadcast/internal/executor"
	"tgbroadcast/internal/logger"
	"tgbroadcast/internal/metrics"
	"tgbroadcast/internal/queue"
	"tgbroadcast/internal/repository"
	"tgbroadcast/internal/sender"
	"tgbroadcast/internal/worker"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	log := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	defer log.Sync()

	metrics.Init()

	if cfg.TelegramToken == "" {
		log.Fatal("TELEGRAM_TOKEN is required")
	}

	conn, err := db.Connect()
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	runRepo := &repository.RunRepository{DB: conn}
	deliveryRepo := &repository.DeliveryRepository{DB: conn}

	snd, err := sender.NewTelegramSender(cfg.TelegramToken, cfg.RatePerSec, log)
	if err != nil {
		log.Fatal("failed to create telegram sender", zap.Error(err))
	}

	exec := executor.New(deliveryRepo, snd, cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Launch notifications wake idle workers early; polling alone is enough
	// when no broker is around.
	var wake chan string
	if q, err := queue.Connect(cfg.AMQPURL, log); err != nil {
		log.Warn("rabbitmq unavailable, relying on polling only", zap.Error(err))
	} else {
		defer q.Close()
		wake = make(chan string, 64)
		go func() {
			if err := q.Consume(ctx, wake); err != nil {
				log.Error("launch queue consumer stopped", zap.Error(err))
			}
		}()
	}

	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := worker.New(runRepo, deliveryRepo, exec, cfg.BatchSize, cfg.LeaseDuration, cfg.PollInterval, log.With(zap.Int("worker", i)))
		w.Wake = wake
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	log.Info("delivery workers running", zap.Int("count", workers))
	wg.Wait()
}
