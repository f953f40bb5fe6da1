// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tgbroadcast/internal/config"
	"tgbroadcast/internal/db"
	"tgbroadcast/internal/handler"
	"tgbroadcast/internal/logger"
	"tgbroadcast/internal/metrics"
	"tgbroadcast/internal/queue"
	"tgbroadcast/internal/repository"
	"tgbroadcast/internal/resolver"
	"tgbroadcast/internal/service"
)

func main() {
	// Load .env; fall back to OS environment variables
	godotenv.Load()

	cfg := config.Load()
	log := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	defer log.Sync()

	metrics.Init()

	conn, err := db.Connect()
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	runRepo := &repository.RunRepository{DB: conn}
	deliveryRepo := &repository.DeliveryRepository{DB: conn}
	subscriberRepo := &repository.SubscriberRepository{DB: conn}

	runService := &service.RunService{
		RunRepo:          runRepo,
		DeliveryRepo:     deliveryRepo,
		Resolver:         resolver.New(subscriberRepo),
		Log:              log,
		RunLeaseDuration:  cfg.RunLeaseDuration,
		StallThreshold:    cfg.StallThreshold,
		ResumeQueuedAfter: cfg.ResumeQueuedAfter,
	}

	// The launch queue is a latency optimization; without a broker, workers
	// still find new runs on their next poll sweep.
	if q, err := queue.Connect(cfg.AMQPURL, log); err != nil {
		log.Warn("rabbitmq unavailable, workers will rely on polling", zap.Error(err))
	} else {
		defer q.Close()
		runService.Notifier = q
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runService.RunAggregator(ctx, cfg.AggregateInterval)

	runHandler := handler.NewRunHandler(runService)

	r := chi.NewRouter()

	// Run routes
	r.Post("/runs", runHandler.LaunchRunHandler)
	r.Get("/runs", runHandler.ListRunsHandler)
	r.Get("/runs/{id}", runHandler.GetRunHandler)
	r.Get("/runs/{id}/deliveries", runHandler.ListDeliveriesHandler)
	r.Post("/runs/{id}/cancel", runHandler.CancelRunHandler)
	r.Delete("/runs/{id}", runHandler.PurgeRunHandler)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info("server running", zap.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}
