package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/clock"
	"github.com/timour/marketplace-fulfillment/common/config"
	"github.com/timour/marketplace-fulfillment/common/logger"
	"github.com/timour/marketplace-fulfillment/common/metrics"
	"github.com/timour/marketplace-fulfillment/common/tracing"
)

const serviceName = "analytics"

func main() {
	log := logger.New(serviceName)
	defer log.Sync()

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else {
		defer shutdownTracer()
	}

	databaseURL := config.MustGetEnv("DATABASE_URL")
	amqpURL := config.MustGetEnv("AMQP_URL")
	redisURL := config.GetEnv("REDIS_URL", "")
	maxRetries := config.GetEnvInt("MAX_RETRIES", broker.DefaultMaxRetries)
	metricsAddr := config.GetEnv("METRICS_ADDR", ":9103")

	eventMetrics := metrics.NewEventMetrics(serviceName)

	store, err := NewPostgresStore(databaseURL)
	if err != nil {
		log.Fatal("failed to open analytics store", zap.Error(err))
	}
	defer store.Close()

	var counters Counters = NewMemoryCounters()
	if redisURL != "" {
		rc, err := NewRedisCounters(redisURL)
		if err != nil {
			log.Warn("redis counters disabled", zap.Error(err))
		} else {
			defer rc.Close()
			counters = rc
		}
	} else {
		log.Warn("REDIS_URL not set, counters kept in memory only")
	}

	bus, err := broker.Connect(amqpURL, log,
		broker.WithMaxRetries(maxRetries),
		broker.WithMetrics(eventMetrics),
	)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestor := NewIngestor(store, counters, log, clock.New())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(ctx, bus) })

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		log.Info("metrics listening", zap.String("addr", metricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("service failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
