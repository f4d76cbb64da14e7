package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/clock"
	"github.com/timour/marketplace-fulfillment/common/config"
	"github.com/timour/marketplace-fulfillment/common/logger"
	"github.com/timour/marketplace-fulfillment/common/metrics"
	"github.com/timour/marketplace-fulfillment/common/tracing"
)

const serviceName = "inventory"

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
	amqpURL := config.GetEnv("AMQP_URL", "")
	redisURL := config.GetEnv("REDIS_URL", "")
	reservationTTL := config.GetEnvSeconds("RESERVATION_TTL_SECONDS", 48*time.Hour)
	expirerTick := config.GetEnvSeconds("EXPIRER_TICK_SECONDS", 30*time.Second)
	maxRetries := config.GetEnvInt("MAX_RETRIES", broker.DefaultMaxRetries)
	metricsAddr := config.GetEnv("METRICS_ADDR", ":9102")

	eventMetrics := metrics.NewEventMetrics(serviceName)
	sagaMetrics := metrics.NewSagaMetrics(serviceName)

	var store InventoryStore
	pgStore, err := NewPostgresStore(databaseURL, clock.New())
	if err != nil {
		log.Fatal("failed to open inventory store", zap.Error(err))
	}
	store = pgStore

	if redisURL != "" {
		cacheTTL := config.GetEnvSeconds("PRODUCT_CACHE_TTL_SECONDS", 5*time.Minute)
		cache, err := NewProductCache(redisURL, cacheTTL)
		if err != nil {
			log.Warn("product cache disabled", zap.Error(err))
		} else {
			store = NewCachedStore(pgStore, cache, log)
		}
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without a broker the service still runs: events are dropped and
	// nothing is consumed, which is enough for local catalog work.
	var publisher broker.EventPublisher = broker.NewNopPublisher(log)
	var bus *broker.Broker
	if amqpURL != "" {
		bus, err = broker.Connect(amqpURL, log,
			broker.WithMaxRetries(maxRetries),
			broker.WithMetrics(eventMetrics),
		)
		if err != nil {
			log.Fatal("failed to connect to broker", zap.Error(err))
		}
		defer bus.Close()

		sink, err := bus.NewAMQPSink()
		if err != nil {
			log.Fatal("failed to open publisher channel", zap.Error(err))
		}
		defer sink.Close()

		opts := []broker.PublisherOption{broker.WithPublisherMetrics(eventMetrics)}
		if redisURL != "" {
			shadow, err := broker.NewRedisSink(redisURL)
			if err != nil {
				log.Warn("redis shadow sink disabled", zap.Error(err))
			} else {
				defer shadow.Close()
				opts = append(opts, broker.WithShadow(shadow))
			}
		}
		publisher = broker.NewPublisher(sink, log, opts...)
	} else {
		log.Warn("AMQP_URL not set, running without broker")
	}

	engine := NewReservationEngine(store, publisher, sagaMetrics, log, reservationTTL)

	g, ctx := errgroup.WithContext(ctx)

	if bus != nil {
		consumer := NewConsumer(engine, log)
		g.Go(func() error { return consumer.Run(ctx, bus) })
		g.Go(func() error { return NewExpirer(engine, log, expirerTick).Run(ctx) })
	}

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
