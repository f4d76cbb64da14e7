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

const serviceName = "orders"

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
	orderTTL := config.GetEnvSeconds("ORDER_TTL_SECONDS", 48*time.Hour)
	expirerTick := config.GetEnvSeconds("ORDER_EXPIRER_TICK_SECONDS", 60*time.Second)
	maxRetries := config.GetEnvInt("MAX_RETRIES", broker.DefaultMaxRetries)
	httpAddr := config.GetEnv("HTTP_ADDR", ":8080")

	eventMetrics := metrics.NewEventMetrics(serviceName)

	store, err := NewPostgresStore(databaseURL, clock.New())
	if err != nil {
		log.Fatal("failed to open orders store", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	service := NewService(store, publisher, log, clock.New(), orderTTL)

	g, ctx := errgroup.WithContext(ctx)

	if bus != nil {
		consumer := NewConsumer(service, log)
		g.Go(func() error { return consumer.Run(ctx, bus) })
		g.Go(func() error { return NewExpirer(service, log, expirerTick).Run(ctx) })
	}

	g.Go(func() error {
		srv := &http.Server{
			Addr:    httpAddr,
			Handler: NewHTTPHandler(service, log).Mux(),
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		log.Info("http listening", zap.String("addr", httpAddr))
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
