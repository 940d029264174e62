// README: Entry point; loads config, wires stores, notification sinks and auth, starts HTTP server and the quote sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"towhub/internal/config"
	httptransport "towhub/internal/http"
	"towhub/internal/http/handlers"
	"towhub/internal/infra"
	"towhub/internal/logger"
	"towhub/internal/modules/availability"
	"towhub/internal/modules/notification"
	"towhub/internal/modules/request"
	"towhub/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("tow-api stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing, err := infra.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	var store request.Store
	var availabilityStore availability.Store
	var rdb *redis.Client
	needRedis := cfg.Store == config.StorePostgres || hasSink(cfg.Notify.Sinks, "redis")
	if needRedis {
		rdb = infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
	}

	switch cfg.Store {
	case config.StorePostgres:
		dbPool, err := infra.NewDB(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return err
		}
		defer dbPool.Close()
		if cfg.DB.AutoMigrate {
			if err := migrations.Apply(ctx, dbPool); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			log.Info().Msg("migrations applied")
		}
		store = request.NewPGStore(dbPool)
		availabilityStore = availability.NewRedisStore(rdb)
	default:
		log.Warn().Msg("using in-memory stores; state is lost on restart")
		store = request.NewMemoryStore()
		availabilityStore = availability.NewMemoryStore()
	}

	var fbApp *firebase.App
	if cfg.Auth.Provider == config.AuthFirebase || hasSink(cfg.Notify.Sinks, "fcm") {
		fbApp, err = infra.NewFirebaseApp(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.FirebaseCredentialsFile)
		if err != nil {
			return err
		}
	}

	pub, closePub, err := buildPublisher(ctx, cfg, log, rdb, fbApp)
	if err != nil {
		return err
	}
	defer closePub()

	var verifier infra.TokenVerifier
	switch cfg.Auth.Provider {
	case config.AuthFirebase:
		verifier, err = infra.NewFirebaseVerifier(ctx, fbApp)
		if err != nil {
			return err
		}
	default:
		verifier = infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	}

	availabilitySvc := availability.NewService(availabilityStore, cfg.Availability.RadiusKm, cfg.Availability.MaxFanout, log)
	requestSvc := request.NewService(store, availabilitySvc, pub, request.Options{
		QuoteTTL:      cfg.Quote.TTL,
		Currency:      cfg.Quote.Currency,
		SweepInterval: cfg.Quote.SweepInterval,
		SweepBatch:    cfg.Quote.SweepBatch,
		Logger:        log,
	})

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Requests:     requestSvc,
		Availability: availabilitySvc,
		Verifier:     verifier,
		Retry: handlers.RetryPolicy{
			Attempts:        cfg.Retry.Attempts,
			InitialInterval: cfg.Retry.InitialInterval,
		},
		Logger: log,
		Env:    cfg.Environment,
	})

	go requestSvc.Ledger().RunExpirySweeper(ctx)

	return httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx)
}

// buildPublisher assembles the configured notification sinks behind one publisher.
func buildPublisher(ctx context.Context, cfg *config.Config, log zerolog.Logger, rdb *redis.Client, fbApp *firebase.App) (notification.Publisher, func(), error) {
	var sinks []notification.Publisher
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, sink := range cfg.Notify.Sinks {
		switch sink {
		case "log":
			sinks = append(sinks, notification.NewLogPublisher(log))
		case "redis":
			sinks = append(sinks, notification.NewRedisStreamPublisher(rdb, cfg.Notify.RedisStream, cfg.Notify.StreamMaxLen))
		case "amqp":
			mq, err := infra.NewRabbitMQ(ctx, cfg.Notify.AMQPURL, cfg.Notify.AMQPExchange, log)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, mq.Close)
			sinks = append(sinks, notification.NewAMQPPublisher(mq.Chan, mq.Exchange))
		case "fcm":
			client, err := infra.NewFirebaseMessaging(ctx, fbApp)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, notification.NewFCMPublisher(client))
		}
	}
	log.Info().Strs("sinks", cfg.Notify.Sinks).Msg("notification sinks ready")
	return notification.NewMultiPublisher(sinks...), closeAll, nil
}

func hasSink(sinks []string, name string) bool {
	for _, s := range sinks {
		if s == name {
			return true
		}
	}
	return false
}
