package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/jellycast/internal/api"
	"github.com/lalithlochan/jellycast/internal/classifier"
	"github.com/lalithlochan/jellycast/internal/config"
	"github.com/lalithlochan/jellycast/internal/correlator"
	"github.com/lalithlochan/jellycast/internal/db"
	"github.com/lalithlochan/jellycast/internal/delivery"
	"github.com/lalithlochan/jellycast/internal/detector"
	"github.com/lalithlochan/jellycast/internal/dispatch"
	"github.com/lalithlochan/jellycast/internal/jellyfin"
	"github.com/lalithlochan/jellycast/internal/media"
	"github.com/lalithlochan/jellycast/internal/observ"
	"github.com/lalithlochan/jellycast/internal/pipeline"
	"github.com/lalithlochan/jellycast/internal/redis"
	"github.com/lalithlochan/jellycast/internal/router"
	"github.com/lalithlochan/jellycast/internal/sqs"
	"github.com/lalithlochan/jellycast/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting jellycast",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("channels", cfg.ChannelNames()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Redis is optional: it backs the shared rate limiter and webhook
	// idempotency keys.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			if cfg.Dispatch.RateLimiter == "redis" {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			logger.Warn("redis unavailable, idempotency disabled",
				zap.Error(err),
				zap.String("host", cfg.Redis.Host),
			)
		} else {
			defer redisClient.Close()
		}
	}

	deliverer := buildDeliverer(ctx, cfg, logger)

	channels := make(map[string]dispatch.ChannelConfig, len(cfg.Channels))
	routeChannels := make(map[string]router.Channel, len(cfg.Channels))
	budgets := make(map[string]int, len(cfg.Channels))
	for _, name := range cfg.ChannelNames() {
		ch := cfg.Channels[name]
		routeChannels[name] = router.Channel{Disabled: ch.Disabled || ch.URL == ""}
		if ch.URL == "" {
			continue
		}
		channels[name] = dispatch.ChannelConfig{
			Endpoint: ch.URL,
			Grouping: dispatch.Grouping{
				Mode:     ch.Grouping.Mode,
				Delay:    time.Duration(ch.Grouping.DelayMinutes) * time.Minute,
				MaxItems: ch.Grouping.MaxItems,
			},
			RatePerMinute: ch.RateLimitPerMinute,
		}
		budgets[name] = ch.RateLimitPerMinute
	}

	var limiter dispatch.Limiter = dispatch.NewLocalLimiter(budgets)
	if cfg.Dispatch.RateLimiter == "redis" && redisClient != nil {
		limiter = redis.NewChannelLimiter(redisClient, logger, budgets)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Channels:        channels,
		Capacity:        cfg.Dispatch.QueueCapacity,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		BackoffBase:     cfg.Dispatch.BackoffBase,
		DeliveryTimeout: time.Duration(cfg.Dispatch.WebhookTimeout) * time.Second,
		ShutdownGrace:   cfg.Dispatch.ShutdownGrace,
	}, store, deliverer, limiter, logger)

	if cfg.AWS.SQSDLQURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region: cfg.AWS.SQSRegion,
			DLQURL: cfg.AWS.SQSDLQURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, dead letters stay local", zap.Error(err))
		} else {
			dispatcher.OnDeadLetter(producer.OnDeadLetter)
		}
	}

	// Jobs left over from the previous run go back on the queues before
	// new events are accepted.
	restored, err := dispatcher.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore notification jobs: %w", err)
	}
	if restored > 0 {
		logger.Info("notification jobs restored", zap.Int("count", restored))
	}

	watch := make([]media.Field, len(cfg.Changes.Watch))
	for i, f := range cfg.Changes.Watch {
		watch[i] = media.Field(f)
	}

	p := pipeline.New(pipeline.Config{
		Correlation: correlator.Config{
			Delay:     cfg.Correlation.Delay,
			Policy:    cfg.Correlation.Match,
			Immediate: !cfg.Changes.FilterDeletes,
		},
		Detection: detector.Config{
			Watch:         watch,
			FilterRenames: cfg.Changes.FilterRenames,
		},
	}, store, router.New(cfg.Routes, cfg.Fallback, routeChannels), dispatcher, logger)

	var jf *jellyfin.Client
	if cfg.Jellyfin.Enabled() {
		jf = jellyfin.NewClient(jellyfin.Config{
			URL:    cfg.Jellyfin.URL,
			APIKey: cfg.Jellyfin.APIKey,
			UserID: cfg.Jellyfin.UserID,
		}, logger)
		if cfg.Jellyfin.FetchMissing {
			p.SetFetcher(jf)
		}
	}

	var source syncer.Source
	if jf != nil && cfg.Sync.Enabled {
		source = jf
	}
	librarySync := syncer.New(syncer.Config{
		Interval:  cfg.Sync.Interval,
		Retention: cfg.Sync.Retention,
	}, source, p, store, logger)

	handler := api.NewHandler(logger, p, dispatcher)
	handler.AddHealthCheck("store", store.Health)
	if source != nil {
		handler.WithSyncer(librarySync)
	}
	routerCfg := api.RouterConfig{}
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
		handler.AddHealthCheck("redis", redisClient.Health)
		routerCfg.WebhookLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  600,
			Window: time.Minute,
		})
	}
	if jf != nil {
		handler.AddHealthCheck("jellyfin", jf.Ping)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, logger, routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return p.Correlator().Run(gctx) })
	g.Go(func() error { return librarySync.Run(gctx) })

	if cfg.AWS.SQSQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWS.SQSRegion,
			QueueURL: cfg.AWS.SQSQueueURL,
		}, func(ctx context.Context, raw classifier.RawEvent) error {
			_, err := p.Submit(ctx, raw)
			return err
		}, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, webhook ingestion only", zap.Error(err))
		} else {
			g.Go(func() error { return consumer.Run(gctx) })
		}
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("jellycast stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return db.NewMemoryStore(), nil
	case "postgres":
		pool, err := db.New(ctx, db.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Name,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db.NewRepository(pool, logger), nil
	default:
		store, err := db.OpenSQLite(ctx, db.SQLiteConfig{Path: cfg.Store.SQLitePath}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	}
}

// buildDeliverer routes endpoints by scheme. AWS deliverers are optional;
// without credentials their channels fail permanently and dead-letter.
func buildDeliverer(ctx context.Context, cfg *config.Config, logger *zap.Logger) delivery.Deliverer {
	deliverers := []delivery.Deliverer{
		delivery.NewWebhook(logger, delivery.WebhookConfig{
			Timeout: time.Duration(cfg.Dispatch.WebhookTimeout) * time.Second,
		}),
	}

	snsSender, snsErr := delivery.NewSNS(ctx, cfg.AWS.SNSRegion, logger)
	if err := snsErr; err != nil {
		logger.Warn("SNS deliverer unavailable, sns: channels disabled", zap.Error(err))
	} else {
		deliverers = append(deliverers, snsSender)
	}

	sesSender, sesErr := delivery.NewSES(ctx, cfg.AWS.Region, cfg.AWS.SESFromEmail, logger)
	if err := sesErr; err != nil {
		logger.Warn("SES deliverer unavailable, mailto: channels disabled", zap.Error(err))
	} else {
		deliverers = append(deliverers, sesSender)
	}

	deliverers = append(deliverers, delivery.NewLog(logger))

	logger.Info("initialized deliverers",
		zap.Bool("sns_enabled", snsErr == nil),
		zap.Bool("ses_enabled", sesErr == nil),
		zap.Int("count", len(deliverers)),
	)
	return delivery.NewMulti(logger, deliverers...)
}
