// Package app wires the gateway and dispatcher from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/api"
	"github.com/lalithlochan/smsrelay/internal/auth"
	"github.com/lalithlochan/smsrelay/internal/carrier"
	"github.com/lalithlochan/smsrelay/internal/circuitbreaker"
	"github.com/lalithlochan/smsrelay/internal/compliance"
	"github.com/lalithlochan/smsrelay/internal/config"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/dispatch"
	"github.com/lalithlochan/smsrelay/internal/ingest"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/queue"
	"github.com/lalithlochan/smsrelay/internal/redis"
	"github.com/lalithlochan/smsrelay/internal/sns"
	"github.com/lalithlochan/smsrelay/internal/sqs"
	"github.com/lalithlochan/smsrelay/internal/status"
	"github.com/lalithlochan/smsrelay/internal/trigger"
)

// App holds every long-lived component. Fields that depend on optional
// infrastructure may be nil.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *db.DB
	Repo  *db.Repository
	Redis *redis.Client // nil when Redis is down and not the queue backend
	Queue queue.Queue

	Carrier    *carrier.Protected
	Tracker    *status.Tracker
	Dispatcher *dispatch.Dispatcher
	Pool       *dispatch.Pool
	Ingest     *ingest.Service
	Router     http.Handler

	closers []func()
}

// New connects to the database, Redis and the queue backend and builds the
// pipeline on top. The caller starts Pool and serves Router as needed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var err error
	a.DB, err = db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)
	a.Repo = db.NewRepository(a.DB, logger)

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	if err := a.connectRedis(ctx); err != nil {
		return err
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	sender, err := newCarrier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breakerCfg := circuitbreaker.DefaultConfig(sender.Name())
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	a.Carrier = carrier.NewProtected(sender, circuitbreaker.New(breakerCfg, logger), logger)

	var publisher status.Publisher
	if cfg.SNSStatusTopicARN != "" {
		p, err := sns.NewPublisher(ctx, cfg.SNSStatusTopicARN, cfg.SNSRegion, cfg.AWSEndpoint)
		if err != nil {
			logger.Warn("sns publisher unavailable, status events will not be published", zap.Error(err))
		} else {
			publisher = p
		}
	}
	a.Tracker = status.NewTracker(a.Repo, publisher, logger)

	a.Dispatcher = dispatch.New(a.Repo, compliance.NewGate(a.Repo, logger), a.Carrier, a.Queue, a.Tracker,
		dispatch.Config{
			Policy: queue.RetryPolicy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
				MaxAge:      cfg.RetryMaxAge,
			},
			CallbackURL: cfg.StatusCallbackURL(),
		}, logger)
	a.Pool = dispatch.NewPool(a.Queue, a.Dispatcher, dispatch.PoolConfig{
		Workers:      cfg.DispatchWorkers,
		DrainTimeout: cfg.DispatchDrainTimeout,
	}, logger)

	a.Ingest = ingest.NewService(a.Repo, trigger.NewMatcher(a.Repo, logger), a.Queue, logger)
	a.Router = a.newRouter()

	return nil
}

func (a *App) connectRedis(ctx context.Context) error {
	cfg := a.Config
	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, a.Logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueRedis {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		return nil
	}
	a.Redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	cfg := a.Config
	switch cfg.QueueBackend {
	case config.QueueSQS:
		q, err := sqs.New(ctx, sqs.Config{
			Region:            cfg.SQSRegion,
			QueueURL:          cfg.SQSQueueURL,
			Endpoint:          cfg.AWSEndpoint,
			WaitTime:          time.Duration(cfg.SQSWaitSeconds) * time.Second,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
		a.Queue = q
	case config.QueueRedis:
		a.Queue = redis.NewQueue(a.Redis, redis.QueueConfig{
			Prefix:            cfg.RedisQueuePrefix,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, a.Logger)
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	a.closers = append(a.closers, func() { _ = a.Queue.Close() })

	a.Logger.Info("dispatch queue ready", zap.String("backend", cfg.QueueBackend))
	return nil
}

func newCarrier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (carrier.Carrier, error) {
	switch cfg.Carrier {
	case config.CarrierTwilio:
		return carrier.NewTwilio(carrier.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			Timeout:    cfg.CarrierTimeout,
		}, logger), nil
	case config.CarrierSNS:
		c, err := carrier.NewSNS(ctx, carrier.SNSConfig{
			Region:   cfg.SNSRegion,
			Endpoint: cfg.AWSEndpoint,
			Timeout:  cfg.CarrierTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sns carrier: %w", err)
		}
		return c, nil
	case config.CarrierLog:
		logger.Warn("using log carrier, no SMS will leave this process")
		return carrier.NewLog(logger), nil
	default:
		return nil, errors.New("unknown carrier " + cfg.Carrier)
	}
}

func (a *App) newRouter() http.Handler {
	cfg := a.Config
	h := api.NewHandler(a.Logger, a.Repo, a.Ingest, a.Tracker, a.Queue).
		WithCarrierStats(a.Carrier.Breaker().Stats)

	rc := api.RouterConfig{
		Auth:         auth.NewGate(a.Repo, cfg.AuthMaxSkew, a.Logger),
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	if a.Redis != nil {
		h.WithIdempotency(redis.NewIdempotencyService(a.Redis, a.Logger))
		rc.RateLimiter = redis.NewRateLimiter(a.Redis, a.Logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}
	if cfg.Carrier == config.CarrierTwilio && cfg.TwilioValidateCallbacks {
		if cb := cfg.StatusCallbackURL(); cb != "" {
			h.WithCallbackValidation(cfg.TwilioAuthToken, cb)
		} else {
			a.Logger.Warn("TWILIO_VALIDATE_CALLBACKS needs PUBLIC_BASE_URL, callbacks are not verified")
		}
	}

	return api.NewRouter(h, rc, a.Logger)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
