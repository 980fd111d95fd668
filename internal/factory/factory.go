package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-relay/internal/bucketing"
	"otp-relay/internal/client"
	"otp-relay/internal/config"
	"otp-relay/internal/delivery"
	"otp-relay/internal/extractor"
	"otp-relay/internal/handler"
	"otp-relay/internal/portal"
	"otp-relay/internal/repository/history"
	"otp-relay/internal/service"
	"otp-relay/internal/session"
	"otp-relay/internal/tls"
	"otp-relay/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient    *client.RedisClient
	kafkaProducer  *client.KafkaProducer
	telegramClient *client.TelegramClient

	bucketingManager *bucketing.BucketingManager
	history          history.Store

	// Core
	authenticator *session.Authenticator
	portalClient  *portal.Client
	extractor     *extractor.Extractor
	stats         *service.StatsStore
	pipeline      *service.Pipeline
	monitor       *service.Monitor

	// Delivery
	telegramSink *delivery.TelegramSink
	sink         delivery.Sink

	closeOnce sync.Once
}

// NewFactory builds every dependency from an already validated config.
func NewFactory(cfg *config.Config) (*Factory, error) {
	logger := util.Get()

	f := &Factory{
		config: cfg,
		logger: logger,
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, logger.Named("tls"))
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeHistory(); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}
	if err := f.initializeCore(); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("history_backend", cfg.History.Backend),
		util.Bool("kafka_enabled", cfg.KafkaEnabled()),
		util.Bool("browser_login", cfg.Portal.BrowserLoginURL != ""),
		util.Bool("live_feed", cfg.Portal.LiveFeed),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)
	return f, nil
}

// initializeClients sets up the external service clients this config needs.
func (f *Factory) initializeClients() error {
	f.telegramClient = client.NewTelegramClient(f.config.Telegram, f.logger.Named("telegram"))

	if f.config.History.Backend == "redis" {
		rc, err := client.NewRedisClient(f.config.Redis, f.logger.Named("redis"))
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
	}

	if f.config.KafkaEnabled() {
		f.kafkaProducer = client.NewKafkaProducer(f.config.Kafka, f.logger.Named("kafka"))
	}
	return nil
}

func (f *Factory) initializeHistory() error {
	switch f.config.History.Backend {
	case "redis":
		f.bucketingManager = bucketing.NewBucketingManager(f.config.Redis.HistoryBuckets)
		f.history = history.NewRedisStore(f.redisClient, f.bucketingManager, f.logger.Named("history"))
	default:
		store, err := history.OpenFileStore(f.config.History.File, f.logger.Named("history"))
		if err != nil {
			return err
		}
		f.history = store
	}
	return nil
}

func (f *Factory) initializeCore() error {
	pc := f.config.Portal

	var browser session.BrowserLogin
	if pc.BrowserLoginURL != "" {
		browser = session.NewHTTPBrowserLogin(pc.BrowserLoginURL, 0)
	}
	auth, err := session.NewAuthenticator(pc, browser, f.logger.Named("session"))
	if err != nil {
		return err
	}
	f.authenticator = auth

	f.portalClient = portal.NewClient(pc, f.logger.Named("portal"))
	f.extractor = extractor.New(extractor.Options{JoinSeparated: f.config.Extractor.JoinSeparated})
	f.stats = service.NewStatsStore(time.Now())

	tg := f.config.Telegram
	f.telegramSink = delivery.NewTelegramSink(f.telegramClient, tg.GroupID, tg.ChannelLink, tg.DevLink)
	sinks := []delivery.NamedSink{{Name: "telegram", Sink: f.telegramSink}}
	if f.kafkaProducer != nil {
		sinks = append(sinks, delivery.NamedSink{Name: "kafka", Sink: delivery.NewKafkaSink(f.kafkaProducer)})
	}
	if len(sinks) == 1 {
		f.sink = f.telegramSink
	} else {
		f.sink = delivery.NewMultiSink(sinks...)
	}

	f.pipeline = service.NewPipeline(
		f.authenticator,
		f.portalClient,
		f.extractor,
		f.history,
		f.stats,
		pc.MessageFetchDelay,
		f.logger.Named("pipeline"),
	)
	if pc.LiveFeed {
		f.pipeline.SetLiveFeed(f.portalClient)
	}
	f.monitor = service.NewMonitor(
		f.pipeline,
		f.sink,
		f.telegramSink,
		f.stats,
		f.config.Monitor,
		f.logger.Named("monitor"),
	)
	return nil
}

// Router builds the status and manual-trigger HTTP surface.
func (f *Factory) Router() http.Handler {
	h := handler.NewOTPHandler(f.pipeline, f.monitor, f.sink, f.stats, f.logger.Named("http"))
	return handler.NewRouter(h, f.HealthCheck, f.logger.Named("http"), f.config.Server.EnableTLS && f.config.IsProduction())
}

// ==============================
// Health Checks
// ==============================

// HealthCheck pings the optional backing services. It backs /health.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// Close flushes history, discards the session and closes clients. The
// monitor must already have stopped.
func (f *Factory) Close() error {
	var closeErr error
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.history != nil {
			if err := f.history.Close(); err != nil {
				util.Error("Failed to flush history", util.ErrorField(err))
				closeErr = err
			} else {
				util.Info("History flushed")
			}
		}

		if f.authenticator != nil {
			f.authenticator.Discard()
		}

		f.closeClients()

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return closeErr
}

func (f *Factory) closeClients() {
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		}
	}
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Monitor() *service.Monitor {
	return f.monitor
}

func (f *Factory) Pipeline() *service.Pipeline {
	return f.pipeline
}

func (f *Factory) Stats() *service.StatsStore {
	return f.stats
}

func (f *Factory) Authenticator() *session.Authenticator {
	return f.authenticator
}
