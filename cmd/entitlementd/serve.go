package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/internal/cache"
	"github.com/MarkoPoloResearchLab/entitlements/internal/config"
	"github.com/MarkoPoloResearchLab/entitlements/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/entitlements/internal/httpapi"
	"github.com/MarkoPoloResearchLab/entitlements/internal/notify"
	"github.com/MarkoPoloResearchLab/entitlements/internal/observability"
	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const tracerShutdownTimeout = 5 * time.Second

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer, err := observability.InitTracer(ctx, logger, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if shutdownErr := shutdownTracer(shutdownCtx); shutdownErr != nil {
			logger.Warn("tracer shutdown error", zap.Error(shutdownErr))
		}
	}()

	notifiers, closeNotifiers, err := buildNotifiers(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	var summaryCache *cache.SummaryCache
	if cfg.RedisAddr != "" {
		redisClient := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		defer redisClient.Close()
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			return fmt.Errorf("redis ping: %w", pingErr)
		}
		summaryCache = cache.NewSummaryCache(redisClient, cfg.SummaryCacheTTL)
		notifiers = append(notifiers, cache.NewInvalidator(summaryCache))
	}

	dispatcher := notify.NewDispatcher(logger, notify.Config{}, notifiers, notify.WithDeliveryObserver(metrics.ObserveDelivery))
	dispatcher.Start()
	defer dispatcher.Close()

	service, err := entitlement.NewService(store, func() time.Time { return time.Now().UTC() },
		entitlement.WithOperationLogger(observability.NewOperationLogger(logger, metrics)),
		entitlement.WithSideEffectSink(dispatcher),
		entitlement.WithTierTable(cfg.Tiers()),
		entitlement.WithRolloverPolicy(cfg.Rollover()),
		entitlement.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("entitlement service init: %w", err)
	}

	var summaries httpapi.SummaryReader = service
	if summaryCache != nil {
		summaries = cache.NewCachedSummaries(service, summaryCache, logger)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Dependencies{
		Ledger:         service,
		Summaries:      summaries,
		Validator:      validator,
		Metrics:        metrics,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	grpcServer := grpc.NewServer()
	grpcserver.Register(grpcServer, grpcserver.NewServer(service, logger))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTPListenAddr, router, logger)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, cfg.GRPCListenAddr, logger)
	})
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildNotifiers(cfg config.Config, logger *zap.Logger) ([]notify.Notifier, func(), error) {
	switch cfg.Notifier {
	case config.NotifierKafka:
		notifier := notify.NewKafkaNotifier(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		return []notify.Notifier{notifier}, func() { closeLogged(logger, "kafka", notifier.Close) }, nil
	case config.NotifierRabbit:
		notifier, err := notify.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return nil, nil, err
		}
		return []notify.Notifier{notifier}, func() { closeLogged(logger, "rabbitmq", notifier.Close) }, nil
	default:
		return []notify.Notifier{notify.NewLogNotifier(logger)}, func() {}, nil
	}
}

func closeLogged(logger *zap.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("notifier close error", zap.String("notifier", name), zap.Error(err))
	}
}
