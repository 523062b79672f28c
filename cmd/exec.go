package cmd

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"queue-server/config"
	"queue-server/internal/events"
	"queue-server/internal/handlers"
	"queue-server/internal/services"
	"queue-server/internal/store"
	"queue-server/monitoring"
	"queue-server/security"
	"queue-server/utils"
)

func Start() error {
	app := pocketbase.New()

	cfg := config.LoadConfig()
	logger := newLogger(cfg)

	seeds, err := config.LoadRideSeeds(cfg.RidesFile)
	if err != nil {
		return err
	}

	// State store
	var redisClient *redis.Client
	var st store.Store
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		st = store.NewMemoryStore()
		logger.Warn("using in-memory store, queue state is neither shared nor persisted")
	case config.StoreBackendRedis:
		redisClient, err = utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return err
		}
		st = store.NewRedisStore(redisClient)
	default:
		return errors.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}

	// Services
	monitor := monitoring.NewMonitor(st, logger)
	dispatcher := services.NewDispatcher(st, publisher, monitor, logger, cfg.KafkaTopic)
	metaService := services.NewRideMetaService(st, dispatcher, logger)
	queueService := services.NewQueueService(st, metaService, monitor, logger, services.QueueOptions{
		UserMaxRides:           cfg.UserMaxRides,
		ReenrollResetsPosition: cfg.ReenrollResetsPosition,
		InfoConcurrency:        cfg.QueueInfoConcurrency,
	})
	mockGenerator := services.NewMockQueueGenerator(st, metaService, config.Popularity(seeds),
		cfg.MockInitialDelay, cfg.MockRefillInterval, logger)

	// Handlers
	queueHandler := handlers.NewQueueHandler(queueService, logger)
	adminHandler := handlers.NewAdminHandler(dispatcher, st, logger)
	limiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute, cfg.RateLimitBurst, logger)
	auth := security.NewAPIKeyAuth(cfg.APIKeyHash, "/health")

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: !cfg.IsProduction(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	var metricsServer *http.Server

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		rides := services.LoadRideTable(app.DB(), config.Metas(seeds), logger)
		if err := metaService.SeedRides(ctx, rides); err != nil {
			return err
		}
		dispatcher.Start()

		registerRoutes(se, queueHandler, adminHandler, limiter, auth)

		if cfg.MockEnabled {
			mockGenerator.Start(ctx)
		}

		if cfg.EnableMetrics {
			monitor.Start(ctx, cfg.MetricsInterval)
			metricsServer = monitoring.NewMetricsServer(cfg.MetricsPort)
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("metrics server stopped")
				}
			}()
			logger.WithField("port", cfg.MetricsPort).Info("metrics server started")
		}

		logger.WithField("rides", len(rides)).Info("server routes registered")
		return se.Next()
	})

	bindRideHooks(app, metaService, logger)

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		logger.Info("shutting down")
		cancel()
		mockGenerator.Stop()

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.DispatchShutdownTimeout)
		defer done()
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("dispatcher did not stop cleanly")
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := publisher.Close(); err != nil {
			logger.WithError(err).Warn("closing event publisher")
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return e.Next()
	})

	app.RootCmd.AddCommand(
		newMockFillCommand(mockGenerator, metaService, config.Metas(seeds)),
		newDispatchCommand(dispatcher),
	)

	return app.Start()
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// newPublisher always writes to Kafka and mirrors to PubNub when a publish
// key is configured.
func newPublisher(cfg *config.Config, logger *logrus.Logger) (events.Publisher, error) {
	acks, err := events.ParseRequiredAcks(cfg.KafkaRequiredAcks)
	if err != nil {
		return nil, err
	}
	kafkaPublisher := events.NewKafkaPublisher(events.NewKafkaWriter(events.KafkaSettings{
		Brokers:      cfg.KafkaBrokers,
		WriteTimeout: cfg.KafkaWriteTimeout,
		RequiredAcks: acks,
	}), logger)

	if cfg.PubNubPublishKey == "" {
		return kafkaPublisher, nil
	}

	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pnConfig.UUID = cfg.PubNubUserID
	if pnConfig.UUID == "" {
		code, err := utils.GenerateCode(8)
		if err != nil {
			return nil, err
		}
		pnConfig.UUID = "queue-server-" + code
	}
	logger.WithField("pubnub_user", pnConfig.UUID).Info("mirroring readiness events to pubnub")

	return events.NewFanoutPublisher(kafkaPublisher, events.NewPubNubPublisher(pubnub.NewPubNub(pnConfig))), nil
}

func registerRoutes(se *core.ServeEvent, queue *handlers.QueueHandler, admin *handlers.AdminHandler, limiter *security.RateLimiter, auth *security.APIKeyAuth) {
	se.Router.GET("/health", admin.Health)

	q := se.Router.Group("/api/queue")
	a := se.Router.Group("/api/admin")
	if auth != nil {
		q.BindFunc(auth.Middleware)
		a.BindFunc(auth.Middleware)
	}
	q.BindFunc(limiter.Middleware)
	a.BindFunc(limiter.Middleware)

	q.POST("/enqueue", queue.Enqueue)
	q.GET("/status", queue.GetStatus)
	q.GET("/status/all", queue.GetAllStatus)
	q.POST("/cancel", queue.Cancel)
	q.GET("/rides/info", queue.GetAllRidesInfo)
	q.GET("/rides/{rideId}/info", queue.GetRideInfo)

	a.GET("/dispatchers", admin.ListDispatchers)
	a.POST("/rides/{rideId}/dispatch", admin.Dispatch)
}

// bindRideHooks keeps dispatchers and ride meta in step with the rides
// collection edited through the PocketBase API.
func bindRideHooks(app core.App, metaService *services.RideMetaService, logger *logrus.Logger) {
	save := func(previousRideID func(e *core.RecordRequestEvent) int64) func(*core.RecordRequestEvent) error {
		return func(e *core.RecordRequestEvent) error {
			meta := services.MetaFromRecord(e.Record)
			if err := services.ValidateMeta(meta); err != nil {
				return apis.NewBadRequestError(err.Error(), nil)
			}
			previous := previousRideID(e)
			if err := e.Next(); err != nil {
				return err
			}
			if err := metaService.ReplaceMeta(e.Request.Context(), previous, meta); err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"ride_id":          meta.RideID,
					"previous_ride_id": previous,
				}).Error("ride record saved but dispatcher not updated")
			}
			return nil
		}
	}
	app.OnRecordCreateRequest(services.RidesCollection).BindFunc(save(func(*core.RecordRequestEvent) int64 {
		return 0
	}))
	app.OnRecordUpdateRequest(services.RidesCollection).BindFunc(save(func(e *core.RecordRequestEvent) int64 {
		return services.MetaFromRecord(e.Record.Original()).RideID
	}))

	app.OnRecordDeleteRequest(services.RidesCollection).BindFunc(func(e *core.RecordRequestEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		rideID := services.MetaFromRecord(e.Record).RideID
		removed, err := metaService.DeleteMeta(e.Request.Context(), rideID)
		if err != nil {
			logger.WithError(err).WithField("ride_id", rideID).Error("ride record deleted but queues not closed")
			return nil
		}
		logger.WithFields(logrus.Fields{"ride_id": rideID, "removed": removed}).Info("ride deleted, dispatcher removed")
		return nil
	})
}
