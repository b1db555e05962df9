package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/analysis"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/handlers"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/jobs"
	"github.com/ternarybob/trellis/internal/queue"
	"github.com/ternarybob/trellis/internal/queue/workers"
	"github.com/ternarybob/trellis/internal/services/events"
	"github.com/ternarybob/trellis/internal/services/scheduler"
	"github.com/ternarybob/trellis/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Queue
	Broker       interfaces.QueueManager
	Registry     *queue.Registry
	JobProcessor *workers.JobProcessor

	// Events
	EventService   interfaces.EventService
	EventPublisher *events.KafkaPublisher // nil when no brokers are configured

	// Import pipeline
	Datasets *jobs.DatasetService
	Engine   *analysis.Engine
	Manager  *jobs.Manager
	Enqueuer *jobs.Enqueuer
	Importer *jobs.Importer

	// Periodic jobs
	SchedulerService *scheduler.Service
	Reaper           *scheduler.Reaper

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	ImportHandler    *handlers.ImportHandler
	QueueHandler     *handlers.QueueHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// New wires every component. Background processing starts with Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initQueue(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("queue_backend", cfg.Queue.Backend).
		Bool("multi_tenant", cfg.Jobs.MultiTenant).
		Bool("kafka_enabled", app.EventPublisher != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initQueue opens the configured broker and registers every queue.
func (a *App) initQueue() error {
	switch a.Config.Queue.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		broker, err := queue.NewRedisManager(ctx, queue.RedisOptions{
			Addr:     a.Config.Queue.RedisAddr,
			Password: a.Config.Queue.RedisPassword,
			DB:       a.Config.Queue.RedisDB,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.Broker = broker
	default:
		broker, err := queue.NewBadgerManager(a.StorageManager.DB(), a.Logger)
		if err != nil {
			return err
		}
		a.Broker = broker
	}

	registry, err := queue.NewRegistry(a.Broker, queue.DefinitionsFromConfig(&a.Config.Queue), a.Config.Jobs.MultiTenant, a.Logger)
	if err != nil {
		return err
	}
	a.Registry = registry
	return nil
}

// initServices builds the import pipeline in dependency order:
// events, datasets, analysis, manager, enqueuer, importer, workers, scheduler.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	logSubscriber := events.NewLoggerSubscriber(a.Logger)
	for _, eventType := range events.AllEventTypes {
		if err := a.EventService.Subscribe(eventType, logSubscriber); err != nil {
			return fmt.Errorf("failed to subscribe event logger: %w", err)
		}
	}

	// External sink is optional; audit entries are logged either way.
	var publisher interfaces.EventPublisher
	if kafka := events.NewKafkaPublisher(&a.Config.Events, a.Logger); kafka != nil {
		a.EventPublisher = kafka
		publisher = kafka
		if err := events.Forward(a.EventService, kafka, a.Logger); err != nil {
			return fmt.Errorf("failed to forward events to kafka: %w", err)
		}
	}

	a.Datasets = jobs.NewDatasetService(
		a.StorageManager.DatasetStorage(),
		jobs.NewFileSourceReader(a.Config.Jobs.SourceDir),
		&a.Config.Jobs,
		a.Logger,
	)
	a.Engine = analysis.NewEngine(a.StorageManager.CatalogStorage(), a.Logger)
	a.Manager = jobs.NewManager(a.StorageManager.JobStorage(), a.Datasets, a.Engine, a.EventService, a.Config, a.Logger)
	a.Enqueuer = jobs.NewEnqueuer(a.Manager, a.Registry, a.Logger)
	a.Importer = jobs.NewImporter(a.Manager, a.StorageManager.CatalogStorage(), a.StorageManager.ImportSink(), a.Config.Jobs.BatchSize, a.Logger)

	a.JobProcessor = workers.NewJobProcessor(a.Registry, &a.Config.Queue, a.EventService, a.Logger)
	sender := workers.NewLogSender(a.Logger)
	queueWorkers := []interfaces.JobWorker{
		workers.NewImportWorker(a.Manager, a.Importer, a.Enqueuer, a.Logger),
		workers.NewEmailWorker(sender, a.StorageManager.DeliveryStorage(), a.Logger),
		workers.NewNotificationWorker(sender, a.StorageManager.DeliveryStorage(), a.Logger),
		workers.NewAuditWorker(publisher, a.Logger),
	}
	queueWorkers = append(queueWorkers, workers.DefaultHandlerWorkers(a.Logger)...)
	for _, worker := range queueWorkers {
		if err := a.JobProcessor.RegisterWorker(worker); err != nil {
			return fmt.Errorf("failed to register %s worker: %w", worker.GetQueueName(), err)
		}
	}

	a.SchedulerService = scheduler.NewService(a.Logger)
	a.Reaper = scheduler.NewReaper(a.Manager, a.Registry, a.Logger)
	if err := a.Reaper.Register(a.SchedulerService, a.Config.Jobs.ReaperSchedule); err != nil {
		return fmt.Errorf("failed to register job reaper: %w", err)
	}

	return nil
}

// initHandlers creates the HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.ImportHandler = handlers.NewImportHandler(a.Manager, a.Enqueuer, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Registry, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Manager.CheckTenant, a.Logger)
}

// Start launches the queue workers and the scheduler.
func (a *App) Start() error {
	a.JobProcessor.Start()
	if err := a.SchedulerService.Start(); err != nil {
		a.JobProcessor.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.Logger.Info().Int("queues", len(a.Registry.Definitions())).Msg("Background processing started")
	return nil
}

// Close stops background work, then releases the event sink, broker and
// storage. Safe on a partially initialized App.
func (a *App) Close() error {
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Waits for in-flight messages so their settlement reaches the broker.
	if a.JobProcessor != nil {
		a.JobProcessor.Stop()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.EventPublisher != nil {
		if err := a.EventPublisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close Kafka publisher")
		}
	}

	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue broker")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
