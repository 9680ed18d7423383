package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"security-monitor/internal/alerting"
	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/config"
	"security-monitor/internal/detector"
	"security-monitor/internal/encryption"
	"security-monitor/internal/pipeline"
	clickhouserepo "security-monitor/internal/repository/clickhouse"
	redisrepo "security-monitor/internal/repository/redis"
	"security-monitor/internal/repository/scylla"
	"security-monitor/internal/repository/search"
	"security-monitor/internal/response"
	"security-monitor/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager
	pseudonymizer     *util.Pseudonymizer

	// Domain components
	containment *response.Containment
	executor    *response.Executor
	alerts      *alerting.Manager
	pattern     *detector.PatternDetector
	anomaly     *detector.AnomalyDetector
	eventStore  *clickhouserepo.EventStore
	alertIndex  *search.AlertIndex
	monitor     *pipeline.Monitor

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	if err := factory.initializePipeline(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without republish", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
		if consumer, err := client.NewKafkaConsumer(f.config, util.Get()); err != nil {
			util.Warn("Kafka consumer initialization failed - proceeding without ingest", util.ErrorField(err))
		} else {
			f.kafkaConsumer = consumer
		}
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption, bucketing and the log masker
func (f *Factory) initializeManagers() {
	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config, falling back to local keys", util.ErrorField(err))
			f.config.KMS.Enabled = false
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.pseudonymizer = util.NewPseudonymizer(f.config.Privacy.PseudonymKey)

	util.Info("Managers initialized successfully",
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// initializePipeline wires detectors, alerting, response and the event pipeline.
func (f *Factory) initializePipeline() error {
	cfg := f.config
	logger := util.Get()

	// Containment over Redis; rehydrate memory state before serving queries.
	var store response.Store
	if f.redisClient != nil {
		store = redisrepo.NewContainmentCache(f.redisClient)
	} else {
		util.Warn("Redis unavailable, containment state is process-local only")
		store = response.NewMemoryStore()
	}
	f.containment = response.NewContainment(cfg.Response, store, logger)
	{
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Response.StoreTimeout)
		defer cancel()
		if err := f.containment.Rehydrate(ctx); err != nil {
			util.Warn("Containment rehydration failed, starting with empty state", util.ErrorField(err))
		}
	}

	// Alerting: channels from config, cooldown over Redis when available.
	var channels []alerting.Channel
	if cfg.Alerting.EmailEnabled {
		channels = append(channels, alerting.NewEmailChannel(
			cfg.Alerting.EmailAddr, cfg.Alerting.EmailFrom, cfg.Alerting.EmailTo,
			"low", cfg.Alerting.NotificationCooldown))
	}
	if cfg.Alerting.WebhookEnabled {
		channels = append(channels, alerting.NewWebhookChannel(
			cfg.Alerting.WebhookURL, cfg.Alerting.WebhookSecret,
			"medium", cfg.Alerting.NotificationCooldown))
	}
	if cfg.Alerting.ChatEnabled {
		channels = append(channels, alerting.NewChatChannel(
			cfg.Alerting.ChatWebhookURL, "low", cfg.Alerting.NotificationCooldown))
	}
	if cfg.Alerting.PagerEnabled {
		channels = append(channels, alerting.NewPagerChannel(
			cfg.Alerting.PagerURL, cfg.Alerting.PagerKey,
			"high", cfg.Alerting.NotificationCooldown))
	}

	var cooldown alerting.CooldownLimiter
	if f.redisClient != nil {
		cooldown = redisrepo.NewNotificationCache(f.redisClient)
	} else {
		cooldown = alerting.NewMemoryCooldown()
	}

	var alertRepo alerting.AlertRepository
	if f.scyllaClient != nil {
		alertRepo = scylla.NewAlertRepository(f.scyllaClient)
	}

	var alertIndexer alerting.AlertIndexer
	if f.esClient != nil {
		index, err := search.NewAlertIndex(f.esClient, cfg.Elasticsearch.AlertIndex)
		if err != nil {
			util.Warn("Alert index initialization failed - search disabled", util.ErrorField(err))
		} else {
			f.alertIndex = index
			alertIndexer = index
		}
	}

	f.alerts = alerting.NewManager(cfg.Alerting, channels, cooldown, alertRepo, alertIndexer, logger)

	// Response executor over containment; the alert manager serves as the
	// team notifier and incident creator.
	var responseRepo response.ResponseRepository
	if f.scyllaClient != nil {
		responseRepo = scylla.NewResponseRepository(f.scyllaClient)
	}
	f.executor = response.NewExecutor(cfg.Response, f.containment, f.alerts, f.alerts, responseRepo, logger)

	// Detectors
	f.pattern = detector.NewPatternDetector(cfg.Detection, logger)
	f.anomaly = detector.NewAnomalyDetector(cfg.Anomaly,
		cfg.Detection.BusinessHoursStart, cfg.Detection.BusinessHoursEnd, logger)

	// Event history
	if f.clickhouseClient != nil {
		f.eventStore = clickhouserepo.NewEventStore(cfg, f.clickhouseClient, f.bucketingManager, f.encryptionManager)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := f.eventStore.EnsureSchema(ctx); err != nil {
			util.Warn("Event history schema setup failed", util.ErrorField(err))
		}
	}

	// Pipeline
	var sink pipeline.EventSink
	if f.eventStore != nil {
		sink = f.eventStore
	}
	var publisher pipeline.EventPublisher
	if f.kafkaProducer != nil {
		publisher = f.kafkaProducer
	}
	var source pipeline.EventSource
	if f.kafkaConsumer != nil {
		source = f.kafkaConsumer
	}

	f.monitor = pipeline.NewMonitor(cfg, f.pattern, f.anomaly, f.alerts, f.executor,
		f.containment, sink, publisher, source, f.pseudonymizer, logger)

	return nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Kafka is optional; an outage degrades ingest but the HTTP path still works.
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.monitor != nil {
			f.monitor.Stop()
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Monitor() *pipeline.Monitor {
	return f.monitor
}

func (f *Factory) Containment() *response.Containment {
	return f.containment
}

func (f *Factory) AlertManager() *alerting.Manager {
	return f.alerts
}

func (f *Factory) AlertIndex() *search.AlertIndex {
	return f.alertIndex
}

func (f *Factory) EventStore() *clickhouserepo.EventStore {
	return f.eventStore
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}
