package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full application configuration, loaded once from the environment
// (with optional .env overlay in development).
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Privacy       PrivacyConfig

	Detection DetectionConfig
	Anomaly   AnomalyConfig
	Alerting  AlertingConfig
	Response  ResponseConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	EventsTopic   string
	DerivedTopic  string
	ConsumerGroup string
	Enabled       bool
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AlertIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type PrivacyConfig struct {
	PseudonymKey   string
	EncryptDetails bool
}

// DetectionConfig tunes the sliding-window pattern rules.
type DetectionConfig struct {
	QueueSize           int
	BruteForceThreshold int
	BruteForceWindow    time.Duration
	RateLimitThreshold  int
	RateLimitWindow     time.Duration
	PrivEscThreshold    int
	ActivityWindow      time.Duration
	OffHoursThreshold   int
	OffHoursWindow      time.Duration
	BusinessHoursStart  int
	BusinessHoursEnd    int
	PruneInterval       time.Duration
	EventRetention      time.Duration
	MaxEventsPerWindow  int
}

// AnomalyConfig tunes the behavioral profiler.
type AnomalyConfig struct {
	MinSampleSize           int
	LearningWindow          time.Duration
	ActiveHourShare         float64
	EndpointRateFactor      float64
	IPCountFactor           float64
	ZScoreThreshold         float64
	AssumedRelStdDev        float64
	ExfilEventThreshold     int
	ExfilResourceCount      int
	ExfilCVThreshold        float64
	ExfilOffHoursShare      float64
	ExfilIndicatorsRequired int
}

// AlertingConfig tunes escalation and notification dispatch.
type AlertingConfig struct {
	EscalationTick       time.Duration
	GroupingInterval     time.Duration
	NotificationCooldown time.Duration

	EmailEnabled   bool
	EmailAddr      string
	EmailFrom      string
	EmailTo        []string
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
	ChatEnabled    bool
	ChatWebhookURL string
	PagerEnabled   bool
	PagerURL       string
	PagerKey       string
}

// ResponseConfig tunes the threat response executor.
type ResponseConfig struct {
	IPBlockTTL       time.Duration
	RateLimitTTL     time.Duration
	UserLockTTL      time.Duration
	SessionRevokeTTL time.Duration
	MFARequiredTTL   time.Duration
	QuarantineTTL    time.Duration
	ResyncInterval   time.Duration
	BlockIPDryRun    bool
	StoreTimeout     time.Duration
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig loads configuration from the environment exactly once.
func LoadConfig() *Config {
	once.Do(func() {
		// .env is a development convenience; absence is not an error.
		_ = godotenv.Load()
		globalConfig = loadFromEnv()
	})
	return globalConfig
}

// Get returns the loaded configuration.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func loadFromEnv() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8085),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},

		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},

		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},

		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "security_monitor"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},

		Kafka: KafkaConfig{
			Brokers:       getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventsTopic:   getEnv("KAFKA_EVENTS_TOPIC", "security-events"),
			DerivedTopic:  getEnv("KAFKA_DERIVED_TOPIC", "security-derived-events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "security-monitor"),
			Enabled:       getEnvBool("KAFKA_ENABLED", true),
		},

		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Database: getEnv("CLICKHOUSE_DATABASE", "security_monitor"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},

		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "https://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", "elastic"),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AlertIndex: getEnv("ELASTICSEARCH_ALERT_INDEX", "security-alerts"),
		},

		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},

		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 1000),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 100),
		},

		Privacy: PrivacyConfig{
			PseudonymKey:   getEnv("PSEUDONYM_KEY", ""),
			EncryptDetails: getEnvBool("ENCRYPT_EVENT_DETAILS", true),
		},

		Detection: DetectionConfig{
			QueueSize:           getEnvInt("DETECTION_QUEUE_SIZE", 10000),
			BruteForceThreshold: getEnvInt("BRUTE_FORCE_THRESHOLD", 5),
			BruteForceWindow:    getEnvDuration("BRUTE_FORCE_WINDOW", 15*time.Minute),
			RateLimitThreshold:  getEnvInt("RATE_LIMIT_THRESHOLD", 100),
			RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", 5*time.Minute),
			PrivEscThreshold:    getEnvInt("PRIV_ESC_THRESHOLD", 3),
			ActivityWindow:      getEnvDuration("ACTIVITY_WINDOW", time.Hour),
			OffHoursThreshold:   getEnvInt("OFF_HOURS_THRESHOLD", 10),
			OffHoursWindow:      getEnvDuration("OFF_HOURS_WINDOW", 30*time.Minute),
			BusinessHoursStart:  getEnvInt("BUSINESS_HOURS_START", 6),
			BusinessHoursEnd:    getEnvInt("BUSINESS_HOURS_END", 22),
			PruneInterval:       getEnvDuration("WINDOW_PRUNE_INTERVAL", time.Minute),
			EventRetention:      getEnvDuration("EVENT_RETENTION", 72*time.Hour),
			MaxEventsPerWindow:  getEnvInt("MAX_EVENTS_PER_WINDOW", 1000),
		},

		Anomaly: AnomalyConfig{
			MinSampleSize:           getEnvInt("ANOMALY_MIN_SAMPLE", 10),
			LearningWindow:          getEnvDuration("ANOMALY_LEARNING_WINDOW", 14*24*time.Hour),
			ActiveHourShare:         getEnvFloat("ANOMALY_ACTIVE_HOUR_SHARE", 0.10),
			EndpointRateFactor:      getEnvFloat("ANOMALY_ENDPOINT_RATE_FACTOR", 3.0),
			IPCountFactor:           getEnvFloat("ANOMALY_IP_COUNT_FACTOR", 2.0),
			ZScoreThreshold:         getEnvFloat("ANOMALY_ZSCORE_THRESHOLD", 3.0),
			AssumedRelStdDev:        getEnvFloat("ANOMALY_ASSUMED_REL_STDDEV", 0.20),
			ExfilEventThreshold:     getEnvInt("EXFIL_EVENT_THRESHOLD", 50),
			ExfilResourceCount:      getEnvInt("EXFIL_RESOURCE_COUNT", 20),
			ExfilCVThreshold:        getEnvFloat("EXFIL_CV_THRESHOLD", 0.3),
			ExfilOffHoursShare:      getEnvFloat("EXFIL_OFF_HOURS_SHARE", 0.5),
			ExfilIndicatorsRequired: getEnvInt("EXFIL_INDICATORS_REQUIRED", 3),
		},

		Alerting: AlertingConfig{
			EscalationTick:       getEnvDuration("ESCALATION_TICK", time.Minute),
			GroupingInterval:     getEnvDuration("ALERT_GROUPING_INTERVAL", 5*time.Minute),
			NotificationCooldown: getEnvDuration("NOTIFICATION_COOLDOWN", 5*time.Minute),

			EmailEnabled:   getEnvBool("EMAIL_ENABLED", false),
			EmailAddr:      getEnv("EMAIL_SMTP_ADDR", "localhost:25"),
			EmailFrom:      getEnv("EMAIL_FROM", "security-monitor@localhost"),
			EmailTo:        getEnvSlice("EMAIL_TO", nil),
			WebhookEnabled: getEnvBool("WEBHOOK_ENABLED", false),
			WebhookURL:     getEnv("WEBHOOK_URL", ""),
			WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
			ChatEnabled:    getEnvBool("CHAT_ENABLED", false),
			ChatWebhookURL: getEnv("CHAT_WEBHOOK_URL", ""),
			PagerEnabled:   getEnvBool("PAGER_ENABLED", false),
			PagerURL:       getEnv("PAGER_URL", ""),
			PagerKey:       getEnv("PAGER_ROUTING_KEY", ""),
		},

		Response: ResponseConfig{
			IPBlockTTL:       getEnvDuration("IP_BLOCK_TTL", 24*time.Hour),
			RateLimitTTL:     getEnvDuration("RATE_LIMIT_TTL", time.Hour),
			QuarantineTTL:    getEnvDuration("QUARANTINE_TTL", 24*time.Hour),
			UserLockTTL:      getEnvDuration("USER_LOCK_TTL", time.Hour),
			SessionRevokeTTL: getEnvDuration("SESSION_REVOKE_TTL", 24*time.Hour),
			MFARequiredTTL:   getEnvDuration("MFA_REQUIRED_TTL", 24*time.Hour),
			ResyncInterval:   getEnvDuration("CONTAINMENT_RESYNC_INTERVAL", 5*time.Minute),
			BlockIPDryRun:    getEnvBool("BLOCK_IP_DRY_RUN", false),
			StoreTimeout:     getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
	}
}

// IsProduction returns true in production deployments.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true outside production.
func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// GetServerAddress returns host:port for the HTTP listener.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
