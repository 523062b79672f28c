package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server configuration
	Environment string
	LogLevel    string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int
	StoreBackend  string

	// Kafka configuration
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaWriteTimeout time.Duration
	KafkaRequiredAcks string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Queue configuration
	UserMaxRides           int
	ReenrollResetsPosition bool
	RidesFile              string
	QueueInfoConcurrency   int

	// Dispatcher
	DispatchShutdownTimeout time.Duration

	// Mock queue generator
	MockEnabled        bool
	MockInitialDelay   time.Duration
	MockRefillInterval time.Duration

	// Security
	APIKeyHash         string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Monitoring
	EnableMetrics   bool
	MetricsPort     string
	MetricsInterval time.Duration
}

const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

func LoadConfig() *Config {
	return &Config{
		// Server
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", StoreBackendRedis)),

		// Kafka
		KafkaBrokers:      getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "queue-event-topic"),
		KafkaWriteTimeout: getEnvAsDuration("KAFKA_WRITE_TIMEOUT", "5s"),
		KafkaRequiredAcks: getEnv("KAFKA_REQUIRED_ACKS", "all"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", ""),

		// Queue
		UserMaxRides:           getEnvAsInt("USER_MAX_RIDES", 3),
		ReenrollResetsPosition: getEnvAsBool("REENROLL_RESETS_POSITION", false),
		RidesFile:              getEnv("RIDES_FILE", ""),
		QueueInfoConcurrency:   getEnvAsInt("QUEUE_INFO_CONCURRENCY", 8),

		// Dispatcher
		DispatchShutdownTimeout: getEnvAsDuration("DISPATCH_SHUTDOWN_TIMEOUT", "30s"),

		// Mock generator
		MockEnabled:        getEnvAsBool("QUEUE_MOCK_ENABLED", false),
		MockInitialDelay:   getEnvAsDuration("QUEUE_MOCK_INITIAL_DELAY", "5s"),
		MockRefillInterval: getEnvAsDuration("QUEUE_MOCK_REFILL_INTERVAL", "1m"),

		// Security
		APIKeyHash:         getEnv("API_KEY_HASH", ""),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 50),

		// Monitoring
		EnableMetrics:   getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		MetricsInterval: getEnvAsDuration("METRICS_INTERVAL", "30s"),
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
