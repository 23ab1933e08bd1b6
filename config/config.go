package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the relay server.
// Tags use mapstructure for Viper unmarshalling and env for environment variable binding.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Workstation credentials are company-scoped JWTs.
	JWTSecretKey string `mapstructure:"JWT_SECRET_KEY"`

	// Connection liveness.
	HeartbeatThresholdSec int `mapstructure:"HEARTBEAT_THRESHOLD_SEC"`
	ConnectionSweepSec    int `mapstructure:"CONNECTION_SWEEP_SEC"`
	AuthGraceSec          int `mapstructure:"AUTH_GRACE_SEC"`

	// Session lifecycle.
	SimpleSessionTTLMin   int `mapstructure:"SIMPLE_SESSION_TTL_MIN"`
	DocumentSessionTTLMin int `mapstructure:"DOCUMENT_SESSION_TTL_MIN"`
	SessionSweepSec       int `mapstructure:"SESSION_SWEEP_SEC"`

	// Signature payload cap in bytes.
	MaxSignatureBytes int `mapstructure:"MAX_SIGNATURE_BYTES"`

	// Artifact cache.
	ArtifactTTLMin    int    `mapstructure:"ARTIFACT_TTL_MIN"`
	ArtifactCacheSize int    `mapstructure:"ARTIFACT_CACHE_SIZE"`
	RedisAddr         string `mapstructure:"REDIS_ADDR"` // empty = in-memory cache
	RedisKeyPrefix    string `mapstructure:"REDIS_KEY_PREFIX"`

	// Resilience.
	BreakerFailureThreshold int `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerOpenSec          int `mapstructure:"BREAKER_OPEN_SEC"`
	RetryMaxAttempts        int `mapstructure:"RETRY_MAX_ATTEMPTS"`
	OperationTimeoutSec     int `mapstructure:"OPERATION_TIMEOUT_SEC"`

	// Blob storage for finalized artifacts.
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	// Optional Kafka audit sink; empty broker list disables it.
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"` // comma separated
	KafkaAuditTopic string `mapstructure:"KAFKA_AUDIT_TOPIC"`
}

// HeartbeatThreshold returns the staleness cutoff as a duration.
func (c *ServerConfig) HeartbeatThreshold() time.Duration {
	return time.Duration(c.HeartbeatThresholdSec) * time.Second
}

// SessionTTL returns the expiry window for the given session kind.
func (c *ServerConfig) SessionTTL(documentKind bool) time.Duration {
	if documentKind {
		return time.Duration(c.DocumentSessionTTLMin) * time.Minute
	}
	return time.Duration(c.SimpleSessionTTLMin) * time.Minute
}

// BrokerList splits the configured Kafka brokers. Nil when unset.
func (c *ServerConfig) BrokerList() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if b := strings.TrimSpace(p); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/padsign/")
	v.AddConfigPath("$HOME/.padsign")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/padsign_dev")
	v.SetDefault("MONGO_DB_NAME", "padsign_dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "padsign-relay")
	v.SetDefault("JWT_SECRET_KEY", "a_very_secret_jwt_key_change_me") // CHANGE IN PRODUCTION
	v.SetDefault("HEARTBEAT_THRESHOLD_SEC", 90)
	v.SetDefault("CONNECTION_SWEEP_SEC", 30)
	v.SetDefault("AUTH_GRACE_SEC", 15)
	v.SetDefault("SIMPLE_SESSION_TTL_MIN", 2)
	v.SetDefault("DOCUMENT_SESSION_TTL_MIN", 30)
	v.SetDefault("SESSION_SWEEP_SEC", 30)
	v.SetDefault("MAX_SIGNATURE_BYTES", 2*1024*1024)
	v.SetDefault("ARTIFACT_TTL_MIN", 10)
	v.SetDefault("ARTIFACT_CACHE_SIZE", 512)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_KEY_PREFIX", "padsign")
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_OPEN_SEC", 30)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("OPERATION_TIMEOUT_SEC", 10)
	v.SetDefault("MINIO_ENDPOINT", "")
	v.SetDefault("MINIO_BUCKET", "padsign-artifacts")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "padsign.audit")

	if err := v.ReadInConfig(); err != nil {
		// ConfigFileNotFoundError is acceptable, means we use defaults/env vars.
		// Other errors (e.g. permission issues, malformed config) are returned.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
