package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends for document state
const (
	StoragePostgres = "postgres"
	StorageMinio    = "minio"
	StorageMemory   = "memory"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Where document state lives
	StorageBackend string
	KeepSnapshots  int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioPrefix    string
	MinioUseSSL    bool

	// Optional: presence mirror and change events are off when empty
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	// Rooms
	SaveDelay        time.Duration
	SaveMaxWait      time.Duration
	SaveAttempts     int
	SaveBackoff      time.Duration
	SaveMaxBackoff   time.Duration
	SendQueueSize    int
	AwarenessTimeout time.Duration
	AwarenessRate    float64

	// Event dispatcher worker pool
	EventWorkers   int
	EventQueueSize int

	// Observability
	JaegerEndpoint    string
	JaegerSampleRatio float64
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "notes_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StoragePostgres)),
		KeepSnapshots:  getEnvInt("KEEP_SNAPSHOTS", 10),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "documents"),
		MinioPrefix:    getEnv("MINIO_PREFIX", "state"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		RedisURL:     getEnv("REDIS_URL", ""),
		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "document-events"),

		SaveDelay:        getEnvDuration("SAVE_DELAY", 2*time.Second),
		SaveMaxWait:      getEnvDuration("SAVE_MAX_WAIT", 10*time.Second),
		SaveAttempts:     getEnvInt("SAVE_ATTEMPTS", 5),
		SaveBackoff:      getEnvDuration("SAVE_BACKOFF", 200*time.Millisecond),
		SaveMaxBackoff:   getEnvDuration("SAVE_MAX_BACKOFF", 5*time.Second),
		SendQueueSize:    getEnvInt("SEND_QUEUE_SIZE", 256),
		AwarenessTimeout: getEnvDuration("AWARENESS_TIMEOUT", 30*time.Second),
		AwarenessRate:    getEnvFloat("AWARENESS_RATE", 20),

		EventWorkers:   getEnvInt("EVENT_WORKERS", 2),
		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 1024),

		JaegerEndpoint:    getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		JaegerSampleRatio: getEnvFloat("JAEGER_SAMPLE_RATIO", 0.1),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case StoragePostgres, StorageMemory:
	case StorageMinio:
		if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want postgres, minio or memory)", c.StorageBackend)
	}
	if c.SaveAttempts < 1 {
		return fmt.Errorf("SAVE_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms", "2s")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
