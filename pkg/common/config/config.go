package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	ServerHost        string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxRequestBody    int64
	IngestionPort     string
	ProcessorPort     string
	ApprovalPort      string
	PublisherPort     string
	APIRateLimitRPS   int
	APIRateLimitBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string
	Topics       Topics

	// Stage workers
	ProcessorWorkers int
	ApprovalWorkers  int
	PublisherWorkers int

	Retry     RetryConfig
	RateLimit RateLimitConfig

	// Collaborators
	ExtractTimeout   time.Duration
	DeliveryTimeout  time.Duration
	TelegramBotToken string
	FeedPollSchedule string
	RedriveIdle      time.Duration
	IdempotencyTTL   time.Duration

	// Decision API tokens; empty secret leaves the endpoint open.
	DecisionTokenSecret string
	DecisionTokenTTL    time.Duration
}

type Topics struct {
	NewLink         string `yaml:"new_link"`
	PendingApproval string `yaml:"pending_approval"`
	PublishRequest  string `yaml:"publish_request"`
}

// DLQ returns the dead-letter topic paired with topic.
func (t Topics) DLQ(topic string) string {
	return topic + ".dlq"
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	Backend          string        `yaml:"backend"` // redis, memory
	DefaultPerMinute int           `yaml:"default_per_minute"`
	Window           time.Duration `yaml:"window"`
}

// overlay is the optional PIPELINE_CONFIG yaml document. Zero values leave the
// environment-derived setting untouched.
type overlay struct {
	Topics  Topics          `yaml:"topics"`
	Retry   RetryConfig     `yaml:"retry"`
	Limits  RateLimitConfig `yaml:"rate_limit"`
	Workers struct {
		Processor int `yaml:"processor"`
		Approval  int `yaml:"approval"`
		Publisher int `yaml:"publisher"`
	} `yaml:"workers"`
}

func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	secrets := newSecretReader(os.Getenv("FERNET_KEY"))

	cfg := &Config{
		ServerHost:        getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:       getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody:    int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		IngestionPort:     getEnv("INGESTION_PORT", "8081"),
		ProcessorPort:     getEnv("PROCESSOR_PORT", "8082"),
		ApprovalPort:      getEnv("APPROVAL_PORT", "8083"),
		PublisherPort:     getEnv("PUBLISHER_PORT", "8084"),
		APIRateLimitRPS:   getIntEnv("API_RATE_LIMIT_RPS", 50),
		APIRateLimitBurst: getIntEnv("API_RATE_LIMIT_BURST", 100),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "robopost"),
		PostgresPassword: secrets.get("POSTGRES_PASSWORD", "robopost"),
		PostgresDB:       getEnv("POSTGRES_DB", "robopost"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: secrets.get("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "robopost"),
		Topics: Topics{
			NewLink:         getEnv("TOPIC_NEW_LINK", "new-link"),
			PendingApproval: getEnv("TOPIC_PENDING_APPROVAL", "pending-approval"),
			PublishRequest:  getEnv("TOPIC_PUBLISH_REQUEST", "publish-request"),
		},

		ProcessorWorkers: getIntEnv("PROCESSOR_WORKERS", 4),
		ApprovalWorkers:  getIntEnv("APPROVAL_WORKERS", 2),
		PublisherWorkers: getIntEnv("PUBLISHER_WORKERS", 8),

		Retry: RetryConfig{
			MaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getDuration("RETRY_BASE_DELAY", 2*time.Second),
			Multiplier:  getFloatEnv("RETRY_MULTIPLIER", 2),
			Jitter:      getFloatEnv("RETRY_JITTER", 0.2),
			MaxDelay:    getDuration("RETRY_MAX_DELAY", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Backend:          strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "redis")),
			DefaultPerMinute: getIntEnv("RATE_LIMIT_DEFAULT_PER_MINUTE", 20),
			Window:           getDuration("RATE_LIMIT_WINDOW", time.Minute),
		},

		ExtractTimeout:   getDuration("EXTRACT_TIMEOUT", 30*time.Second),
		DeliveryTimeout:  getDuration("DELIVERY_TIMEOUT", 20*time.Second),
		TelegramBotToken: secrets.get("TELEGRAM_BOT_TOKEN", ""),
		FeedPollSchedule: getEnv("FEED_POLL_SCHEDULE", "@every 10m"),
		RedriveIdle:      getDuration("REDRIVE_IDLE", 10*time.Second),
		IdempotencyTTL:   getDuration("IDEMPOTENCY_DONE_TTL", 30*24*time.Hour),

		DecisionTokenSecret: secrets.get("DECISION_TOKEN_SECRET", ""),
		DecisionTokenTTL:    getDuration("DECISION_TOKEN_TTL", 24*time.Hour),
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := cfg.apply(path); err != nil {
			// The logger may not be initialised yet; stderr is the only safe sink.
			fmt.Fprintf(os.Stderr, "ignoring pipeline config %s: %v\n", path, err)
		}
	}

	return cfg
}

func (c *Config) apply(path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(content, &o); err != nil {
		return err
	}
	c.merge(o)
	return nil
}

func (c *Config) merge(o overlay) {
	if o.Topics.NewLink != "" {
		c.Topics.NewLink = o.Topics.NewLink
	}
	if o.Topics.PendingApproval != "" {
		c.Topics.PendingApproval = o.Topics.PendingApproval
	}
	if o.Topics.PublishRequest != "" {
		c.Topics.PublishRequest = o.Topics.PublishRequest
	}
	if o.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.BaseDelay > 0 {
		c.Retry.BaseDelay = o.Retry.BaseDelay
	}
	if o.Retry.Multiplier > 0 {
		c.Retry.Multiplier = o.Retry.Multiplier
	}
	if o.Retry.Jitter > 0 {
		c.Retry.Jitter = o.Retry.Jitter
	}
	if o.Retry.MaxDelay > 0 {
		c.Retry.MaxDelay = o.Retry.MaxDelay
	}
	if o.Limits.Backend != "" {
		c.RateLimit.Backend = strings.ToLower(o.Limits.Backend)
	}
	if o.Limits.DefaultPerMinute > 0 {
		c.RateLimit.DefaultPerMinute = o.Limits.DefaultPerMinute
	}
	if o.Limits.Window > 0 {
		c.RateLimit.Window = o.Limits.Window
	}
	if o.Workers.Processor > 0 {
		c.ProcessorWorkers = o.Workers.Processor
	}
	if o.Workers.Approval > 0 {
		c.ApprovalWorkers = o.Workers.Approval
	}
	if o.Workers.Publisher > 0 {
		c.PublisherWorkers = o.Workers.Publisher
	}
}

// secretReader reads credentials that may be stored as Fernet tokens. With
// FERNET_KEY unset values are taken as plain text.
type secretReader struct {
	keys []*fernet.Key
	err  error
}

func newSecretReader(encodedKey string) *secretReader {
	if encodedKey == "" {
		return &secretReader{}
	}
	keys, err := fernet.DecodeKeys(encodedKey)
	return &secretReader{keys: keys, err: err}
}

// get returns the decrypted value of key. A value that does not decrypt
// under FERNET_KEY is treated as unset.
func (r *secretReader) get(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" || (r.keys == nil && r.err == nil) {
		return getEnv(key, defaultValue)
	}
	if r.err != nil {
		fmt.Fprintf(os.Stderr, "ignoring %s: invalid FERNET_KEY: %v\n", key, r.err)
		return defaultValue
	}
	// A negative ttl skips the token age check.
	plain := fernet.VerifyAndDecrypt([]byte(value), -1, r.keys)
	if plain == nil {
		fmt.Fprintf(os.Stderr, "ignoring %s: not a valid token for FERNET_KEY\n", key)
		return defaultValue
	}
	return string(plain)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
