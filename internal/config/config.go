package config

import (
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
	Store     Store     `yaml:"store"`
	Database  Database  `yaml:"database"`
	Badger    Badger    `yaml:"badger"`
	DynamoDB  DynamoDB  `yaml:"dynamodb"`
	Redis     Redis     `yaml:"redis"`
	Queue     Queue     `yaml:"queue"`
	Auth      Auth      `yaml:"auth"`
	Messaging Messaging `yaml:"messaging"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Reconcile Reconcile `yaml:"reconcile"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port         string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Log holds logging configuration
type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel maps the configured level to slog, defaulting to info
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverDynamoDB = "dynamodb"
)

// Store selects the conversation store backend
type Store struct {
	Driver string `yaml:"driver" env:"STORE_DRIVER" env-default:"postgres"`

	// Optional YAML file with tenants and memberships loaded into the directory on startup
	DirectorySeedFile string `yaml:"directory_seed_file" env:"DIRECTORY_SEED_FILE"`
}

// Database holds database configuration
type Database struct {
	// PostgreSQL
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	// Connection pool settings
	MaxOpenConns int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DB_CONN_LIFETIME" env-default:"5m"`

	// Apply the embedded schema on startup
	AutoMigrate bool `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"true"`
}

// Badger holds embedded store configuration
type Badger struct {
	Path     string `yaml:"path" env:"BADGER_PATH" env-default:"./data/badger"`
	InMemory bool   `yaml:"in_memory" env:"BADGER_IN_MEMORY" env-default:"false"`
}

// DynamoDB holds DynamoDB configuration. Endpoint is set for DynamoDB Local.
type DynamoDB struct {
	Endpoint        string `yaml:"endpoint" env:"DYNAMODB_ENDPOINT"`
	Region          string `yaml:"region" env:"DYNAMODB_REGION" env-default:"us-east-1"`
	Table           string `yaml:"table" env:"DYNAMODB_TABLE" env-default:"neo-inbox"`
	AccessKeyID     string `yaml:"access_key_id" env:"DYNAMODB_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"DYNAMODB_SECRET_ACCESS_KEY"`
}

// Redis holds redis configuration shared by the rate limiter and the queue
type Redis struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// Queue holds background task configuration
type Queue struct {
	Enabled     bool   `yaml:"enabled" env:"QUEUE_ENABLED" env-default:"false"`
	Name        string `yaml:"name" env:"QUEUE_NAME" env-default:"messaging"`
	Concurrency int    `yaml:"concurrency" env:"QUEUE_CONCURRENCY" env-default:"10"`
	MaxRetry    int    `yaml:"max_retry" env:"QUEUE_MAX_RETRY" env-default:"10"`
}

// Auth holds token verification configuration
type Auth struct {
	JWTSecret    string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer       string `yaml:"issuer" env:"AUTH_ISSUER"`
	WorkflowRole string `yaml:"workflow_role" env:"AUTH_WORKFLOW_ROLE" env-default:"workflow"`
}

// Messaging holds messaging core tunables
type Messaging struct {
	MaxTextLength   int           `yaml:"max_text_length" env:"MESSAGING_MAX_TEXT_LENGTH" env-default:"2000"`
	CounterRetries  int           `yaml:"counter_retries" env:"MESSAGING_COUNTER_RETRIES" env-default:"5"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" env:"MESSAGING_RETRY_BACKOFF" env-default:"10ms"`
	DefaultPageSize int           `yaml:"default_page_size" env:"MESSAGING_DEFAULT_PAGE_SIZE" env-default:"30"`
	MaxPageSize     int           `yaml:"max_page_size" env:"MESSAGING_MAX_PAGE_SIZE" env-default:"100"`
}

// RateLimit holds the per-actor send limit
type RateLimit struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	Sends   int           `yaml:"sends" env:"RATE_LIMIT_SENDS" env-default:"60"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW" env-default:"1m"`
}

// Reconcile holds unread counter reconciliation configuration
type Reconcile struct {
	Enabled   bool          `yaml:"enabled" env:"RECONCILE_ENABLED" env-default:"false"`
	Interval  time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" env-default:"5m"`
	Quiet     time.Duration `yaml:"quiet" env:"RECONCILE_QUIET" env-default:"2m"`
	BatchSize int           `yaml:"batch_size" env:"RECONCILE_BATCH_SIZE" env-default:"100"`
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
