package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Payment gateway configuration
	Chapa ChapaConfig

	// Payment policy
	Payment PaymentConfig

	// Confirmation notification configuration
	Notification NotificationConfig

	// Background reconciliation configuration
	Reconcile ReconcileConfig

	// CORS configuration
	CORS CORSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string
	Environment     string // development, staging, production
	LogLevel        string // debug, info, warn, error
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	Driver             string // "postgres" (lib/pq) or "pgx"
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	QueryTimeout       time.Duration
	AutoMigrate        bool
}

// ChapaConfig holds Chapa gateway configuration
type ChapaConfig struct {
	BaseURL       string
	SecretKey     string // SECRET - never expose to client
	WebhookSecret string // optional, enables webhook signature checks
	CallbackURL   string // provider calls this after checkout
	ReturnURL     string // customer is redirected here after checkout
	Timeout       time.Duration
}

// PaymentConfig holds payment policy values
type PaymentConfig struct {
	Currency    string
	CheckoutTTL time.Duration // pending checkout links older than this are not reused
}

// NotificationConfig holds notification queue and mail settings
type NotificationConfig struct {
	Backend        string // memory, redis or sqs
	QueueName      string
	BufferSize     int
	MaxAttempts    int
	EnqueueTimeout time.Duration
	RedisURL       string
	SQSQueueURL    string
	AWSRegion      string
	SMTP           SMTPConfig
}

// SMTPConfig holds SMTP settings for confirmation emails
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Enabled reports whether SMTP delivery is configured
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.Port != ""
}

// ReconcileConfig holds background reconciliation settings
type ReconcileConfig struct {
	Enabled      bool
	Schedule     string // cron spec with seconds field
	PendingAfter time.Duration
	BatchSize    int
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8000"),
			Environment:     getEnv("ENVIRONMENT", "development"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 45*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			Driver:             getEnv("DATABASE_DRIVER", "postgres"),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			QueryTimeout:       getEnvAsDuration("DATABASE_QUERY_TIMEOUT", 5*time.Second),
			AutoMigrate:        getEnvAsBool("DATABASE_AUTO_MIGRATE", false),
		},
		Chapa: ChapaConfig{
			BaseURL:       getEnv("CHAPA_BASE_URL", "https://api.chapa.co/v1"),
			SecretKey:     getEnv("CHAPA_SECRET_KEY", ""),
			WebhookSecret: getEnv("CHAPA_WEBHOOK_SECRET", ""),
			CallbackURL:   getEnv("CHAPA_CALLBACK_URL", "http://localhost:8000/api/payments/verify"),
			ReturnURL:     getEnv("CHAPA_RETURN_URL", "http://localhost:8000/bookings"),
			Timeout:       getEnvAsDuration("CHAPA_TIMEOUT", 15*time.Second),
		},
		Payment: PaymentConfig{
			Currency:    strings.ToUpper(getEnv("PAYMENT_CURRENCY", "ETB")),
			CheckoutTTL: getEnvAsDuration("PAYMENT_CHECKOUT_TTL", 24*time.Hour),
		},
		Notification: NotificationConfig{
			Backend:        getEnv("NOTIFY_BACKEND", "memory"),
			QueueName:      getEnv("NOTIFY_QUEUE", "payments:confirmation-emails"),
			BufferSize:     getEnvAsInt("NOTIFY_BUFFER_SIZE", 256),
			MaxAttempts:    getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 5),
			EnqueueTimeout: getEnvAsDuration("NOTIFY_ENQUEUE_TIMEOUT", 2*time.Second),
			RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			SQSQueueURL:    getEnv("SQS_QUEUE_URL", ""),
			AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
			SMTP: SMTPConfig{
				Host:     getEnv("SMTP_HOST", ""),
				Port:     getEnv("SMTP_PORT", "587"),
				Username: getEnv("SMTP_USER", ""),
				Password: getEnv("SMTP_PASS", ""),
				From:     getEnv("SMTP_FROM", "Travel Booking <no-reply@travelapp.com>"),
			},
		},
		Reconcile: ReconcileConfig{
			Enabled:      getEnvAsBool("RECONCILE_ENABLED", true),
			Schedule:     getEnv("RECONCILE_CRON", "0 */5 * * * *"),
			PendingAfter: getEnvAsDuration("RECONCILE_PENDING_AFTER", 15*time.Minute),
			BatchSize:    getEnvAsInt("RECONCILE_BATCH", 50),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Correlation-ID"}),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "pgx" {
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be 'postgres' or 'pgx')", c.Database.Driver)
	}

	if c.Chapa.SecretKey == "" {
		return fmt.Errorf("CHAPA_SECRET_KEY is required")
	}

	if c.Chapa.CallbackURL == "" || c.Chapa.ReturnURL == "" {
		return fmt.Errorf("CHAPA_CALLBACK_URL and CHAPA_RETURN_URL are required")
	}

	if len(c.Payment.Currency) != 3 {
		return fmt.Errorf("PAYMENT_CURRENCY must be a 3 letter code, got %q", c.Payment.Currency)
	}

	switch c.Notification.Backend {
	case "memory":
	case "redis":
		if c.Notification.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis notification backend")
		}
	case "sqs":
		if c.Notification.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for the sqs notification backend")
		}
	default:
		return fmt.Errorf("invalid NOTIFY_BACKEND: %s (must be 'memory', 'redis' or 'sqs')", c.Notification.Backend)
	}

	if c.Notification.MaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("30s", "24h") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
