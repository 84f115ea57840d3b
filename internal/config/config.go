package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server            ServerConfig
	Store             StoreConfig
	DynamoDB          DynamoDBConfig
	Redis             RedisConfig
	Postgres          PostgresConfig
	OTP               OTPConfig
	Mail              MailConfig
	VerificationToken VerificationTokenConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

type StoreConfig struct {
	Backend string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint  string
	Password  string
	DB        int
	KeyPrefix string
}

type PostgresConfig struct {
	DSN string
}

type OTPConfig struct {
	Expiry      time.Duration
	MaxAttempts int
	// Retention is how long a record outlives its expiry in backends that evict on their own.
	Retention time.Duration
}

// MailConfig is resolved once at startup; senders never read the environment.
type MailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSecure   bool
	FromName     string
	FromEmail    string

	ResendAPIKey  string
	ResendBaseURL string

	SendGridAPIKey string
	SendGridHost   string

	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

// SMTPConfigured reports whether every SMTP connection setting is present.
func (c MailConfig) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPPort > 0 && c.SMTPUser != "" && c.SMTPPassword != ""
}

type VerificationTokenConfig struct {
	SecretKey string
	Expiry    time.Duration
}

func (c VerificationTokenConfig) Enabled() bool {
	return c.SecretKey != ""
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			CORSOrigins:  getEnvAsList("CORS_ORIGIN", []string{"*"}),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", StoreDynamoDB)),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "EduHubTable"),
		},
		Redis: RedisConfig{
			Endpoint:  getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "email_otp"),
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},
		OTP: OTPConfig{
			Expiry:      getEnvAsDuration("OTP_EXPIRY", 10*time.Minute),
			MaxAttempts: getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
			Retention:   getEnvAsDuration("OTP_RETENTION", 24*time.Hour),
		},
		Mail: MailConfig{
			SMTPHost:       getEnv("SMTP_HOST", ""),
			SMTPPort:       getEnvAsInt("SMTP_PORT", 0),
			SMTPUser:       getEnv("SMTP_USER", ""),
			SMTPPassword:   getEnv("SMTP_PASS", ""),
			SMTPSecure:     getEnvAsBool("SMTP_SECURE", false),
			FromName:       getEnv("SMTP_FROM_NAME", ""),
			FromEmail:      getEnv("FROM_EMAIL", ""),
			ResendAPIKey:   getEnv("RESEND_API_KEY", ""),
			ResendBaseURL:  getEnv("RESEND_BASE_URL", "https://api.resend.com/"),
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			SendGridHost:   getEnv("SENDGRID_HOST", "https://api.sendgrid.com"),
			QueueSize:      getEnvAsInt("MAIL_QUEUE_SIZE", 100),
			Workers:        getEnvAsInt("MAIL_WORKERS", 2),
			SendTimeout:    getEnvAsDuration("MAIL_SEND_TIMEOUT", 15*time.Second),
		},
		VerificationToken: VerificationTokenConfig{
			SecretKey: getEnv("VERIFICATION_TOKEN_SECRET", ""),
			Expiry:    getEnvAsDuration("VERIFICATION_TOKEN_EXPIRY", 15*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreDynamoDB, StoreRedis, StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN environment variable is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	if c.OTP.Expiry <= 0 {
		return fmt.Errorf("OTP_EXPIRY must be positive")
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.Mail.QueueSize <= 0 || c.Mail.Workers <= 0 {
		return fmt.Errorf("MAIL_QUEUE_SIZE and MAIL_WORKERS must be positive")
	}

	if c.VerificationToken.Enabled() && len(c.VerificationToken.SecretKey) < 32 {
		return fmt.Errorf("VERIFICATION_TOKEN_SECRET must be at least 32 bytes (256 bits)")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
