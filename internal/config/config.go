// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Redis       RedisConfig
	AWS         AWSConfig
	Payment     PaymentConfig
	Settlement  SettlementConfig
	Email       EmailConfig
	I18n        I18nConfig
	Frontend    FrontendConfig
}

type FrontendConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	// EventLockTTL bounds how long a webhook delivery holds its event id.
	EventLockTTL int // in seconds
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	LocalUploadDir  string
}

type PaymentConfig struct {
	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
	GatewayTimeout       int // in seconds
	DefaultCommission    float64
	DefaultCurrency      string
	// ManualAmountTolerance is the largest accepted gap between a claimed
	// manual payment and the quoted amount.
	ManualAmountTolerance string
	OperatorPartyID       string
}

type SettlementConfig struct {
	MaxTransferRetries int
	RetryInterval      int // in seconds
	RetryBatchSize     int
	SchedulerEnabled   bool
	// ProcessingTimeout is how long a transfer may sit in processing before
	// it is presumed abandoned and retried.
	ProcessingTimeout  int // in seconds
}

type EmailConfig struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
}

type I18nConfig struct {
	DefaultLocale string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "accredit"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			EventLockTTL: getEnvAsInt("REDIS_EVENT_LOCK_TTL_SECONDS", 60),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "accredit-payment-proofs"),
			LocalUploadDir:  getEnv("LOCAL_UPLOAD_DIR", "./uploads"),
		},
		Payment: PaymentConfig{
			StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
			StripePublishableKey:  getEnv("STRIPE_PUBLISHABLE_KEY", ""),
			StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
			GatewayTimeout:        getEnvAsInt("PAYMENT_GATEWAY_TIMEOUT_SECONDS", 15),
			DefaultCommission:     getEnvAsFloat("PLATFORM_COMMISSION_PERCENT", 20.0),
			DefaultCurrency:       getEnv("DEFAULT_CURRENCY", "USD"),
			ManualAmountTolerance: getEnv("MANUAL_AMOUNT_TOLERANCE", "0.01"),
			OperatorPartyID:       getEnv("OPERATOR_PARTY_ID", ""),
		},
		Settlement: SettlementConfig{
			MaxTransferRetries: getEnvAsInt("SETTLEMENT_MAX_TRANSFER_RETRIES", 5),
			RetryInterval:      getEnvAsInt("SETTLEMENT_RETRY_INTERVAL_SECONDS", 300),
			RetryBatchSize:     getEnvAsInt("SETTLEMENT_RETRY_BATCH_SIZE", 50),
			SchedulerEnabled:   getEnvAsBool("SETTLEMENT_SCHEDULER_ENABLED", true),
			ProcessingTimeout:  getEnvAsInt("SETTLEMENT_PROCESSING_TIMEOUT_SECONDS", 900),
		},
		Email: EmailConfig{
			Enabled:      getEnvAsBool("EMAIL_ENABLED", false),
			SMTPHost:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			FromEmail:    getEnv("FROM_EMAIL", "noreply@accredit.example"),
			FromName:     getEnv("FROM_NAME", "Accredit"),
		},
		I18n: I18nConfig{
			DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Environment == "production" && (c.Payment.StripeSecretKey == "" || c.Payment.StripeWebhookSecret == "") {
		return fmt.Errorf("stripe secret key and webhook secret are required in production")
	}

	if c.Payment.DefaultCommission < 0 || c.Payment.DefaultCommission >= 100 {
		return fmt.Errorf("platform commission must be in [0, 100), got %v", c.Payment.DefaultCommission)
	}

	if _, err := decimal.NewFromString(c.Payment.ManualAmountTolerance); err != nil {
		return fmt.Errorf("invalid manual amount tolerance %q: %w", c.Payment.ManualAmountTolerance, err)
	}

	if c.Settlement.MaxTransferRetries < 1 {
		return fmt.Errorf("settlement max transfer retries must be at least 1")
	}

	return nil
}

func (p PaymentConfig) Timeout() time.Duration {
	return time.Duration(p.GatewayTimeout) * time.Second
}

func (p PaymentConfig) CommissionPercent() decimal.Decimal {
	return decimal.NewFromFloat(p.DefaultCommission)
}

func (p PaymentConfig) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(p.ManualAmountTolerance)
	if err != nil {
		return decimal.New(1, -2)
	}
	return d
}

func (s SettlementConfig) StaleAfter() time.Duration {
	if s.ProcessingTimeout <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.ProcessingTimeout) * time.Second
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Helper functions
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
