package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueSQS   = "sqs"
	QueueRedis = "redis"
)

// Carriers.
const (
	CarrierTwilio = "twilio"
	CarrierSNS    = "sns"
	CarrierLog    = "log"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost        string
	RedisPort        int
	RedisPassword    string
	RedisDB          int
	RedisQueuePrefix string

	// Dispatch queue
	QueueBackend      string
	SQSRegion         string
	SQSQueueURL       string
	SQSWaitSeconds    int
	VisibilityTimeout time.Duration

	// AWS
	AWSRegion         string
	AWSEndpoint       string // LocalStack and friends
	SNSRegion         string
	SNSStatusTopicARN string

	// Carrier
	Carrier                 string
	CarrierTimeout          time.Duration
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioFromNumber        string
	TwilioValidateCallbacks bool
	PublicBaseURL           string

	// Dispatcher
	DispatchWorkers      int
	DispatchInProcess    bool
	DispatchDrainTimeout time.Duration
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryMaxAge          time.Duration

	// Ingestion
	AuthMaxSkew        time.Duration
	RateLimitPerMinute int
	MaxBodyBytes       int64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "development")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "smsrelay")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "smsrelay")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_QUEUE_PREFIX", "smsrelay:dispatch")

	v.SetDefault("QUEUE_BACKEND", QueueRedis)
	v.SetDefault("SQS_QUEUE_URL", "")
	v.SetDefault("SQS_WAIT_SECONDS", 20)
	v.SetDefault("VISIBILITY_TIMEOUT", 60*time.Second)

	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("AWS_ENDPOINT", "")
	v.SetDefault("SNS_STATUS_TOPIC_ARN", "")

	v.SetDefault("CARRIER", CarrierLog)
	v.SetDefault("CARRIER_TIMEOUT", 10*time.Second)
	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_FROM_NUMBER", "")
	v.SetDefault("TWILIO_VALIDATE_CALLBACKS", false)
	v.SetDefault("PUBLIC_BASE_URL", "")

	v.SetDefault("DISPATCH_WORKERS", 8)
	v.SetDefault("DISPATCH_IN_PROCESS", true)
	v.SetDefault("DISPATCH_DRAIN_TIMEOUT", 30*time.Second)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_BASE_DELAY", 30*time.Second)
	v.SetDefault("RETRY_MAX_DELAY", time.Hour)
	v.SetDefault("RETRY_MAX_AGE", 24*time.Hour)

	v.SetDefault("AUTH_MAX_SKEW", 300*time.Second)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("MAX_BODY_BYTES", 1<<20)
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(viper.New())
}

// FromViper builds a Config from an already populated viper instance. Env
// lookups are enabled on it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),
		Env:      v.GetString("ENV"),

		DBHost:     v.GetString("DB_HOST"),
		DBPort:     v.GetInt("DB_PORT"),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBName:     v.GetString("DB_NAME"),
		DBSSLMode:  v.GetString("DB_SSLMODE"),

		RedisHost:        v.GetString("REDIS_HOST"),
		RedisPort:        v.GetInt("REDIS_PORT"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisDB:          v.GetInt("REDIS_DB"),
		RedisQueuePrefix: v.GetString("REDIS_QUEUE_PREFIX"),

		QueueBackend:      v.GetString("QUEUE_BACKEND"),
		SQSQueueURL:       v.GetString("SQS_QUEUE_URL"),
		SQSWaitSeconds:    v.GetInt("SQS_WAIT_SECONDS"),
		VisibilityTimeout: v.GetDuration("VISIBILITY_TIMEOUT"),

		AWSRegion:         v.GetString("AWS_REGION"),
		AWSEndpoint:       v.GetString("AWS_ENDPOINT"),
		SNSStatusTopicARN: v.GetString("SNS_STATUS_TOPIC_ARN"),

		Carrier:                 v.GetString("CARRIER"),
		CarrierTimeout:          v.GetDuration("CARRIER_TIMEOUT"),
		TwilioAccountSID:        v.GetString("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:         v.GetString("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:        v.GetString("TWILIO_FROM_NUMBER"),
		TwilioValidateCallbacks: v.GetBool("TWILIO_VALIDATE_CALLBACKS"),
		PublicBaseURL:           v.GetString("PUBLIC_BASE_URL"),

		DispatchWorkers:      v.GetInt("DISPATCH_WORKERS"),
		DispatchInProcess:    v.GetBool("DISPATCH_IN_PROCESS"),
		DispatchDrainTimeout: v.GetDuration("DISPATCH_DRAIN_TIMEOUT"),
		RetryMaxAttempts:     v.GetInt("RETRY_MAX_ATTEMPTS"),
		RetryBaseDelay:       v.GetDuration("RETRY_BASE_DELAY"),
		RetryMaxDelay:        v.GetDuration("RETRY_MAX_DELAY"),
		RetryMaxAge:          v.GetDuration("RETRY_MAX_AGE"),

		AuthMaxSkew:        v.GetDuration("AUTH_MAX_SKEW"),
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		MaxBodyBytes:       v.GetInt64("MAX_BODY_BYTES"),
	}

	// SQS and SNS fall back to the shared AWS region
	cfg.SQSRegion = v.GetString("SQS_REGION")
	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.SNSRegion = v.GetString("SNS_REGION")
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case QueueRedis:
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return errors.New("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q", c.QueueBackend)
	}

	switch c.Carrier {
	case CarrierLog, CarrierSNS:
	case CarrierTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "" {
			return errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required when CARRIER=twilio")
		}
	default:
		return fmt.Errorf("invalid CARRIER %q", c.Carrier)
	}

	if c.Port <= 0 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("invalid DISPATCH_WORKERS: %d", c.DispatchWorkers)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %d", c.RetryMaxAttempts)
	}
	if c.CarrierTimeout <= 0 {
		return fmt.Errorf("invalid CARRIER_TIMEOUT: %s", c.CarrierTimeout)
	}
	return nil
}

// StatusCallbackURL is where the carrier posts delivery receipts, or "" when
// no public base URL is configured.
func (c *Config) StatusCallbackURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/carrier/status"
}
