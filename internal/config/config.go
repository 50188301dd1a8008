/**
 * @description
 * Configuration management for the collections service.
 * Settings come from environment variables with defaults for schedules and escalation thresholds.
 */
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the collections service.
type Config struct {
	ServerPort        string `mapstructure:"SERVER_PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix    string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	EventsExchange    string `mapstructure:"EVENTS_EXCHANGE"`
	ClerkJWKSURL      string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSecretsRaw string `mapstructure:"WEBHOOK_SECRETS"`
	BusinessTimezone  string `mapstructure:"BUSINESS_TIMEZONE"`
	PublicBaseURL     string `mapstructure:"PUBLIC_BASE_URL"`

	EmailProviderURL  string `mapstructure:"EMAIL_PROVIDER_URL"`
	SMSProviderURL    string `mapstructure:"SMS_PROVIDER_URL"`
	VoiceProviderURL  string `mapstructure:"VOICE_PROVIDER_URL"`
	LetterProviderURL string `mapstructure:"LETTER_PROVIDER_URL"`
	ProviderAPIKey    string `mapstructure:"PROVIDER_API_KEY"`

	AgencyAPIURL            string  `mapstructure:"AGENCY_API_URL"`
	AgencyAPIKey            string  `mapstructure:"AGENCY_API_KEY"`
	AgencyID                string  `mapstructure:"AGENCY_ID"`
	AgencyName              string  `mapstructure:"AGENCY_NAME"`
	AgencyCommissionPercent float64 `mapstructure:"AGENCY_COMMISSION_PERCENT"`

	GentleDays int `mapstructure:"ESCALATION_GENTLE_DAYS"`
	FirmDays   int `mapstructure:"ESCALATION_FIRM_DAYS"`
	FinalDays  int `mapstructure:"ESCALATION_FINAL_DAYS"`
	AgencyDays int `mapstructure:"ESCALATION_AGENCY_DAYS"`

	SweepWorkers       int           `mapstructure:"SWEEP_WORKERS"`
	SweepBatchLimit    int           `mapstructure:"SWEEP_BATCH_LIMIT"`
	EscalationClaimTTL time.Duration `mapstructure:"ESCALATION_CLAIM_TTL"`

	ConfirmationTokenDays       int  `mapstructure:"CONFIRMATION_TOKEN_DAYS"`
	ConfirmationExpiryMarksPaid bool `mapstructure:"CONFIRMATION_EXPIRY_MARKS_PAID"`

	JournalMaxRetries int `mapstructure:"JOURNAL_MAX_RETRIES"`

	CronEnabled       bool   `mapstructure:"CRON_ENABLED"`
	SweepJobSchedule  string `mapstructure:"SWEEP_JOB_SCHEDULE"`
	ExpiryJobSchedule string `mapstructure:"EXPIRY_JOB_SCHEDULE"`
	ReplayJobSchedule string `mapstructure:"REPLAY_JOB_SCHEDULE"`

	// WebhookSecrets maps provider name to its signing secret, parsed from WEBHOOK_SECRETS.
	WebhookSecrets map[string]string `mapstructure:"-"`
}

var boundKeys = []string{
	"SERVER_PORT", "PORT", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL", "EVENTS_EXCHANGE",
	"CLERK_JWKS_URL", "INTERNAL_API_KEY", "WEBHOOK_SECRETS", "BUSINESS_TIMEZONE", "PUBLIC_BASE_URL",
	"EMAIL_PROVIDER_URL", "SMS_PROVIDER_URL", "VOICE_PROVIDER_URL", "LETTER_PROVIDER_URL", "PROVIDER_API_KEY",
	"AGENCY_API_URL", "AGENCY_API_KEY", "AGENCY_ID", "AGENCY_NAME", "AGENCY_COMMISSION_PERCENT",
	"ESCALATION_GENTLE_DAYS", "ESCALATION_FIRM_DAYS", "ESCALATION_FINAL_DAYS", "ESCALATION_AGENCY_DAYS",
	"SWEEP_WORKERS", "SWEEP_BATCH_LIMIT", "ESCALATION_CLAIM_TTL",
	"CONFIRMATION_TOKEN_DAYS", "CONFIRMATION_EXPIRY_MARKS_PAID", "JOURNAL_MAX_RETRIES",
	"CRON_ENABLED", "SWEEP_JOB_SCHEDULE", "EXPIRY_JOB_SCHEDULE", "REPLAY_JOB_SCHEDULE",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "collections")
	viper.SetDefault("EVENTS_EXCHANGE", "collections.events")
	viper.SetDefault("BUSINESS_TIMEZONE", "Europe/London")
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("AGENCY_ID", "default")
	viper.SetDefault("AGENCY_NAME", "Partner Collections Agency")
	viper.SetDefault("AGENCY_COMMISSION_PERCENT", 15)
	viper.SetDefault("ESCALATION_GENTLE_DAYS", 5)
	viper.SetDefault("ESCALATION_FIRM_DAYS", 15)
	viper.SetDefault("ESCALATION_FINAL_DAYS", 30)
	viper.SetDefault("ESCALATION_AGENCY_DAYS", 45)
	viper.SetDefault("SWEEP_WORKERS", 8)
	viper.SetDefault("SWEEP_BATCH_LIMIT", 500)
	viper.SetDefault("ESCALATION_CLAIM_TTL", "10m")
	viper.SetDefault("CONFIRMATION_TOKEN_DAYS", 30)
	viper.SetDefault("CONFIRMATION_EXPIRY_MARKS_PAID", false)
	viper.SetDefault("JOURNAL_MAX_RETRIES", 8)
	viper.SetDefault("CRON_ENABLED", true)
	viper.SetDefault("SWEEP_JOB_SCHEDULE", "*/15 * * * *") // Every 15 minutes.
	viper.SetDefault("EXPIRY_JOB_SCHEDULE", "5 * * * *")   // Five past every hour.
	viper.SetDefault("REPLAY_JOB_SCHEDULE", "*/5 * * * *") // Every 5 minutes.
	viper.AutomaticEnv()

	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}

	secrets, err := parseWebhookSecrets(config.WebhookSecretsRaw)
	if err != nil {
		return nil, err
	}
	config.WebhookSecrets = secrets

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.InternalAPIKey) == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required to protect the sweep endpoints")
	}
	if !(c.GentleDays < c.FirmDays && c.FirmDays < c.FinalDays && c.FinalDays < c.AgencyDays) || c.GentleDays < 0 {
		return fmt.Errorf("ESCALATION_*_DAYS must be strictly increasing, got %d/%d/%d/%d",
			c.GentleDays, c.FirmDays, c.FinalDays, c.AgencyDays)
	}
	if c.AgencyCommissionPercent < 15 || c.AgencyCommissionPercent > 25 {
		return fmt.Errorf("AGENCY_COMMISSION_PERCENT must be between 15 and 25, got %v", c.AgencyCommissionPercent)
	}
	if c.ConfirmationTokenDays <= 0 {
		return fmt.Errorf("CONFIRMATION_TOKEN_DAYS must be positive")
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = 1
	}
	return nil
}

// parseWebhookSecrets reads "provider=secret,provider=secret".
func parseWebhookSecrets(raw string) (map[string]string, error) {
	secrets := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, secret, ok := strings.Cut(pair, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		secret = strings.TrimSpace(secret)
		if !ok || name == "" || secret == "" {
			return nil, fmt.Errorf("WEBHOOK_SECRETS entry %q must look like provider=secret", pair)
		}
		secrets[name] = secret
	}
	return secrets, nil
}
