package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the breach notification engine
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database" validate:"required"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Dispatcher    DispatcherConfig    `mapstructure:"dispatcher"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gt=0"`
	Name            string        `mapstructure:"name" validate:"required"`
	Username        string        `mapstructure:"username" validate:"required"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the active-workflow cache
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration
type TopicsConfig struct {
	// Input topic (classified incidents that trigger workflows)
	IncidentClassified string `mapstructure:"incident_classified"`

	// Output topics (workflow and notification events)
	WorkflowEscalated  string `mapstructure:"workflow_escalated"`
	WorkflowOverdue    string `mapstructure:"workflow_overdue"`
	NotificationSent   string `mapstructure:"notification_sent"`
	NotificationFailed string `mapstructure:"notification_failed"`
}

// WorkflowConfig contains regulation workflow configuration
type WorkflowConfig struct {
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	TickTimeout        time.Duration `mapstructure:"tick_timeout"`
	MaxConcurrentTicks int           `mapstructure:"max_concurrent_ticks"`

	// GDPR statutory window (Art. 33: 72 hours from detection)
	GDPRWindow time.Duration `mapstructure:"gdpr_window"`

	// HIPAA statutory windows (45 CFR 164.404/408)
	HIPAAWindowDays          int `mapstructure:"hipaa_window_days"`
	HIPAAExpeditedWindowDays int `mapstructure:"hipaa_expedited_window_days"`
	HIPAAHHSThreshold        int `mapstructure:"hipaa_hhs_threshold"`

	// SOC2 response SLAs by severity
	SOC2UrgentSLA       time.Duration `mapstructure:"soc2_urgent_sla"`
	SOC2StandardSLA     time.Duration `mapstructure:"soc2_standard_sla"`
	SOC2UrgentSeverity  int           `mapstructure:"soc2_urgent_severity"`
}

// DispatcherConfig contains notification dispatcher configuration
type DispatcherConfig struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	FastSweepInterval time.Duration `mapstructure:"fast_sweep_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
}

// NotificationsConfig contains delivery channel configuration
type NotificationsConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	SMS     SMSConfig     `mapstructure:"sms"`
	Mail    MailConfig    `mapstructure:"mail"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig contains email delivery configuration
type EmailConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Provider        string `mapstructure:"provider"` // sendgrid, smtp
	SendGridAPIKey  string `mapstructure:"sendgrid_api_key"`
	SMTPHost        string `mapstructure:"smtp_host"`
	SMTPPort        int    `mapstructure:"smtp_port"`
	SMTPUsername    string `mapstructure:"smtp_username"`
	SMTPPassword    string `mapstructure:"smtp_password"`
	FromAddress     string `mapstructure:"from_address"`
	FromName        string `mapstructure:"from_name"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS/phone delivery configuration
type SMSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	TwilioSID       string `mapstructure:"twilio_sid"`
	TwilioToken     string `mapstructure:"twilio_token"`
	FromNumber      string `mapstructure:"from_number"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// MailConfig contains postal mail delivery configuration
type MailConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SenderAddress string `mapstructure:"sender_address"`
	SenderName    string `mapstructure:"sender_name"`
}

// WebhookConfig contains regulator-portal webhook configuration
type WebhookConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	DefaultURL      string            `mapstructure:"default_url"`
	Headers         map[string]string `mapstructure:"headers"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	RateLimitPerMin int               `mapstructure:"rate_limit_per_min"`
}

// SchedulerConfig contains periodic task configuration (cron expressions
// with a seconds field)
type SchedulerConfig struct {
	Enabled                  bool   `mapstructure:"enabled"`
	WorkflowSweepSchedule    string `mapstructure:"workflow_sweep_schedule"`
	DispatchSchedule         string `mapstructure:"dispatch_schedule"`
	FastDispatchSchedule     string `mapstructure:"fast_dispatch_schedule"`
	EscalationCheckSchedule  string `mapstructure:"escalation_check_schedule"`
	ResponseDeadlineSchedule string `mapstructure:"response_deadline_schedule"`
	RetentionSchedule        string `mapstructure:"retention_schedule"`
	MetricsSchedule          string `mapstructure:"metrics_schedule"`
}

// RetentionConfig contains record retention configuration
type RetentionConfig struct {
	NotificationRetentionDays int `mapstructure:"notification_retention_days"`
	AuditRetentionDays        int `mapstructure:"audit_retention_days"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // json, text
	IncludeSource bool   `mapstructure:"include_source"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/breach-notification-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BREACH_ENGINE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// General
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8087)
	viper.SetDefault("server.shutdown_timeout", "30s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "breach_notification")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Redis
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Kafka
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "breach-notification-engine")
	viper.SetDefault("kafka.topics.incident_classified", "incident-classified")
	viper.SetDefault("kafka.topics.workflow_escalated", "workflow-escalated")
	viper.SetDefault("kafka.topics.workflow_overdue", "workflow-overdue")
	viper.SetDefault("kafka.topics.notification_sent", "notification-sent")
	viper.SetDefault("kafka.topics.notification_failed", "notification-failed")

	// Workflow
	viper.SetDefault("workflow.sweep_interval", "5m")
	viper.SetDefault("workflow.tick_timeout", "2m")
	viper.SetDefault("workflow.max_concurrent_ticks", 16)
	viper.SetDefault("workflow.gdpr_window", "72h")
	viper.SetDefault("workflow.hipaa_window_days", 60)
	viper.SetDefault("workflow.hipaa_expedited_window_days", 30)
	viper.SetDefault("workflow.hipaa_hhs_threshold", 500)
	viper.SetDefault("workflow.soc2_urgent_sla", "24h")
	viper.SetDefault("workflow.soc2_standard_sla", "48h")
	viper.SetDefault("workflow.soc2_urgent_severity", 4)

	// Dispatcher
	viper.SetDefault("dispatcher.sweep_interval", "60s")
	viper.SetDefault("dispatcher.fast_sweep_interval", "30s")
	viper.SetDefault("dispatcher.batch_size", 100)
	viper.SetDefault("dispatcher.max_retries", 3)
	viper.SetDefault("dispatcher.retry_base_delay", "5m")
	viper.SetDefault("dispatcher.delivery_timeout", "30s")

	// Notifications
	viper.SetDefault("notifications.email.enabled", true)
	viper.SetDefault("notifications.email.provider", "sendgrid")
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)
	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.rate_limit_per_min", 10)
	viper.SetDefault("notifications.mail.enabled", true)
	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.timeout", "30s")
	viper.SetDefault("notifications.webhook.rate_limit_per_min", 120)

	// Scheduler (cron expressions with a leading seconds field)
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.workflow_sweep_schedule", "0 */5 * * * *")
	viper.SetDefault("scheduler.dispatch_schedule", "0 * * * * *")
	viper.SetDefault("scheduler.fast_dispatch_schedule", "*/30 * * * * *")
	viper.SetDefault("scheduler.escalation_check_schedule", "0 * * * * *")
	viper.SetDefault("scheduler.response_deadline_schedule", "30 * * * * *")
	viper.SetDefault("scheduler.retention_schedule", "0 0 3 * * *")
	viper.SetDefault("scheduler.metrics_schedule", "*/30 * * * * *")

	// Retention
	viper.SetDefault("retention.notification_retention_days", 365)
	viper.SetDefault("retention.audit_retention_days", 2555) // 7 years

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.include_source", false)
}
