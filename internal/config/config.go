package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "BEACON"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultRateLimitRequests  = 30
	defaultRateLimitWindow    = time.Minute
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabaseDSN        = "beacon.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAuthIssuer         = "beacon-auth"
	defaultAuthCookieName     = "beacon_session"
	defaultTaskTokenTTL       = 90 * 24 * time.Hour
	defaultTimeZone           = "Asia/Ho_Chi_Minh"
	defaultDailyLimit         = 20
	defaultMinInterval        = 10 * time.Second
	defaultRateWindowTTL      = 14 * 24 * time.Hour
	defaultClaimLease         = 120 * time.Second
	defaultRemindInterval     = 10 * time.Second
	defaultRemindMaxAge       = 30 * time.Minute
	defaultPushDriver         = PushDriverLog
	defaultQueueDriver        = QueueDriverLocal
	defaultOutboxInterval     = 5 * time.Second
	defaultOutboxGrace        = 15 * time.Second
	defaultOutboxMaxAttempts  = 10
	defaultMaintenanceEvery   = time.Hour
	defaultAllowedRolesString = "child,parent"
)

// Supported driver names.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
	PushDriverLog          = "log"
	PushDriverFCM          = "fcm"
	QueueDriverLocal       = "local"
	QueueDriverSQS         = "sqs"
)

// AppConfig captures runtime configuration for the API server and workers.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	TaskSigningSecret    string
	TaskTokenTTL         time.Duration

	TimeZone       string
	DailyLimit     int
	MinInterval    time.Duration
	RateWindowTTL  time.Duration
	AllowedRoles   []string
	ClaimLease     time.Duration
	RemindInterval time.Duration
	RemindMaxAge   time.Duration

	PushDriver          string
	PushCredentialsFile string
	PushProjectID       string

	QueueDriver    string
	SQSRegion      string
	SQSQueueURL    string
	SQSEndpoint    string
	SQSWaitSeconds int32

	OutboxInterval    time.Duration
	OutboxGrace       time.Duration
	OutboxMaxAttempts int

	MaintenanceInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "*")
	configViper.SetDefault("http.rate_limit.requests", defaultRateLimitRequests)
	configViper.SetDefault("http.rate_limit.window", defaultRateLimitWindow)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("tasks.token_ttl", defaultTaskTokenTTL)
	configViper.SetDefault("sos.timezone", defaultTimeZone)
	configViper.SetDefault("sos.daily_limit", defaultDailyLimit)
	configViper.SetDefault("sos.min_interval", defaultMinInterval)
	configViper.SetDefault("sos.rate_window_ttl", defaultRateWindowTTL)
	configViper.SetDefault("sos.allowed_roles", defaultAllowedRolesString)
	configViper.SetDefault("sos.claim_lease", defaultClaimLease)
	configViper.SetDefault("sos.remind_interval", defaultRemindInterval)
	configViper.SetDefault("sos.remind_max_age", defaultRemindMaxAge)
	configViper.SetDefault("push.driver", defaultPushDriver)
	configViper.SetDefault("queue.driver", defaultQueueDriver)
	configViper.SetDefault("queue.sqs.wait_seconds", 20)
	configViper.SetDefault("outbox.interval", defaultOutboxInterval)
	configViper.SetDefault("outbox.grace", defaultOutboxGrace)
	configViper.SetDefault("outbox.max_attempts", defaultOutboxMaxAttempts)
	configViper.SetDefault("maintenance.interval", defaultMaintenanceEvery)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		RateLimitRequests: configViper.GetInt("http.rate_limit.requests"),
		RateLimitWindow:   configViper.GetDuration("http.rate_limit.window"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),

		SessionSigningSecret: configViper.GetString("auth.signing_secret"),
		SessionIssuer:        configViper.GetString("auth.issuer"),
		SessionCookieName:    configViper.GetString("auth.cookie_name"),
		TaskSigningSecret:    configViper.GetString("tasks.signing_secret"),
		TaskTokenTTL:         configViper.GetDuration("tasks.token_ttl"),

		TimeZone:       configViper.GetString("sos.timezone"),
		DailyLimit:     configViper.GetInt("sos.daily_limit"),
		MinInterval:    configViper.GetDuration("sos.min_interval"),
		RateWindowTTL:  configViper.GetDuration("sos.rate_window_ttl"),
		AllowedRoles:   splitList(configViper.GetString("sos.allowed_roles")),
		ClaimLease:     configViper.GetDuration("sos.claim_lease"),
		RemindInterval: configViper.GetDuration("sos.remind_interval"),
		RemindMaxAge:   configViper.GetDuration("sos.remind_max_age"),

		PushDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("push.driver"))),
		PushCredentialsFile: configViper.GetString("push.credentials_file"),
		PushProjectID:       configViper.GetString("push.project_id"),

		QueueDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("queue.driver"))),
		SQSRegion:      configViper.GetString("queue.sqs.region"),
		SQSQueueURL:    configViper.GetString("queue.sqs.queue_url"),
		SQSEndpoint:    configViper.GetString("queue.sqs.endpoint"),
		SQSWaitSeconds: configViper.GetInt32("queue.sqs.wait_seconds"),

		OutboxInterval:    configViper.GetDuration("outbox.interval"),
		OutboxGrace:       configViper.GetDuration("outbox.grace"),
		OutboxMaxAttempts: configViper.GetInt("outbox.max_attempts"),

		MaintenanceInterval: configViper.GetDuration("maintenance.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TaskSigningSecret) == "" {
		return fmt.Errorf("tasks.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.PushDriver {
	case PushDriverLog:
	case PushDriverFCM:
		if strings.TrimSpace(c.PushCredentialsFile) == "" {
			return fmt.Errorf("push.credentials_file is required for the fcm driver")
		}
	default:
		return fmt.Errorf("push.driver %q is not supported", c.PushDriver)
	}
	switch c.QueueDriver {
	case QueueDriverLocal:
	case QueueDriverSQS:
		if strings.TrimSpace(c.SQSQueueURL) == "" {
			return fmt.Errorf("queue.sqs.queue_url is required for the sqs driver")
		}
		if strings.TrimSpace(c.SQSRegion) == "" {
			return fmt.Errorf("queue.sqs.region is required for the sqs driver")
		}
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.QueueDriver)
	}
	if c.DailyLimit <= 0 {
		return fmt.Errorf("sos.daily_limit must be positive")
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("sos.min_interval must not be negative")
	}
	if len(c.AllowedRoles) == 0 {
		return fmt.Errorf("sos.allowed_roles is required")
	}
	if len(c.AllowedOrigins) > 1 {
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("http.allowed_origins must not mix \"*\" with explicit origins")
			}
		}
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("http.rate_limit.requests and http.rate_limit.window must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
