package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "FLAVORSCAPE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "flavorscape.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "flavorscape-auth"
	defaultAccessTTLMinutes  = 30
	defaultRefreshTTLHours   = 24
	defaultSweepInterval     = 2 * time.Minute
	defaultNotifyTimeout     = 10 * time.Second
	defaultSweepTimezone     = "UTC"
	defaultNotifyPolicy      = "all"
	defaultNotifyDriver      = "log"
	defaultNotifyFromAddress = "no-reply@flavorscape.com"
	defaultNotifyFromName    = "Flavorscape"
	defaultAMQPQueue         = "waitlist.notifications"
	defaultLockTTL           = 30 * time.Second
)

// AppConfig captures runtime configuration for the API server and the sweep.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string
	LogDevelopment bool

	SigningSecret string
	AuthIssuer    string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	SweepEnabled  bool
	SweepInterval time.Duration
	NotifyTimeout time.Duration
	SweepLocation *time.Location
	NotifyPolicy  string

	NotifyDriver      string
	NotifyFromAddress string
	NotifyFromName    string
	SMTPAddress       string
	SMTPUsername      string
	SMTPPassword      string
	AMQPURL           string
	AMQPQueue         string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.development", false)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.access_ttl_minutes", defaultAccessTTLMinutes)
	configViper.SetDefault("auth.refresh_ttl_hours", defaultRefreshTTLHours)
	configViper.SetDefault("sweep.enabled", true)
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("sweep.notify_timeout", defaultNotifyTimeout)
	configViper.SetDefault("sweep.timezone", defaultSweepTimezone)
	configViper.SetDefault("sweep.notify_policy", defaultNotifyPolicy)
	configViper.SetDefault("notify.driver", defaultNotifyDriver)
	configViper.SetDefault("notify.from_address", defaultNotifyFromAddress)
	configViper.SetDefault("notify.from_name", defaultNotifyFromName)
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("locks.ttl", defaultLockTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	timezone := strings.TrimSpace(configViper.GetString("sweep.timezone"))
	if timezone == "" {
		timezone = defaultSweepTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("sweep.timezone: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		LogDevelopment: configViper.GetBool("log.development"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:    configViper.GetString("auth.issuer"),
		AccessTTL:     time.Duration(configViper.GetInt("auth.access_ttl_minutes")) * time.Minute,
		RefreshTTL:    time.Duration(configViper.GetInt("auth.refresh_ttl_hours")) * time.Hour,

		SweepEnabled:  configViper.GetBool("sweep.enabled"),
		SweepInterval: configViper.GetDuration("sweep.interval"),
		NotifyTimeout: configViper.GetDuration("sweep.notify_timeout"),
		SweepLocation: location,
		NotifyPolicy:  strings.ToLower(strings.TrimSpace(configViper.GetString("sweep.notify_policy"))),

		NotifyDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("notify.driver"))),
		NotifyFromAddress: configViper.GetString("notify.from_address"),
		NotifyFromName:    configViper.GetString("notify.from_name"),
		SMTPAddress:       configViper.GetString("smtp.address"),
		SMTPUsername:      configViper.GetString("smtp.username"),
		SMTPPassword:      configViper.GetString("smtp.password"),
		AMQPURL:           configViper.GetString("amqp.url"),
		AMQPQueue:         configViper.GetString("amqp.queue"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		LockTTL:       configViper.GetDuration("locks.ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("auth.access_ttl_minutes must be positive")
	}
	if c.RefreshTTL <= 0 {
		return fmt.Errorf("auth.refresh_ttl_hours must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("sweep.notify_timeout must be positive")
	}
	switch c.NotifyPolicy {
	case "all", "head":
	default:
		return fmt.Errorf("sweep.notify_policy %q is not supported", c.NotifyPolicy)
	}
	switch c.NotifyDriver {
	case "log":
	case "smtp":
		if strings.TrimSpace(c.SMTPAddress) == "" {
			return fmt.Errorf("smtp.address is required for the smtp notify driver")
		}
	case "amqp":
		if strings.TrimSpace(c.AMQPURL) == "" {
			return fmt.Errorf("amqp.url is required for the amqp notify driver")
		}
	default:
		return fmt.Errorf("notify.driver %q is not supported", c.NotifyDriver)
	}
	if strings.TrimSpace(c.NotifyFromAddress) == "" {
		return fmt.Errorf("notify.from_address is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("locks.ttl must be positive")
	}
	return nil
}
