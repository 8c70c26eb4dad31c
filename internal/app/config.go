package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the sessionkeeper service.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Session       SessionConfig      `mapstructure:"session"`
	Autologin     AutologinConfig    `mapstructure:"autologin"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Accounts      AccountsConfig     `mapstructure:"accounts"`
	Throttle      ThrottleConfig     `mapstructure:"throttle"`
	Cache         CacheConfig        `mapstructure:"cache"`
	RateLimit     RateLimitConfig    `mapstructure:"ratelimit"`
	Maintenance   MaintenanceConfig  `mapstructure:"maintenance"`
	Monitoring    MonitoringConfig   `mapstructure:"monitoring"`
	Email         EmailConfig        `mapstructure:"email"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int        `mapstructure:"port"`
	LogLevel       string     `mapstructure:"log_level"`
	LogEncoding    string     `mapstructure:"log_encoding"`
	TrustedProxies []string   `mapstructure:"trusted_proxies"`
	CSRF           CSRFConfig `mapstructure:"csrf"`
}

// CSRFConfig controls CSRF protection middleware.
type CSRFConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
	Pool     PoolConfig   `mapstructure:"pool"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Options  map[string]string `mapstructure:"options"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SessionConfig describes the session cookie and the database session store.
type SessionConfig struct {
	CookieName    string        `mapstructure:"cookie_name"`
	Domain        string        `mapstructure:"domain"`
	Path          string        `mapstructure:"path"`
	Secure        bool          `mapstructure:"secure"`
	HTTPOnly      bool          `mapstructure:"http_only"`
	SameSite      string        `mapstructure:"same_site"`
	MaxLifetime   time.Duration `mapstructure:"max_lifetime"`
	GCProbability int           `mapstructure:"gc_probability"`
	GCDivisor     int           `mapstructure:"gc_divisor"`
	// Transactional selects row locking inside a transaction; false uses advisory locks.
	Transactional bool          `mapstructure:"transactional"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
}

// AutologinConfig describes the remember-me cookie.
type AutologinConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	Lifetime   time.Duration `mapstructure:"lifetime"`
	Retention  time.Duration `mapstructure:"retention"`
	TokenIndex int           `mapstructure:"token_index"`
}

// AuthConfig captures authenticator settings.
type AuthConfig struct {
	MaxSessionAge  time.Duration `mapstructure:"max_session_age"`
	RevalidateMax  int           `mapstructure:"revalidate_max"`
	PrivilegedRole string        `mapstructure:"privileged_role"`
	AdminContact   string        `mapstructure:"admin_contact"`
	PasswordCost   int           `mapstructure:"password_cost"`
}

// AccountsConfig tunes activation and password reset links.
type AccountsConfig struct {
	ActivationTTL    time.Duration `mapstructure:"activation_ttl"`
	PasswordResetTTL time.Duration `mapstructure:"password_reset_ttl"`
	ActivationURL    string        `mapstructure:"activation_url"`
	PasswordResetURL string        `mapstructure:"password_reset_url"`
}

// ThrottleConfig tunes the failed login throttle.
type ThrottleConfig struct {
	Times     int           `mapstructure:"times"`
	Delay     time.Duration `mapstructure:"delay"`
	Block     int           `mapstructure:"block"`
	Retention time.Duration `mapstructure:"retention"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PoolSize int           `mapstructure:"pool_size"`
}

// RateLimitConfig bounds login attempts per client address.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LoginRequests int           `mapstructure:"login_requests"`
	Window        time.Duration `mapstructure:"window"`
}

// MaintenanceConfig schedules the retention sweeps.
type MaintenanceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NotificationConfig toggles security notifications to account owners.
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	From    string `mapstructure:"from"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SESSIONKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the components would otherwise misbehave with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}

	if _, err := parseSameSite(c.Session.SameSite); err != nil {
		return err
	}
	if c.Session.GCProbability < 0 || c.Session.GCDivisor < 0 {
		return errors.New("config: session.gc_probability and session.gc_divisor must not be negative")
	}
	if c.Session.GCDivisor > 0 && c.Session.GCProbability > c.Session.GCDivisor {
		return errors.New("config: session.gc_probability must not exceed session.gc_divisor")
	}

	if c.Autologin.TokenIndex < 0 || c.Autologin.TokenIndex > 31 {
		return fmt.Errorf("config: autologin.token_index must be between 0 and 31, got %d", c.Autologin.TokenIndex)
	}

	if c.Accounts.ActivationTTL < 0 || c.Accounts.PasswordResetTTL < 0 {
		return errors.New("config: accounts.activation_ttl and accounts.password_reset_ttl must not be negative")
	}

	if c.Throttle.Times > 0 && c.Throttle.Block > 0 && c.Throttle.Block < c.Throttle.Times {
		return errors.New("config: throttle.block must not be lower than throttle.times")
	}

	if c.RateLimit.Enabled && (c.RateLimit.LoginRequests <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("config: ratelimit.login_requests and ratelimit.window must be positive when enabled")
	}

	if c.Maintenance.Enabled {
		if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
			return fmt.Errorf("config: maintenance.schedule: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_encoding", "json")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.csrf.enabled", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sessionkeeper.sqlite")
	v.SetDefault("database.pool.max_open_conns", 0)
	v.SetDefault("database.pool.max_idle_conns", 0)
	v.SetDefault("database.pool.conn_max_lifetime", "0s")

	v.SetDefault("session.cookie_name", "SKSESSID")
	v.SetDefault("session.domain", "")
	v.SetDefault("session.path", "/")
	v.SetDefault("session.secure", false)
	v.SetDefault("session.http_only", true)
	v.SetDefault("session.same_site", "lax")
	v.SetDefault("session.max_lifetime", "1440s")
	v.SetDefault("session.gc_probability", 1)
	v.SetDefault("session.gc_divisor", 100)
	v.SetDefault("session.transactional", true)
	v.SetDefault("session.lock_timeout", "50s")

	v.SetDefault("autologin.cookie_name", "SKAUTOLOGIN")
	v.SetDefault("autologin.lifetime", "720h")
	v.SetDefault("autologin.retention", "720h")
	v.SetDefault("autologin.token_index", 0)

	v.SetDefault("auth.max_session_age", "24h")
	v.SetDefault("auth.revalidate_max", 2)
	v.SetDefault("auth.privileged_role", "admin")
	v.SetDefault("auth.admin_contact", "")
	v.SetDefault("auth.password_cost", 0)

	v.SetDefault("accounts.activation_ttl", "24h")
	v.SetDefault("accounts.password_reset_ttl", "2h")
	v.SetDefault("accounts.activation_url", "")
	v.SetDefault("accounts.password_reset_url", "")

	v.SetDefault("throttle.times", 3)
	v.SetDefault("throttle.delay", "1m")
	v.SetDefault("throttle.block", 5)
	v.SetDefault("throttle.retention", "168h")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.pool_size", 10)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.login_requests", 20)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.schedule", "@every 1h")
	v.SetDefault("maintenance.audit_retention", "2160h") // 90 days

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.health_check.timeout", "2s")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.from", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
