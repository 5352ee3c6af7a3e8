package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/psantana5/cf-reminder/pkg/api"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/ratelimit"
	"github.com/psantana5/cf-reminder/pkg/store"
	"github.com/psantana5/cf-reminder/pkg/tracing"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CFBOT_STORE_TYPE
const EnvPrefix = "CFBOT"

// PlaceholderToken is the sample value shipped in example configs
const PlaceholderToken = "YOUR_TELEGRAM_BOT_TOKEN"

var ErrMissingToken = errors.New("telegram bot token is not set (TELEGRAM_BOT_TOKEN or telegram.token)")

// Config is the complete bot configuration
type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram" yaml:"telegram"`
	Codeforces CodeforcesConfig `mapstructure:"codeforces" yaml:"codeforces"`
	Reminders  RemindersConfig  `mapstructure:"reminders" yaml:"reminders"`
	Store      store.Config     `mapstructure:"store" yaml:"store"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Admin      api.Config       `mapstructure:"admin" yaml:"admin"`
	Tracing    tracing.Config   `mapstructure:"tracing" yaml:"tracing"`
}

// TelegramConfig configures the Bot API connection
type TelegramConfig struct {
	Token          string        `mapstructure:"token" yaml:"token"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"` // Bot API URL format, for self-hosted servers
	GlobalRate     float64       `mapstructure:"global_rate" yaml:"global_rate"`
	ChatRate       float64       `mapstructure:"chat_rate" yaml:"chat_rate"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
}

// CodeforcesConfig configures the contest API client
type CodeforcesConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RemindersConfig controls when reminders are scheduled and sent
type RemindersConfig struct {
	Intervals     []string      `mapstructure:"intervals" yaml:"intervals"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	MisfireGrace  time.Duration `mapstructure:"misfire_grace" yaml:"misfire_grace"`
	StartedGrace  time.Duration `mapstructure:"started_grace" yaml:"started_grace"`
	UpcomingLimit int           `mapstructure:"upcoming_limit" yaml:"upcoming_limit"`
}

// LogConfig selects level, format and destination
type LogConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Format  string `mapstructure:"format" yaml:"format"` // "text" or "json"
	Dir     string `mapstructure:"dir" yaml:"dir"`       // empty logs to stderr
	MaxSize int64  `mapstructure:"max_size" yaml:"max_size"`
}

// SetDefaults registers every key so environment overrides apply to all of them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.endpoint", "")
	v.SetDefault("telegram.global_rate", 30)
	v.SetDefault("telegram.chat_rate", 1)
	v.SetDefault("telegram.handler_timeout", "2m")

	v.SetDefault("codeforces.base_url", "https://codeforces.com")
	v.SetDefault("codeforces.timeout", "15s")
	v.SetDefault("codeforces.cache_ttl", "1m")
	v.SetDefault("codeforces.rate_limit", 0.5)

	v.SetDefault("reminders.intervals", []string{"24h", "1h", "15m"})
	v.SetDefault("reminders.check_interval", "4h")
	v.SetDefault("reminders.misfire_grace", "5m")
	v.SetDefault("reminders.started_grace", "1m")
	v.SetDefault("reminders.upcoming_limit", 5)

	v.SetDefault("store.type", store.TypeJSON)
	v.SetDefault("store.path", store.DefaultJSONPath)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 2)
	v.SetDefault("store.conn_max_lifetime", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size", 100*1024*1024)

	v.SetDefault("admin.listen", "")
	v.SetDefault("admin.api_key", "")
	v.SetDefault("admin.api_key_hash", "")
	v.SetDefault("admin.rate_limit", 10)
	v.SetDefault("admin.rate_burst", 20)
	v.SetDefault("admin.tls.cert_file", "")
	v.SetDefault("admin.tls.key_file", "")
	v.SetDefault("admin.tls.ca_file", "")
	v.SetDefault("admin.tls.self_signed", false)
	v.SetDefault("admin.trusted_proxies", []string{})

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "cfbot")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "production")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
}

// BindEnv enables CFBOT_* overrides plus the conventional TELEGRAM_BOT_TOKEN
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("telegram.token", "TELEGRAM_BOT_TOKEN", EnvPrefix+"_TELEGRAM_TOKEN")
}

// Load decodes the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Reminders.Intervals = splitList(cfg.Reminders.Intervals)
	return &cfg, nil
}

// splitList accepts both YAML lists and "24h,1h" strings from the environment
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ReminderIntervals parses the configured interval labels
func (c *Config) ReminderIntervals() ([]models.ReminderInterval, error) {
	if len(c.Reminders.Intervals) == 0 {
		return nil, fmt.Errorf("at least one reminder interval is required")
	}
	return models.ParseReminderIntervals(c.Reminders.Intervals)
}

// Validate checks everything except the bot token
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.ReminderIntervals(); err != nil {
		errs = append(errs, err)
	}
	if c.Reminders.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("reminders.check_interval must be positive"))
	}
	if c.Reminders.UpcomingLimit < 1 {
		errs = append(errs, fmt.Errorf("reminders.upcoming_limit must be at least 1"))
	}

	switch c.Store.Type {
	case store.TypeJSON, store.TypeSQLite, store.TypeMemory:
	case store.TypePostgres, "postgresql":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q", c.Store.Type))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}

	if c.Telegram.GlobalRate <= 0 {
		errs = append(errs, fmt.Errorf("telegram.global_rate must be positive"))
	}
	if c.Telegram.ChatRate <= 0 {
		errs = append(errs, fmt.Errorf("telegram.chat_rate must be positive"))
	}

	if c.Admin.Enabled() {
		if c.Admin.APIKey == "" && c.Admin.APIKeyHash == "" {
			errs = append(errs, fmt.Errorf("admin.api_key or admin.api_key_hash is required when admin.listen is set"))
		}
		if c.Admin.RateLimit <= 0 {
			errs = append(errs, fmt.Errorf("admin.rate_limit must be positive"))
		}
		if c.Admin.RateBurst < 1 {
			errs = append(errs, fmt.Errorf("admin.rate_burst must be at least 1"))
		}
		if _, err := ratelimit.ParseTrustedProxies(c.Admin.TrustedProxies); err != nil {
			errs = append(errs, fmt.Errorf("admin.trusted_proxies: %w", err))
		}
	}
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		errs = append(errs, fmt.Errorf("tracing.otlp_endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

// ValidateToken rejects a missing or placeholder bot token
func (c *Config) ValidateToken() error {
	token := strings.TrimSpace(c.Telegram.Token)
	if token == "" || token == PlaceholderToken {
		return ErrMissingToken
	}
	return nil
}

// Logger builds the configured logger
func (c *Config) Logger() (*logging.Logger, error) {
	level := logging.ParseLevel(c.Log.Level)
	json := strings.EqualFold(c.Log.Format, "json")
	if c.Log.Dir == "" {
		return logging.NewLogger(level, json), nil
	}
	return logging.NewFileLogger(c.Log.Dir, "cfbot", level, json)
}

// secretKeys are masked by WriteRedacted
var secretKeys = []string{"telegram.token", "admin.api_key", "store.dsn"}

// WriteRedacted dumps the effective settings as YAML with secrets masked
func WriteRedacted(w io.Writer, v *viper.Viper) error {
	settings := v.AllSettings()
	for _, key := range secretKeys {
		mask(settings, strings.Split(key, "."))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func mask(settings map[string]interface{}, path []string) {
	if len(path) == 1 {
		if s, ok := settings[path[0]].(string); ok && s != "" {
			settings[path[0]] = "********"
		}
		return
	}
	if child, ok := settings[path[0]].(map[string]interface{}); ok {
		mask(child, path[1:])
	}
}
