// Package config loads runtime settings from defaults, an optional YAML file,
// NOTIFIER_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"article-notifier/pkg/notifier"
)

// EnvPrefix prefixes every environment variable, e.g. NOTIFIER_STORE_DSN.
const EnvPrefix = "NOTIFIER"

// Email holds notification mail settings.
type Email struct {
	Provider        string `mapstructure:"provider"` // mock, brevo or gmail
	To              string `mapstructure:"to"`
	From            string `mapstructure:"from"`
	FromName        string `mapstructure:"from_name"`
	BrevoAPIKey     string `mapstructure:"brevo_api_key"`
	CredentialsJSON string `mapstructure:"google_credentials_json"`
}

// Config is the full runtime configuration.
type Config struct {
	Email              Email         `mapstructure:"email"`
	LogLevel           string        `mapstructure:"log_level"`
	Port               string        `mapstructure:"port"`
	StoreDSN           string        `mapstructure:"store_dsn"`
	SiteURL            string        `mapstructure:"site_url"`
	SiteName           string        `mapstructure:"site_name"`
	APIURL             string        `mapstructure:"api_url"`
	AdminURL           string        `mapstructure:"admin_url"`
	VAPIDPublicKey     string        `mapstructure:"vapid_public_key"`
	UserAgent          string        `mapstructure:"user_agent"`
	PromptAnswer       string        `mapstructure:"prompt_answer"`
	PollPeriod         time.Duration `mapstructure:"poll_period"`
	FirstCheckDelay    time.Duration `mapstructure:"first_check_delay"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout"`
	WorkerStartupDelay time.Duration `mapstructure:"worker_startup_delay"`
	CollapseWindow     time.Duration `mapstructure:"collapse_window"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	ConsentDelay       time.Duration `mapstructure:"consent_delay"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("port", "8080")
	v.SetDefault("store_dsn", "sqlite://data/notifier.db")
	v.SetDefault("site_url", "http://localhost:3000")
	v.SetDefault("site_name", "ClassinNews")
	v.SetDefault("api_url", "http://localhost:3004/api")
	v.SetDefault("admin_url", "http://localhost:3002/api")
	v.SetDefault("vapid_public_key", "")
	v.SetDefault("user_agent", "")
	v.SetDefault("prompt_answer", string(notifier.PermissionGranted))
	v.SetDefault("poll_period", 5*time.Second)
	v.SetDefault("first_check_delay", 2*time.Second)
	v.SetDefault("sync_interval", 6*time.Hour)
	v.SetDefault("ready_timeout", 8*time.Second)
	v.SetDefault("worker_startup_delay", 0)
	v.SetDefault("collapse_window", 10*time.Minute)
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("consent_delay", 3*time.Second)

	v.SetDefault("email.provider", "mock")
	v.SetDefault("email.to", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.from_name", "")
	v.SetDefault("email.brevo_api_key", "")
	v.SetDefault("email.google_credentials_json", "")
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result. An empty
// path looks for notifier.yaml in the working directory; a missing default
// file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("notifier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreDSN) == "" {
		return errors.New("store_dsn is required")
	}
	for name, raw := range map[string]string{"site_url": c.SiteURL, "api_url": c.APIURL, "admin_url": c.AdminURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := notifier.ParsePermission(c.PromptAnswer); err != nil {
		return fmt.Errorf("prompt_answer: %w", err)
	}
	switch c.Email.Provider {
	case "mock":
	case "brevo":
		if c.Email.BrevoAPIKey == "" || c.Email.From == "" {
			return errors.New("brevo email provider needs email.brevo_api_key and email.from")
		}
	case "gmail":
	default:
		return fmt.Errorf("unknown email provider %q", c.Email.Provider)
	}
	if c.PollPeriod <= 0 {
		return fmt.Errorf("poll_period must be positive, got %s", c.PollPeriod)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewLogger creates the JSON logger used by every component.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), nil
}
