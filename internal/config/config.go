package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHATSYNC"

// Config is the client configuration. Precedence, highest first:
// CHATSYNC_* environment variables, the config file, the .env file, defaults.
type Config struct {
	BaseURL            string        `mapstructure:"base_url"`
	WSURL              string        `mapstructure:"ws_url"`
	Token              string        `mapstructure:"token"`
	Identity           string        `mapstructure:"identity"`
	BotIdentity        string        `mapstructure:"bot_identity"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	UsersInterval      time.Duration `mapstructure:"users_interval"`
	ActivityInterval   time.Duration `mapstructure:"activity_interval"`
	StatusBufferWindow time.Duration `mapstructure:"status_buffer_window"`
	IdleEviction       time.Duration `mapstructure:"idle_eviction"`
	CacheDSN           string        `mapstructure:"cache_dsn"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
}

var defaults = map[string]any{
	"base_url":             "http://127.0.0.1:8000",
	"ws_url":               "",
	"token":                "",
	"identity":             "",
	"bot_identity":         "whatsease_bot",
	"connect_timeout":      "1500ms",
	"users_interval":       "3s",
	"activity_interval":    "5s",
	"status_buffer_window": "30s",
	"idle_eviction":        "2m",
	"cache_dsn":            "",
	"log_level":            "info",
	"log_format":           "json",
	"metrics_addr":         "",
}

// LoadOptions names the optional files Load reads. A missing EnvFile is not
// an error; a missing ConfigFile is.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		default:
			for name, value := range dotenv {
				key, ok := strings.CutPrefix(name, envPrefix+"_")
				if !ok {
					continue
				}
				key = strings.ToLower(key)
				if _, known := defaults[key]; known {
					v.SetDefault(key, value)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.WSURL = strings.TrimSpace(c.WSURL)
	c.Token = strings.TrimSpace(c.Token)
	c.Identity = strings.TrimSpace(c.Identity)
	c.BotIdentity = strings.TrimSpace(c.BotIdentity)
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.WSURL == "" {
		c.WSURL = deriveWSURL(c.BaseURL)
	}
}

// deriveWSURL maps the REST base to the channel origin: http becomes ws and
// https becomes wss.
func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.BaseURL == "" {
		problems = append(problems, "base_url is required")
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, fmt.Sprintf("base_url %q must be an http(s) URL", c.BaseURL))
	}
	if u, err := url.Parse(c.WSURL); err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		problems = append(problems, fmt.Sprintf("ws_url %q must be a ws(s) URL", c.WSURL))
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"users_interval", c.UsersInterval},
		{"activity_interval", c.ActivityInterval},
		{"status_buffer_window", c.StatusBufferWindow},
		{"idle_eviction", c.IdleEviction},
	}
	for _, d := range durations {
		if d.value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", d.name))
		}
	}
	switch c.LogFormat {
	case "json", "console", "text":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be json or console", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}

// DefaultEnvFile is ".env" in the working directory when it exists.
func DefaultEnvFile() string {
	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}
	return ""
}
