// Package config loads fintrack settings from a config file, a .env file
// and FINTRACK_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// FINTRACK_CLIENT_SERVER_URL.
const EnvPrefix = "FINTRACK"

// ServerConfig configures `fintrack serve`.
type ServerConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr" toml:"addr" json:"addr"`
	DBPath      string        `mapstructure:"db_path" yaml:"db_path" toml:"db_path" json:"db_path"`
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl" toml:"token_ttl" json:"token_ttl"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst" yaml:"rate_burst" toml:"rate_burst" json:"rate_burst"`
	NewsURL     string        `mapstructure:"news_url" yaml:"news_url" toml:"news_url" json:"news_url"`
	NewsTTL     time.Duration `mapstructure:"news_ttl" yaml:"news_ttl" toml:"news_ttl" json:"news_ttl"`
	BcryptCost  int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost" toml:"bcrypt_cost" json:"bcrypt_cost"`
	CORSOrigins []string      `mapstructure:"cors_origins" yaml:"cors_origins" toml:"cors_origins" json:"cors_origins"`
}

// ClientConfig configures the local client and the sync daemon.
type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url" yaml:"server_url" toml:"server_url" json:"server_url"`
	DBPath         string        `mapstructure:"db_path" yaml:"db_path" toml:"db_path" json:"db_path"`
	SyncInterval   time.Duration `mapstructure:"sync_interval" yaml:"sync_interval" toml:"sync_interval" json:"sync_interval"`
	ProbeURL       string        `mapstructure:"probe_url" yaml:"probe_url" toml:"probe_url" json:"probe_url"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" toml:"probe_timeout" json:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce" toml:"debounce" json:"debounce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" toml:"level" json:"level"`
	Format     string `mapstructure:"format" yaml:"format" toml:"format" json:"format"`
	File       string `mapstructure:"file" yaml:"file" toml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" toml:"compress" json:"compress"`
}

// Config is the full configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server" toml:"server" json:"server"`
	Client ClientConfig `mapstructure:"client" yaml:"client" toml:"client" json:"client"`
	Log    LogConfig    `mapstructure:"log" yaml:"log" toml:"log" json:"log"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db_path", "fintrack-server.db")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.news_url", "")
	v.SetDefault("server.news_ttl", time.Hour)
	v.SetDefault("server.bcrypt_cost", 10)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.db_path", "fintrack.db")
	v.SetDefault("client.sync_interval", 5*time.Minute)
	v.SetDefault("client.probe_url", "")
	v.SetDefault("client.probe_timeout", 3*time.Second)
	v.SetDefault("client.request_timeout", 15*time.Second)
	v.SetDefault("client.debounce", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Load reads configuration. path may be empty, in which case fintrack.yaml
// (or .toml/.json) is looked up in the working directory and
// $HOME/.config/fintrack; a missing file is not an error. A .env file in
// the working directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fintrack")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/fintrack")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &c, nil
}

// Validate checks settings needed to run the server.
func (c *ServerConfig) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("server.jwt_secret is required (or FINTRACK_SERVER_JWT_SECRET)")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("server.rate_limit and server.rate_burst must be positive")
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = "********"
	}
	return c
}

// Encode renders c in the given format: yaml, toml or json.
func (c Config) Encode(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		return yaml.Marshal(c)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case "json":
		return json.MarshalIndent(c, "", "  ")
	}
	return nil, fmt.Errorf("unknown format %q (want yaml, toml or json)", format)
}
