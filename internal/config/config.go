package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters. All values come from the
// environment with a WEBCHAT_ prefix (optionally seeded from a .env file by
// the caller).
type Config struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	UploadDir   string `mapstructure:"upload_dir"`
	StaticDir   string `mapstructure:"static_dir"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
	MaxHistory  int    `mapstructure:"max_history"`
	LogLevel    string `mapstructure:"log_level"`
}

const (
	defaultHost        = "0.0.0.0"
	defaultPort        = 9098
	defaultUploadDir   = "uploads"
	defaultStaticDir   = "static"
	defaultMaxUploadMB = 25
	defaultMaxHistory  = 500
	defaultLogLevel    = "info"
)

// Load reads configuration from the environment. Environment variables are
// prefixed with WEBCHAT_ (WEBCHAT_PORT, WEBCHAT_MAX_UPLOAD_MB, ...).
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("upload_dir", defaultUploadDir)
	v.SetDefault("static_dir", defaultStaticDir)
	v.SetDefault("max_upload_mb", defaultMaxUploadMB)
	v.SetDefault("max_history", defaultMaxHistory)
	v.SetDefault("log_level", defaultLogLevel)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxUploadMB <= 0 {
		return Config{}, fmt.Errorf("invalid max_upload_mb %d", cfg.MaxUploadMB)
	}
	if cfg.MaxHistory <= 0 {
		return Config{}, fmt.Errorf("invalid max_history %d", cfg.MaxHistory)
	}

	return cfg, nil
}

// Addr returns the host:port bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxUploadBytes converts the configured megabyte limit to bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}
