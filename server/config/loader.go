package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// NewViper returns a viper instance reading the yaml file at path and the
// APP_ prefixed environment, e.g. APP_SERVER_PORT for server.port.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// every key needs a default, AutomaticEnv only overrides known keys
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3034)
	v.SetDefault("server.queue_size", 2)
	v.SetDefault("paths.download_path", ".")
	v.SetDefault("paths.local_database_path", ".")
	v.SetDefault("paths.cache_path", filepath.Join(os.TempDir(), "boardsaver"))
	v.SetDefault("logging.log_path", "boardsaver.log")
	v.SetDefault("logging.enable_file_logging", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("authentication.require_auth", false)
	v.SetDefault("authentication.jwt_secret", "")
	v.SetDefault("saver.append_site_name", false)
	v.SetDefault("saver.append_board_code", false)
	v.SetDefault("saver.append_thread_id", false)
	v.SetDefault("saver.sub_dirs", "")
	v.SetDefault("saver.naming_policy", "original")
	v.SetDefault("saver.duplicates_resolution", "ask_user")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.user_agent", "boardsaver")
	v.SetDefault("fetcher.requests_per_second", 0)
	v.SetDefault("fetcher.cache_entries", 512)
	v.SetDefault("notifications.buffer_size", 16)
	v.SetDefault("retention.max_age", "0s")
	v.SetDefault("retention.sweep_interval", "1h")

	// Env binding
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file, if any, and decodes everything into c.
func Load(v *viper.Viper, c *Config) error {
	if err := v.ReadInConfig(); err != nil {
		slog.Debug("using defaults", slog.Any("err", err))
	}

	if err := v.Unmarshal(c); err != nil {
		return err
	}
	c.SetPath(v.ConfigFileUsed())
	return nil
}
