package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/boardsaver/boardsaver/server/internal"
)

type Config struct {
	Server         ServerConfig        `yaml:"server" mapstructure:"server"`
	Logging        LoggingConfig       `yaml:"logging" mapstructure:"logging"`
	Paths          PathsConfig         `yaml:"paths" mapstructure:"paths"`
	Authentication AuthConfig          `yaml:"authentication" mapstructure:"authentication"`
	Saver          SaverConfig         `yaml:"saver" mapstructure:"saver"`
	Fetcher        FetcherConfig       `yaml:"fetcher" mapstructure:"fetcher"`
	Notifications  NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
	Retention      RetentionConfig     `yaml:"retention" mapstructure:"retention"`
	path           string
}

type ServerConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Host      string `yaml:"host" mapstructure:"host"`
	Port      int    `yaml:"port" mapstructure:"port"`
	QueueSize int    `yaml:"queue_size" mapstructure:"queue_size"`
}

type LoggingConfig struct {
	LogPath           string `yaml:"log_path" mapstructure:"log_path"`
	EnableFileLogging bool   `yaml:"enable_file_logging" mapstructure:"enable_file_logging"`
	Level             string `yaml:"level" mapstructure:"level"`
}

type PathsConfig struct {
	// default root directory of saved images
	DownloadPath      string `yaml:"download_path" mapstructure:"download_path"`
	LocalDatabasePath string `yaml:"local_database_path" mapstructure:"local_database_path"`
	CachePath         string `yaml:"cache_path" mapstructure:"cache_path"`
}

type AuthConfig struct {
	RequireAuth bool   `yaml:"require_auth" mapstructure:"require_auth"`
	JWTSecret   string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// Options used when nothing was saved through the settings api.
type SaverConfig struct {
	AppendSiteName       bool   `yaml:"append_site_name" mapstructure:"append_site_name"`
	AppendBoardCode      bool   `yaml:"append_board_code" mapstructure:"append_board_code"`
	AppendThreadID       bool   `yaml:"append_thread_id" mapstructure:"append_thread_id"`
	SubDirs              string `yaml:"sub_dirs" mapstructure:"sub_dirs"`
	NamingPolicy         string `yaml:"naming_policy" mapstructure:"naming_policy"`
	DuplicatesResolution string `yaml:"duplicates_resolution" mapstructure:"duplicates_resolution"`
}

type FetcherConfig struct {
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	CacheEntries      int           `yaml:"cache_entries" mapstructure:"cache_entries"`
}

type NotificationsConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age" mapstructure:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

var (
	instance     *Config
	instanceOnce sync.Once
)

func Instance() *Config {
	if instance == nil {
		instanceOnce.Do(func() {
			instance = &Config{}
			instance.Fetcher.MaxRetries = 3
			instance.Notifications.BufferSize = 16
			instance.Retention.SweepInterval = time.Hour
		})
	}
	return instance
}

// DefaultOptions turns the saver section into path resolver options. Unknown
// policy names fall back to their defaults.
func (c *Config) DefaultOptions() internal.Options {
	naming, _ := internal.ParseNamingPolicy(c.Saver.NamingPolicy)

	resolution := internal.ResolutionAskUser
	if c.Saver.DuplicatesResolution != "" {
		if p, err := internal.ParseResolutionPolicy(c.Saver.DuplicatesResolution); err == nil {
			resolution = p
		}
	}

	return internal.Options{
		RootDirectory:           c.Paths.DownloadPath,
		AppendSiteName:          c.Saver.AppendSiteName,
		AppendBoardCode:         c.Saver.AppendBoardCode,
		AppendThreadID:          c.Saver.AppendThreadID,
		ExtraSubPath:            c.Saver.SubDirs,
		NamingPolicy:            naming,
		DefaultResolutionPolicy: resolution,
	}
}

func (c *Config) SetPath(path string) { c.path = path }

// Path of the directory containing the config file
func (c *Config) Dir() string { return filepath.Dir(c.path) }

// Absolute path of the config file
func (c *Config) Path() string { return c.path }
