// Package config provides configuration management for vidveil using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerHost      = "127.0.0.1"
	defaultServerPort      = 8000
	defaultReadTimeout     = 60 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxUploadBytes  = 2 * 1024 * 1024 * 1024 // 2 GiB

	defaultWorkers      = 3
	defaultPollInterval = 5 * time.Second
	defaultTaskTimeout  = 24 * time.Hour
	defaultCleanupAge   = 7 * 24 * time.Hour

	defaultEpsilon       = 0.120
	defaultStrength      = 1.0
	defaultAudioLevel    = "weak"
	defaultFrameInterval = 10

	defaultBackupRetention = 14
	defaultBackupCron      = "0 2 * * *"
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Protect ProtectConfig `mapstructure:"protect"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Backup  BackupConfig  `mapstructure:"backup"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxUploadSize is the largest accepted upload body.
	// Supports human-readable values like "2GB" or raw byte counts.
	MaxUploadSize ByteSize `mapstructure:"max_upload_size"`
}

// Address returns the host:port address string for the server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds the filesystem layout. All directories are resolved
// relative to BaseDir unless absolute.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	InputDir  string `mapstructure:"input_dir"`
	OutputDir string `mapstructure:"output_dir"`
	TempDir   string `mapstructure:"temp_dir"`
	LogDir    string `mapstructure:"log_dir"`
	QueueDir  string `mapstructure:"queue_dir"`
}

// Resolve returns dir joined onto BaseDir unless dir is already absolute.
func (s StorageConfig) Resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(s.BaseDir, dir)
}

// InputPath returns the resolved input directory.
func (s StorageConfig) InputPath() string { return s.Resolve(s.InputDir) }

// OutputPath returns the resolved output directory.
func (s StorageConfig) OutputPath() string { return s.Resolve(s.OutputDir) }

// TempPath returns the resolved temp directory.
func (s StorageConfig) TempPath() string { return s.Resolve(s.TempDir) }

// LogPath returns the resolved log directory.
func (s StorageConfig) LogPath() string { return s.Resolve(s.LogDir) }

// QueuePath returns the resolved queue database directory.
func (s StorageConfig) QueuePath() string { return s.Resolve(s.QueueDir) }

// QueueConfig holds worker pool and task lifecycle configuration.
type QueueConfig struct {
	// Workers is the number of concurrent media-processing workers. It also
	// caps the number of tasks admitted into PROCESSING at once.
	Workers int `mapstructure:"workers"`
	// PollInterval is how long an idle worker sleeps before polling again.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// TaskTimeout is the maximum time a task may stay in PROCESSING before
	// the supervisor fails it.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// CleanupAge is the age after which terminal tasks are removed by the
	// nightly cleanup.
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
}

// ProtectConfig holds defaults for PROTECT task parameters. Per-task values
// supplied at upload time override these.
type ProtectConfig struct {
	Epsilon       float64 `mapstructure:"epsilon"`
	Strength      float64 `mapstructure:"strength"`
	AudioLevel    string  `mapstructure:"audio_level"`
	FrameInterval int     `mapstructure:"frame_interval"`
}

// FFmpegConfig holds media toolchain binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = auto-detect)
}

// ArchiveConfig holds the terminal-task archive configuration.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DSN is the sqlite database path (empty = {queue_dir}/archive.db).
	DSN string `mapstructure:"dsn"`
}

// BackupConfig holds queue-database backup configuration.
type BackupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron is a 5-field cron expression for the snapshot schedule.
	Cron string `mapstructure:"cron"`
	// Retention is the number of snapshots to keep.
	Retention int `mapstructure:"retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with VIDVEIL_ using underscores for nesting.
// Example: VIDVEIL_SERVER_PORT=8000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vidveil")
		v.AddConfigPath("$HOME/.vidveil")
	}

	v.SetEnvPrefix("VIDVEIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", defaultWriteTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_upload_size", defaultMaxUploadBytes)

	// Storage defaults
	v.SetDefault("storage.base_dir", ".")
	v.SetDefault("storage.input_dir", "videos_input")
	v.SetDefault("storage.output_dir", "videos_output")
	v.SetDefault("storage.temp_dir", "videos_temp")
	v.SetDefault("storage.log_dir", "server_logs")
	v.SetDefault("storage.queue_dir", "queue_db")

	// Queue defaults
	v.SetDefault("queue.workers", defaultWorkers)
	v.SetDefault("queue.poll_interval", defaultPollInterval)
	v.SetDefault("queue.task_timeout", defaultTaskTimeout)
	v.SetDefault("queue.cleanup_age", defaultCleanupAge)

	// Protection defaults
	v.SetDefault("protect.epsilon", defaultEpsilon)
	v.SetDefault("protect.strength", defaultStrength)
	v.SetDefault("protect.audio_level", defaultAudioLevel)
	v.SetDefault("protect.frame_interval", defaultFrameInterval)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// Archive defaults
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.dsn", "")

	// Backup defaults
	v.SetDefault("backup.enabled", true)
	v.SetDefault("backup.cron", defaultBackupCron)
	v.SetDefault("backup.retention", defaultBackupRetention)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("server.max_upload_size must be positive, got %d", c.Server.MaxUploadSize)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.TaskTimeout <= 0 {
		return fmt.Errorf("queue.task_timeout must be positive, got %s", c.Queue.TaskTimeout)
	}
	if c.Queue.CleanupAge <= 0 {
		return fmt.Errorf("queue.cleanup_age must be positive, got %s", c.Queue.CleanupAge)
	}
	if c.Protect.Epsilon < 0.01 || c.Protect.Epsilon > 0.5 {
		return fmt.Errorf("protect.epsilon must be between 0.01 and 0.5, got %g", c.Protect.Epsilon)
	}
	if c.Protect.Strength < 0.1 || c.Protect.Strength > 2.0 {
		return fmt.Errorf("protect.strength must be between 0.1 and 2.0, got %g", c.Protect.Strength)
	}
	if c.Protect.FrameInterval < 1 || c.Protect.FrameInterval > 30 {
		return fmt.Errorf("protect.frame_interval must be between 1 and 30, got %d", c.Protect.FrameInterval)
	}
	switch c.Protect.AudioLevel {
	case "none", "weak", "medium", "strong":
	default:
		return fmt.Errorf("protect.audio_level must be one of none, weak, medium, strong; got %q", c.Protect.AudioLevel)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Backup.Retention < 1 {
		return fmt.Errorf("backup.retention must be at least 1, got %d", c.Backup.Retention)
	}
	return nil
}

// ArchiveDSN returns the archive database path, defaulting to
// {queue_dir}/archive.db when unset.
func (c *Config) ArchiveDSN() string {
	if c.Archive.DSN != "" {
		return c.Archive.DSN
	}
	return filepath.Join(c.Storage.QueuePath(), "archive.db")
}
