package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Queue contains configuration for the task queue.
type Queue struct {
	PollInterval      int `toml:"poll_interval"`
	VisibilityTimeout int `toml:"visibility_timeout"`
}

// Workers contains configuration for the worker pool.
type Workers struct {
	Count        int `toml:"count"`
	StageTimeout int `toml:"stage_timeout"`
}

// Retry contains configuration for failure retry behavior.
type Retry struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// Batch contains configuration for batch job admission.
type Batch struct {
	MaxInFlight int `toml:"max_in_flight"`
}

// Storage contains configuration for the artifact storage gateway.
type Storage struct {
	Endpoint       string `toml:"endpoint"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	RequestTimeout int    `toml:"request_timeout"`
	PresignSecret  string `toml:"presign_secret"`
	LocalDir       string `toml:"local_dir"`
	RetentionDays  int    `toml:"retention_days"`
}

// Handlers contains configuration for the bundled stage handlers.
type Handlers struct {
	FFmpegBin       string `toml:"ffmpeg_bin"`
	WhisperBin      string `toml:"whisper_bin"`
	WhisperModel    string `toml:"whisper_model"`
	TTSBin          string `toml:"tts_bin"`
	TranslateURL    string `toml:"translate_url"`
	TranslateAPIKey string `toml:"translate_api_key"`
	TranslateModel  string `toml:"translate_model"`
	Timeout         int    `toml:"timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	Topic          string `toml:"topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
	BatchCompleted bool   `toml:"batch_completed"`
}

// Config encapsulates all configuration values for mediamill.
//
// Configuration sections by subsystem:
//   - Paths: data/staging/log directories and API bind address
//   - Logging: log format and level
//   - Queue: task queue polling and lease visibility
//   - Workers: worker pool sizing and per-stage timeout
//   - Retry: transient failure retry bounds
//   - Batch: batch admission concurrency
//   - Storage: remote object store plus local fallback
//   - Handlers: bundled stage handler tooling
//   - Notifications: ntfy push notification settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Queue         Queue         `toml:"queue"`
	Workers       Workers       `toml:"workers"`
	Retry         Retry         `toml:"retry"`
	Batch         Batch         `toml:"batch"`
	Storage       Storage       `toml:"storage"`
	Handlers      Handlers      `toml:"handlers"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/mediamill/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized. The boolean reports whether a
// config file was found; when absent, defaults are used.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the directories mediamill needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LogDir, c.Storage.LocalDir}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// QueueDatabasePath returns the location of the task queue database.
func (c *Config) QueueDatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// StateDatabasePath returns the location of the job/progress state database.
func (c *Config) StateDatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "state.db")
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
