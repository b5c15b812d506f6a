package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeQueue()
	c.normalizeWorkers()
	c.normalizeRetry()
	c.normalizeBatch()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeHandlers()
	c.normalizeNotifications()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeQueue() {
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultPollInterval
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = defaultVisibilityTimeout
	}
}

func (c *Config) normalizeWorkers() {
	if c.Workers.Count <= 0 {
		c.Workers.Count = defaultWorkerCount
	}
	if c.Workers.StageTimeout <= 0 {
		c.Workers.StageTimeout = defaultStageTimeout
	}
}

func (c *Config) normalizeRetry() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.BaseDelayMS <= 0 {
		c.Retry.BaseDelayMS = defaultBaseDelayMS
	}
	if c.Retry.MaxDelayMS <= 0 {
		c.Retry.MaxDelayMS = defaultMaxDelayMS
	}
}

func (c *Config) normalizeBatch() {
	if c.Batch.MaxInFlight <= 0 {
		c.Batch.MaxInFlight = defaultBatchInFlight
	}
}

func (c *Config) normalizeStorage() error {
	var err error
	if c.Storage.LocalDir, err = expandPath(c.Storage.LocalDir); err != nil {
		return fmt.Errorf("storage.local_dir: %w", err)
	}
	c.Storage.Endpoint = strings.TrimRight(strings.TrimSpace(c.Storage.Endpoint), "/")
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	if c.Storage.RequestTimeout <= 0 {
		c.Storage.RequestTimeout = defaultStorageTimeout
	}
	if c.Storage.RetentionDays <= 0 {
		c.Storage.RetentionDays = defaultRetentionDays
	}
	return nil
}

func (c *Config) normalizeHandlers() {
	if strings.TrimSpace(c.Handlers.FFmpegBin) == "" {
		c.Handlers.FFmpegBin = defaultFFmpegBin
	}
	if strings.TrimSpace(c.Handlers.WhisperBin) == "" {
		c.Handlers.WhisperBin = defaultWhisperBin
	}
	if strings.TrimSpace(c.Handlers.WhisperModel) == "" {
		c.Handlers.WhisperModel = defaultWhisperModel
	}
	if strings.TrimSpace(c.Handlers.TTSBin) == "" {
		c.Handlers.TTSBin = defaultTTSBin
	}
	if strings.TrimSpace(c.Handlers.TranslateModel) == "" {
		c.Handlers.TranslateModel = defaultTranslateModel
	}
	if c.Handlers.Timeout <= 0 {
		c.Handlers.Timeout = defaultHandlerTimeout
	}
	c.Handlers.TranslateURL = strings.TrimSpace(c.Handlers.TranslateURL)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.Topic = strings.TrimSpace(c.Notifications.Topic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}
