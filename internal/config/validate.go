package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.StagingDir == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if c.Paths.APIBind != "" {
		if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
			return fmt.Errorf("paths.api_bind must be host:port: %w", err)
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.VisibilityTimeout < c.Queue.PollInterval {
		return errors.New("queue.visibility_timeout must be at least queue.poll_interval")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return errors.New("retry.max_delay_ms must be at least retry.base_delay_ms")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.LocalDir == "" {
		return errors.New("storage.local_dir must be set")
	}
	if c.Storage.Endpoint != "" {
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set when storage.endpoint is configured")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return errors.New("storage.access_key and storage.secret_key must be set when storage.endpoint is configured")
		}
	}
	return nil
}
