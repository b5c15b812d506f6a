// Package testsupport provides shared builders for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"mediamill/internal/config"
)

// NewConfig returns a validated configuration rooted in a temporary
// directory, with all runtime directories created.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.StagingDir = filepath.Join(dir, "staging")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	cfg.Storage.LocalDir = filepath.Join(dir, "artifacts")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}
