// Package config loads, normalizes, and validates mediamill's TOML
// configuration.
package config
