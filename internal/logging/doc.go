// Package logging builds the process-wide slog logger and provides the
// standardized field names and context plumbing used across mediamill.
package logging
