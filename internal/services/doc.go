// Package services provides the error classification markers and context
// carriers shared by pipeline components.
package services
