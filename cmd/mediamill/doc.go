// Package main hosts the mediamill CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground or talks to a
// running daemon over its HTTP API: job and batch submission, status tables,
// cancellation and retry, artifact upload, and configuration scaffolding.
// Keep this package thin; behavior belongs in the internal packages and is
// surfaced here through dedicated commands and flags.
package main
