// Package worker implements the execution loop: lease a task from the
// queue, stage its input from the storage gateway, run the stage handler
// under a timeout with lease heartbeats, store the output, and settle the
// lease according to the retry policy. An in-process dedup guard keeps
// at-least-once redelivery from running the same logical task twice
// concurrently.
package worker
