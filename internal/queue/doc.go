// Package queue implements the durable at-least-once task queue backing the
// pipeline. Tasks are leased with a visibility timeout, acknowledged or
// returned with backoff, and gated on their predecessor stage's
// acknowledgment.
package queue
