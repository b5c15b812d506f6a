// Package notifications pushes job and batch lifecycle events to an ntfy
// topic. Notification failures are logged by callers and never affect
// pipeline outcomes.
package notifications
