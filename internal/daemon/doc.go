// Package daemon runs the long-lived mediamill process: it wires the task
// queue, job state store, stage registry, storage gateway, and worker pool
// together, exposes the HTTP API, and performs periodic maintenance (lease
// reclamation, batch admission, artifact retention).
package daemon
