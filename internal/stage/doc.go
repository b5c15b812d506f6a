// Package stage defines the contract between the pipeline engine and the
// media transformation handlers: the Handler interface, the Descriptor a
// handler publishes, and the Registry the daemon resolves stage names
// against. The engine never knows what a stage does; it only moves artifacts
// in and out and relays progress.
package stage
