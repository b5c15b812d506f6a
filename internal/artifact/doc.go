// Package artifact defines the typed references that stages use to hand
// stored payloads to one another.
package artifact
