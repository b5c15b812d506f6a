// Package pipeline turns submissions into runnable work: the compiler
// validates stage sequences against the registry and chains artifact kinds,
// the submitter persists jobs and enqueues task chains, and the coordinator
// admits batch members under an in-flight ceiling. Validation failures
// reject the whole submission before anything is enqueued.
package pipeline
