// Package progress persists job submissions, batch membership, and
// per-stage progress records in the state database. Job status is never
// stored: it is derived from the stage records and the cancellation flag at
// read time, so the queue and the state database cannot disagree about the
// overall outcome.
package progress
