// Package retry classifies stage failures and computes bounded exponential
// backoff decisions.
package retry
