// Package storage implements the artifact storage gateway: a primary
// S3-compatible object store with local-filesystem fallback and presigned
// download URLs for both.
package storage
