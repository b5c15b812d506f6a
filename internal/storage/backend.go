package storage

import (
	"context"
	"time"

	"mediamill/internal/artifact"
)

// Backend stores and retrieves artifact payloads by key.
type Backend interface {
	Name() artifact.Backend
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// List returns stored keys and their modification times under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo describes one stored object for maintenance sweeps.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}
