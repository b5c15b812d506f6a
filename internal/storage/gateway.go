package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/fileutil"
	"mediamill/internal/logging"
	"mediamill/internal/services"
)

// Gateway is the storage surface the pipeline writes artifacts through.
// Writes target the primary backend and fall back to local storage on
// failure; the returned reference records the backend that actually holds
// the bytes, and reads resolve strictly against it.
type Gateway struct {
	primary  Backend
	fallback *LocalBackend
	logger   *slog.Logger
}

// NewGateway constructs a gateway. primary may be nil, in which case all
// writes land on the local backend.
func NewGateway(primary Backend, fallback *LocalBackend, logger *slog.Logger) *Gateway {
	return &Gateway{
		primary:  primary,
		fallback: fallback,
		logger:   logging.NewComponentLogger(logger, "storage"),
	}
}

// Put stores data under a content-addressed key and returns the reference.
// keyHint scopes the key (typically jobs/<id>/stage-<n>); the final key also
// embeds the checksum so identical payloads re-put idempotently.
func (g *Gateway) Put(ctx context.Context, data []byte, kind artifact.Kind, keyHint string) (artifact.Ref, error) {
	checksum := fileutil.SHA256Hex(data)
	key := fmt.Sprintf("%s/%s.%s", keyHint, checksum[:16], extensionFor(kind))

	ref := artifact.Ref{
		Key:      key,
		Kind:     kind,
		Size:     int64(len(data)),
		Checksum: checksum,
	}

	if g.primary != nil {
		if err := g.primary.Put(ctx, key, data); err == nil {
			ref.Backend = g.primary.Name()
			return ref, nil
		} else {
			g.logger.Warn("primary storage put failed, falling back to local",
				logging.String("key", key),
				logging.Error(err),
			)
		}
	}

	if err := g.fallback.Put(ctx, key, data); err != nil {
		return artifact.Ref{}, services.Wrap(services.ErrPermanent, "storage", "put", "all backends failed", err)
	}
	ref.Backend = g.fallback.Name()
	return ref, nil
}

// Get fetches the payload for ref from the backend recorded at write time.
func (g *Gateway) Get(ctx context.Context, ref artifact.Ref) ([]byte, error) {
	backend, err := g.backendFor(ref)
	if err != nil {
		return nil, err
	}
	return backend.Get(ctx, ref.Key)
}

// Presign produces a time-limited URL for ref. Local references yield a
// token URL served by the daemon; callers treat both forms uniformly.
func (g *Gateway) Presign(ctx context.Context, ref artifact.Ref, ttl time.Duration) (string, error) {
	backend, err := g.backendFor(ref)
	if err != nil {
		return "", err
	}
	return backend.Presign(ctx, ref.Key, ttl)
}

// Delete removes the payload for ref.
func (g *Gateway) Delete(ctx context.Context, ref artifact.Ref) error {
	backend, err := g.backendFor(ref)
	if err != nil {
		return err
	}
	return backend.Delete(ctx, ref.Key)
}

// Local exposes the fallback backend for the daemon's artifact endpoint.
func (g *Gateway) Local() *LocalBackend { return g.fallback }

// CleanupOlderThan deletes objects last modified before cutoff from every
// backend. Returns the number of objects removed.
func (g *Gateway) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	backends := []Backend{g.fallback}
	if g.primary != nil {
		backends = append(backends, g.primary)
	}
	for _, backend := range backends {
		objects, err := backend.List(ctx, "")
		if err != nil {
			return removed, err
		}
		for _, obj := range objects {
			if !obj.Modified.Before(cutoff) {
				continue
			}
			if err := backend.Delete(ctx, obj.Key); err != nil {
				g.logger.Warn("cleanup delete failed",
					logging.String("key", obj.Key),
					logging.String("backend", string(backend.Name())),
					logging.Error(err),
				)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func (g *Gateway) backendFor(ref artifact.Ref) (Backend, error) {
	switch ref.Backend {
	case artifact.BackendLocal:
		return g.fallback, nil
	case artifact.BackendRemote:
		if g.primary == nil {
			return nil, services.Wrap(services.ErrStorage, "storage", "resolve backend", "remote backend not configured", nil)
		}
		return g.primary, nil
	default:
		return nil, services.Wrap(services.ErrValidation, "storage", "resolve backend", fmt.Sprintf("unknown backend %q", ref.Backend), nil)
	}
}

func extensionFor(kind artifact.Kind) string {
	switch kind {
	case artifact.KindVideo:
		return "mp4"
	case artifact.KindAudio:
		return "wav"
	case artifact.KindText:
		return "txt"
	default:
		return "bin"
	}
}
