package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/fileutil"
	"mediamill/internal/services"
)

// LocalBackend stores artifacts on the local filesystem. It serves as the
// fallback when the remote backend is unavailable and as the only backend in
// endpoint-less configurations.
type LocalBackend struct {
	root    string
	baseURL string
	secret  []byte
}

// NewLocalBackend builds a filesystem backend rooted at dir. baseURL is the
// externally reachable address of the daemon's artifact endpoint, used when
// presigning; secret signs the presigned tokens.
func NewLocalBackend(dir, baseURL, secret string) (*LocalBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("local storage directory must be set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &LocalBackend{
		root:    dir,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:  []byte(secret),
	}, nil
}

func (b *LocalBackend) Name() artifact.Backend { return artifact.BackendLocal }

func (b *LocalBackend) Put(ctx context.Context, key string, data []byte) error {
	target, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(target, data, 0o644); err != nil {
		return services.Wrap(services.ErrStorage, "storage", "local put", key, err)
	}
	return nil
}

func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	target, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "storage", "local get", key, err)
		}
		return nil, services.Wrap(services.ErrStorage, "storage", "local get", key, err)
	}
	return data, nil
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	target, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrStorage, "storage", "local delete", key, err)
	}
	return nil
}

// Presign returns a time-limited token URL served by the daemon's artifact
// endpoint. The token is an HMAC over the key and expiry.
func (b *LocalBackend) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if len(b.secret) == 0 {
		return "", services.Wrap(services.ErrStorage, "storage", "local presign", "presign secret not configured", nil)
	}
	if _, err := b.resolve(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	sig := b.sign(key, expires)
	query := url.Values{}
	query.Set("exp", strconv.FormatInt(expires, 10))
	query.Set("sig", sig)
	return fmt.Sprintf("%s/artifacts/%s?%s", b.baseURL, key, query.Encode()), nil
}

// VerifyToken checks a presigned local token produced by Presign.
func (b *LocalBackend) VerifyToken(key string, expires int64, sig string) bool {
	if len(b.secret) == 0 {
		return false
	}
	if time.Now().Unix() > expires {
		return false
	}
	expected := b.sign(key, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "local list", prefix, err)
	}
	return objects, nil
}

func (b *LocalBackend) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, b.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a key to a path under root, rejecting traversal outside it.
func (b *LocalBackend) resolve(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", services.Wrap(services.ErrValidation, "storage", "resolve key", "empty key", nil)
	}
	target := filepath.Join(b.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	if !strings.HasPrefix(target, b.root+string(os.PathSeparator)) {
		return "", services.Wrap(services.ErrValidation, "storage", "resolve key", "key escapes storage root", nil)
	}
	return target, nil
}
