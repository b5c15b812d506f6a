package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/services"
)

// HTTPDoer describes the HTTP client used by the remote backend.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteBackend talks to an S3-compatible object store over HTTP. Requests
// are authenticated with a keyed signature header; presigned GETs carry the
// signature in the query string.
type RemoteBackend struct {
	endpoint  string
	bucket    string
	accessKey string
	secretKey string
	client    HTTPDoer
}

// NewRemoteBackend builds an object-store backend from configuration. Returns
// nil when no endpoint is configured.
func NewRemoteBackend(cfg config.Storage) *RemoteBackend {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteBackend{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		bucket:    cfg.Bucket,
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

// NewRemoteBackendWithClient is the test hook for injecting a fake HTTP client.
func NewRemoteBackendWithClient(endpoint, bucket, accessKey, secretKey string, client HTTPDoer) *RemoteBackend {
	return &RemoteBackend{
		endpoint:  strings.TrimRight(endpoint, "/"),
		bucket:    bucket,
		accessKey: accessKey,
		secretKey: secretKey,
		client:    client,
	}
}

func (b *RemoteBackend) Name() artifact.Backend { return artifact.BackendRemote }

func (b *RemoteBackend) Put(ctx context.Context, key string, data []byte) error {
	req, err := b.newRequest(ctx, http.MethodPut, key, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrStorage, "storage", "remote put", key, err)
	}
	defer resp.Body.Close()
	return b.checkStatus(resp, "remote put", key)
}

func (b *RemoteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := b.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "remote get", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, services.Wrap(services.ErrNotFound, "storage", "remote get", key, nil)
	}
	if err := b.checkStatus(resp, "remote get", key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "remote get", key, err)
	}
	return data, nil
}

func (b *RemoteBackend) Delete(ctx context.Context, key string) error {
	req, err := b.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrStorage, "storage", "remote delete", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return b.checkStatus(resp, "remote delete", key)
}

// Presign produces a query-signed GET URL valid for ttl.
func (b *RemoteBackend) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(ttl).Unix()
	objectURL := b.objectURL(key)
	sig := b.sign(http.MethodGet, b.objectPath(key), expires)
	query := url.Values{}
	query.Set("AccessKeyId", b.accessKey)
	query.Set("Expires", strconv.FormatInt(expires, 10))
	query.Set("Signature", sig)
	return objectURL + "?" + query.Encode(), nil
}

type listBucketResult struct {
	Contents []struct {
		Key          string `xml:"Key"`
		Size         int64  `xml:"Size"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
}

func (b *RemoteBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	listURL := fmt.Sprintf("%s/%s?list-type=2&prefix=%s", b.endpoint, b.bucket, url.QueryEscape(prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "remote list", prefix, err)
	}
	b.authorize(req, http.MethodGet, "/"+b.bucket)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "remote list", prefix, err)
	}
	defer resp.Body.Close()
	if err := b.checkStatus(resp, "remote list", prefix); err != nil {
		return nil, err
	}

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "remote list", "decode response", err)
	}
	objects := make([]ObjectInfo, 0, len(result.Contents))
	for _, entry := range result.Contents {
		modified, _ := time.Parse(time.RFC3339, entry.LastModified)
		objects = append(objects, ObjectInfo{Key: entry.Key, Size: entry.Size, Modified: modified})
	}
	return objects, nil
}

func (b *RemoteBackend) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.objectURL(key), body)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "storage", "build request", key, err)
	}
	b.authorize(req, method, b.objectPath(key))
	return req, nil
}

func (b *RemoteBackend) objectPath(key string) string {
	return "/" + b.bucket + "/" + strings.TrimPrefix(key, "/")
}

func (b *RemoteBackend) objectURL(key string) string {
	return b.endpoint + b.objectPath(key)
}

func (b *RemoteBackend) authorize(req *http.Request, method, path string) {
	timestamp := time.Now().Unix()
	req.Header.Set("X-Mm-AccessKey", b.accessKey)
	req.Header.Set("X-Mm-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Mm-Signature", b.sign(method, path, timestamp))
}

func (b *RemoteBackend) sign(method, path string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	fmt.Fprintf(mac, "%s\n%s\n%d", method, path, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// checkStatus maps HTTP status codes onto the error taxonomy. Server-side and
// throttling failures are transient; auth and client errors are not.
func (b *RemoteBackend) checkStatus(resp *http.Response, operation, key string) error {
	switch {
	case resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return services.Wrap(services.ErrStorage, "storage", operation, fmt.Sprintf("%s: status %d", key, resp.StatusCode), nil)
	default:
		return services.Wrap(services.ErrPermanent, "storage", operation, fmt.Sprintf("%s: status %d", key, resp.StatusCode), nil)
	}
}
