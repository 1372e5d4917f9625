// Package storage wraps S3-compatible object stores behind a small Backend
// interface. Errors returned by a Backend are classified once, here, so
// callers can use errors.Is against the sentinels below instead of parsing
// vendor messages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/arencloud/hoadesk/internal/config"
)

var (
	ErrBucketNotFound = errors.New("bucket does not exist")
	ErrAccessDenied   = errors.New("access denied")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrObjectNotFound = errors.New("object not found")
)

// Object is the subset of object metadata the application uses.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

type Backend interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	// ListObjects returns at most limit objects under prefix; limit <= 0 means no limit.
	ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]Object, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (Object, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error)
	StatObject(ctx context.Context, bucket, key string) (Object, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	PublicURL(bucket, key string) string
}

// OpError records the failed operation together with its classification.
type OpError struct {
	Op     string
	Bucket string
	Key    string
	Kind   error // one of the sentinels, or nil when unclassified
	Err    error
}

func (e *OpError) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target += "/" + e.Key
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, target, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// New builds the backend selected by cfg.Driver.
func New(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "minio":
		return NewMinio(cfg)
	case "aws":
		return NewAWS(cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func normalizeEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	secure = useSSL
	if endpoint == "" {
		return "", secure
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil {
			return u.Host, u.Scheme == "https"
		}
	}
	return endpoint, secure
}

// pathStyleURL builds scheme://host/bucket/key with the key escaped per segment.
func pathStyleURL(host string, secure bool, bucket, key string) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: host}
	return u.JoinPath(append([]string{bucket}, strings.Split(key, "/")...)...).String()
}

// containsNoSuchBucket reports whether the error message indicates the bucket is missing.
func containsNoSuchBucket(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "nosuchbucket") || strings.Contains(m, "bucket does not exist")
}
