package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Backend used for local development and tests.
// Deny makes every call fail with ErrAccessDenied, which is how tests
// simulate missing permissions.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string]memObject
	deny    bool
	baseURL string
}

type memObject struct {
	data []byte
	info Object
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]map[string]memObject{}, baseURL: "http://memory.local"}
}

// Deny toggles simulated permission failures.
func (m *Memory) Deny(v bool) {
	m.mu.Lock()
	m.deny = v
	m.mu.Unlock()
}

// DropBucket removes a bucket and its objects, as an operator might.
func (m *Memory) DropBucket(bucket string) {
	m.mu.Lock()
	delete(m.buckets, bucket)
	m.mu.Unlock()
}

func (m *Memory) check(op, bucket, key string, needBucket bool) (map[string]memObject, error) {
	if m.deny {
		return nil, &OpError{Op: op, Bucket: bucket, Key: key, Kind: ErrAccessDenied, Err: fmt.Errorf("AccessDenied")}
	}
	b, ok := m.buckets[bucket]
	if needBucket && !ok {
		return nil, &OpError{Op: op, Bucket: bucket, Key: key, Kind: ErrBucketNotFound, Err: fmt.Errorf("NoSuchBucket")}
	}
	return b, nil
}

func (m *Memory) BucketExists(ctx context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.check("head-bucket", bucket, "", false); err != nil {
		return false, err
	}
	_, ok := m.buckets[bucket]
	return ok, nil
}

func (m *Memory) MakeBucket(ctx context.Context, bucket, region string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.check("make-bucket", bucket, "", false); err != nil {
		return err
	}
	if _, ok := m.buckets[bucket]; ok {
		return &OpError{Op: "make-bucket", Bucket: bucket, Kind: ErrBucketExists, Err: fmt.Errorf("BucketAlreadyOwnedByYou")}
	}
	m.buckets[bucket] = map[string]memObject{}
	return nil
}

func (m *Memory) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.check("list-objects", bucket, prefix, true)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Object, 0, len(keys))
	for _, k := range keys {
		out = append(out, b[k].info)
	}
	return out, nil
}

func (m *Memory) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, &OpError{Op: "put-object", Bucket: bucket, Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.check("put-object", bucket, key, true)
	if err != nil {
		return Object{}, err
	}
	sum := md5.Sum(data)
	info := Object{Key: key, Size: int64(len(data)), ContentType: contentType, ETag: hex.EncodeToString(sum[:]), LastModified: time.Now().UTC()}
	b[key] = memObject{data: data, info: info}
	return info, nil
}

func (m *Memory) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.check("get-object", bucket, key, true)
	if err != nil {
		return nil, Object{}, err
	}
	o, ok := b[key]
	if !ok {
		return nil, Object{}, &OpError{Op: "get-object", Bucket: bucket, Key: key, Kind: ErrObjectNotFound, Err: fmt.Errorf("NoSuchKey")}
	}
	return io.NopCloser(bytes.NewReader(o.data)), o.info, nil
}

func (m *Memory) StatObject(ctx context.Context, bucket, key string) (Object, error) {
	rc, info, err := m.GetObject(ctx, bucket, key)
	if err != nil {
		return Object{}, err
	}
	rc.Close()
	return info, nil
}

func (m *Memory) RemoveObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.check("remove-object", bucket, key, true)
	if err != nil {
		return err
	}
	delete(b, key)
	return nil
}

func (m *Memory) PublicURL(bucket, key string) string {
	u, _ := url.Parse(m.baseURL)
	return u.JoinPath(append([]string{bucket}, strings.Split(key, "/")...)...).String()
}
