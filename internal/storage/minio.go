package storage

import (
	"context"
	"io"
	"net/http"

	"github.com/arencloud/hoadesk/internal/config"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio talks to MinIO and other S3-compatible servers using path-style
// addressing.
type Minio struct {
	mc     *minio.Client
	host   string
	secure bool
}

func NewMinio(cfg config.StorageConfig) (*Minio, error) {
	host, secure := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	mc, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, err
	}
	return &Minio{mc: mc, host: host, secure: secure}, nil
}

func (m *Minio) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := m.mc.BucketExists(ctx, bucket)
	if err != nil {
		return false, classifyMinio("head-bucket", bucket, "", err)
	}
	return ok, nil
}

func (m *Minio) MakeBucket(ctx context.Context, bucket, region string) error {
	return classifyMinio("make-bucket", bucket, "", m.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func (m *Minio) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]Object, error) {
	// cancelling stops the lister goroutine once limit is reached
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	if limit > 0 {
		opts.MaxKeys = limit
	}
	out := []Object{}
	for obj := range m.mc.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			return nil, classifyMinio("list-objects", bucket, "", obj.Err)
		}
		out = append(out, fromObjectInfo(obj))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Minio) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (Object, error) {
	info, err := m.mc.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, classifyMinio("put-object", bucket, key, err)
	}
	return Object{Key: info.Key, Size: info.Size, ContentType: contentType, ETag: info.ETag, LastModified: info.LastModified}, nil
}

func (m *Minio) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error) {
	obj, err := m.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, classifyMinio("get-object", bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces missing keys before the caller starts streaming
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, Object{}, classifyMinio("get-object", bucket, key, err)
	}
	return obj, fromObjectInfo(info), nil
}

func (m *Minio) StatObject(ctx context.Context, bucket, key string) (Object, error) {
	info, err := m.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, classifyMinio("stat-object", bucket, key, err)
	}
	return fromObjectInfo(info), nil
}

func (m *Minio) RemoveObject(ctx context.Context, bucket, key string) error {
	return classifyMinio("remove-object", bucket, key, m.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (m *Minio) PublicURL(bucket, key string) string {
	return pathStyleURL(m.host, m.secure, bucket, key)
}

func fromObjectInfo(o minio.ObjectInfo) Object {
	return Object{Key: o.Key, Size: o.Size, ContentType: o.ContentType, ETag: o.ETag, LastModified: o.LastModified}
}

func classifyMinio(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	var kind error
	switch resp.Code {
	case "NoSuchBucket":
		kind = ErrBucketNotFound
	case "NoSuchKey":
		kind = ErrObjectNotFound
	case "BucketAlreadyOwnedByYou":
		kind = ErrBucketExists
	case "AccessDenied", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch", "BucketAlreadyExists":
		// BucketAlreadyExists means the name is taken by another account
		kind = ErrAccessDenied
	default:
		switch {
		case resp.StatusCode == http.StatusForbidden:
			kind = ErrAccessDenied
		case resp.StatusCode == http.StatusNotFound && key == "":
			kind = ErrBucketNotFound
		case resp.StatusCode == http.StatusNotFound:
			kind = ErrObjectNotFound
		case containsNoSuchBucket(err.Error()):
			kind = ErrBucketNotFound
		}
	}
	return &OpError{Op: op, Bucket: bucket, Key: key, Kind: kind, Err: err}
}
