package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/arencloud/hoadesk/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// AWS talks to Amazon S3 (or a custom endpoint) through aws-sdk-go-v2.
type AWS struct {
	client *s3.Client
	region string
	host   string // set only for custom endpoints
	secure bool
}

func NewAWS(cfg config.StorageConfig) (*AWS, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region: region,
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	a := &AWS{region: region}
	if cfg.Endpoint != "" && !strings.HasSuffix(cfg.Endpoint, "amazonaws.com") {
		host, secure := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
		scheme := "http"
		if secure {
			scheme = "https"
		}
		opts.BaseEndpoint = aws.String((&url.URL{Scheme: scheme, Host: host}).String())
		opts.UsePathStyle = true
		a.host, a.secure = host, secure
	}
	a.client = s3.New(opts)
	return a, nil
}

func (a *AWS) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	cerr := classifyAWS("head-bucket", bucket, "", err)
	if errors.Is(cerr, ErrBucketNotFound) {
		return false, nil
	}
	return false, cerr
}

func (a *AWS) MakeBucket(ctx context.Context, bucket, region string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region == "" {
		region = a.region
	}
	if region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{LocationConstraint: types.BucketLocationConstraint(region)}
	}
	_, err := a.client.CreateBucket(ctx, in)
	return classifyAWS("make-bucket", bucket, "", err)
}

func (a *AWS) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]Object, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}
	out := []Object{}
	p := s3.NewListObjectsV2Paginator(a.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyAWS("list-objects", bucket, "", err)
		}
		for _, o := range page.Contents {
			out = append(out, Object{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				ETag:         strings.Trim(aws.ToString(o.ETag), `"`),
				LastModified: aws.ToTime(o.LastModified),
			})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (a *AWS) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (Object, error) {
	if _, seekable := r.(io.Seeker); size < 0 && !seekable {
		return Object{}, &OpError{Op: "put-object", Bucket: bucket, Key: key, Err: fmt.Errorf("content length required for unseekable body")}
	}
	in := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: r}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := a.client.PutObject(ctx, in)
	if err != nil {
		return Object{}, classifyAWS("put-object", bucket, key, err)
	}
	return Object{Key: key, Size: size, ContentType: contentType, ETag: strings.Trim(aws.ToString(out.ETag), `"`)}, nil
}

func (a *AWS) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, Object{}, classifyAWS("get-object", bucket, key, err)
	}
	return out.Body, Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (a *AWS) StatObject(ctx context.Context, bucket, key string) (Object, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Object{}, classifyAWS("stat-object", bucket, key, err)
	}
	return Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (a *AWS) RemoveObject(ctx context.Context, bucket, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return classifyAWS("remove-object", bucket, key, err)
}

func (a *AWS) PublicURL(bucket, key string) string {
	if a.host != "" {
		return pathStyleURL(a.host, a.secure, bucket, key)
	}
	return pathStyleURL(bucket+".s3."+a.region+".amazonaws.com", true, "", key)
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func classifyAWS(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "BucketNotFound":
			kind = ErrBucketNotFound
		case "NoSuchKey":
			kind = ErrObjectNotFound
		case "NotFound":
			if key == "" {
				kind = ErrBucketNotFound
			} else {
				kind = ErrObjectNotFound
			}
		case "BucketAlreadyOwnedByYou":
			kind = ErrBucketExists
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "BucketAlreadyExists":
			kind = ErrAccessDenied
		}
	}
	var statusErr httpStatusError
	if kind == nil && errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusForbidden:
			kind = ErrAccessDenied
		case http.StatusNotFound:
			if key == "" {
				kind = ErrBucketNotFound
			} else {
				kind = ErrObjectNotFound
			}
		}
	}
	return &OpError{Op: op, Bucket: bucket, Key: key, Kind: kind, Err: err}
}
