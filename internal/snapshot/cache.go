package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// DefaultKey is the slot the current shop snapshot is stored under.
const DefaultKey = "current_gear_data"

// Cache stores the last snapshot that was fully dispatched. It holds a
// single value; every write replaces the previous one.
type Cache interface {
	Read(ctx context.Context) ([]byte, bool, error)
	Write(ctx context.Context, raw []byte) error
}

// KV is the key/value capability the SQLite cache is built on.
type KV interface {
	GetKV(ctx context.Context, key string) ([]byte, bool, error)
	PutKV(ctx context.Context, key string, value []byte) error
}

// SQLiteCache keeps the snapshot in the application database.
type SQLiteCache struct {
	kv  KV
	key string
}

// NewSQLiteCache creates a cache stored under key in kv.
func NewSQLiteCache(kv KV, key string) *SQLiteCache {
	return &SQLiteCache{kv: kv, key: key}
}

// Read returns the cached snapshot, or false when nothing was stored yet.
func (c *SQLiteCache) Read(ctx context.Context) ([]byte, bool, error) {
	raw, ok, err := c.kv.GetKV(ctx, c.key)
	if err != nil {
		return nil, false, fmt.Errorf("read cached snapshot: %w", err)
	}
	return raw, ok, nil
}

// Write replaces the cached snapshot.
func (c *SQLiteCache) Write(ctx context.Context, raw []byte) error {
	if err := c.kv.PutKV(ctx, c.key, raw); err != nil {
		return fmt.Errorf("write cached snapshot: %w", err)
	}
	return nil
}

// S3API is the subset of the S3 client used by S3Cache.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Cache keeps the snapshot as a single object in a bucket.
type S3Cache struct {
	client S3API
	bucket string
	key    string
}

// NewS3Cache creates a cache stored at bucket/key.
func NewS3Cache(client S3API, bucket, key string) *S3Cache {
	return &S3Cache{client: client, bucket: bucket, key: key}
}

// NewS3Client loads the default AWS configuration for region.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Read fetches the snapshot object. A missing object reads as absent.
func (c *S3Cache) Read(ctx context.Context) ([]byte, bool, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get s3 object %s/%s: %w", c.bucket, c.key, err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(out.Body, 5*1024*1024))
	if err != nil {
		return nil, false, fmt.Errorf("read s3 object %s/%s: %w", c.bucket, c.key, err)
	}
	return raw, true, nil
}

// Write uploads the snapshot, replacing the previous object.
func (c *S3Cache) Write(ctx context.Context, raw []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(c.key),
		Body:         bytes.NewReader(raw),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("no-store"),
		Metadata:     map[string]string{"written-at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s/%s: %w", c.bucket, c.key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
