package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectScheme prefixes stored paths so they are distinguishable from local
// files in job rows.
const objectScheme = "s3://"

// MinioOpts configures a MinIO store.
type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint  string
	bucket    string
	accessKey string
	secretKey string
	useSSL    bool
}

// WithEndpoint sets the server host:port.
func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) { c.endpoint = endpoint }
}

// WithBucket sets the bucket uploads are written to.
func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) { c.bucket = bucket }
}

// WithCredentials sets static V4 credentials.
func WithCredentials(accessKey, secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
		c.secretKey = secretKey
	}
}

// WithSSL enables TLS.
func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) { c.useSSL = useSSL }
}

// Minio stores uploads as objects in one bucket.
type Minio struct {
	cfg    *minioConfig
	client *minio.Client
}

// NewMinio connects to the server and creates the bucket if it is missing.
func NewMinio(ctx context.Context, opts ...MinioOpts) (*Minio, error) {
	cfg := &minioConfig{bucket: "uploads"}
	for _, o := range opts {
		o(cfg)
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.bucket, err)
		}
	}

	return &Minio{cfg: cfg, client: client}, nil
}

func (m *Minio) path(key string) string {
	return objectScheme + m.cfg.bucket + "/" + key
}

func (m *Minio) key(path string) (string, error) {
	prefix := objectScheme + m.cfg.bucket + "/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return strings.TrimPrefix(path, prefix), nil
}

// Save streams r into a new object.
func (m *Minio) Save(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	info, err := m.client.PutObject(ctx, m.cfg.bucket, name, r, -1, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload object: %w", err)
	}
	return m.path(name), info.Size, nil
}

// Open fetches an object.
func (m *Minio) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := m.key(path)
	if err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.cfg.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return obj, nil
}

// Remove deletes an object.
func (m *Minio) Remove(ctx context.Context, path string) error {
	key, err := m.key(path)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.cfg.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

// Sweep deletes stale upload objects.
func (m *Minio) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for obj := range m.client.ListObjects(ctx, m.cfg.bucket, minio.ListObjectsOptions{Prefix: UploadPrefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		if !isStale(obj.LastModified, cutoff) {
			continue
		}
		if err := m.client.RemoveObject(ctx, m.cfg.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
			return removed, fmt.Errorf("failed to remove stale object %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
