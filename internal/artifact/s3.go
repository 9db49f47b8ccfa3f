package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object key.
	Prefix string
	Logger *slog.Logger
}

// S3Store is a content-addressed store on any S3-compatible bucket. Objects
// are keyed by the CIDv1 of their bytes, so identifiers are computed locally
// and every download is verified against its key.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	logger     *slog.Logger

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewS3Store creates an S3Store. The bucket is created on first use.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		logger:     logger,
	}, nil
}

// ensureBucket creates the bucket if needed. A failed check is retried on
// the next call.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucketName, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucketName, err)
		}
	}
	s.bucketReady = true
	return nil
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

// Upload stores data under its CID. Re-uploading identical bytes is a no-op
// overwrite.
func (s *S3Store) Upload(ctx context.Context, data []byte) (string, error) {
	id, err := ComputeCID(data)
	if err != nil {
		return "", fmt.Errorf("compute cid: %w", err)
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucketName, s.key(id.String()), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", id, err)
	}
	s.logger.Debug("artifact stored", slog.String("cid", id.String()), slog.String("bucket", s.bucketName))
	return id.String(), nil
}

// Download returns the bytes stored under id after checking they hash to it.
func (s *S3Store) Download(ctx context.Context, id string) ([]byte, error) {
	want, err := ParseCID(id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, s.key(want.String()), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapS3Error(id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapS3Error(id, err)
	}
	return verify(want.String(), data)
}

func verify(id string, data []byte) ([]byte, error) {
	got, err := ComputeCID(data)
	if err != nil {
		return nil, err
	}
	if got.String() != id {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrCIDMismatch, id, got)
	}
	return data, nil
}

func mapS3Error(id string, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", id, err)
}
