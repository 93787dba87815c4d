package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

// MinIOStore uploads recording files to MinIO (or any S3-compatible
// endpoint). The container argument of Put selects the bucket.
type MinIOStore struct {
	client     *minio.Client
	logger     recorderlog.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	// buckets already confirmed to exist
	buckets sync.Map

	metrics MinIOMetrics
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string

	// Concurrent uploads across all dispatcher goroutines
	MaxUploads int

	ConnectTimeout time.Duration

	// Transport-level retries per object. Zero means a single attempt.
	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// NewMinIOStore creates a new MinIO object store. No network call is made
// until the first upload.
func NewMinIOStore(config MinIOConfig, logger recorderlog.Logger) (*MinIOStore, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if config.MaxUploads <= 0 {
		config.MaxUploads = 4
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     client,
		logger:     logger.Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}
	return store, nil
}

// Put uploads the file at filePath to container under key, storing metadata
// as object user metadata.
func (s *MinIOStore) Put(ctx context.Context, container, key, filePath string, metadata map[string]string) error {
	var opts []PutOption
	if len(metadata) > 0 {
		opts = append(opts, WithMetadata(metadata))
	}
	return s.PutFile(ctx, container, key, filePath, opts...)
}

// PutFile uploads a file to storage
func (s *MinIOStore) PutFile(ctx context.Context, container, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	options := &putOptions{}
	for _, opt := range opts {
		opt.applyPut(options)
	}
	if options.ContentType == "" {
		opts = append(opts, WithContentType(detectContentType(filePath)))
	}

	return s.PutObject(ctx, container, key, file, stat.Size(), opts...)
}

// PutObject uploads size bytes from reader.
func (s *MinIOStore) PutObject(ctx context.Context, container, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := &putOptions{
		ContentType: "application/octet-stream",
	}
	for _, opt := range opts {
		opt.applyPut(options)
	}

	if err := s.ensureBucket(ctx, container); err != nil {
		return err
	}

	// Acquire upload slot
	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	}

	attempt := 0
	op := func() error {
		attempt++

		// Retries must rewind seekable readers.
		if attempt > 1 {
			rs, ok := reader.(io.ReadSeeker)
			if !ok {
				return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
			}
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := s.client.PutObject(ctx, container, key, reader, size, putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			serr := &StorageError{Op: "put", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
			if IsAccessDenied(serr) || IsNotExist(serr) {
				return backoff.Permanent(serr)
			}
			return serr
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Object uploaded",
			recorderlog.String("bucket", container),
			recorderlog.String("key", key),
			recorderlog.Int64("size", info.Size),
			recorderlog.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		var serr *StorageError
		if errors.As(err, &serr) {
			return serr
		}
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
}

// ensureBucket creates the bucket on first use.
func (s *MinIOStore) ensureBucket(ctx context.Context, bucket string) error {
	if _, ok := s.buckets.Load(bucket); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return &StorageError{Op: "bucket_exists", Key: bucket, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	if !exists {
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.config.Region})
		if err != nil {
			// Another dispatcher may have created it in the meantime.
			if minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
				return &StorageError{Op: "make_bucket", Key: bucket, Err: err, StatusCode: getMinioStatusCode(err)}
			}
		} else {
			s.logger.Info("Created MinIO bucket", recorderlog.String("bucket", bucket))
		}
	}
	s.buckets.Store(bucket, struct{}{})
	return nil
}

// HealthCheck verifies the endpoint answers for bucket.
func (s *MinIOStore) HealthCheck(ctx context.Context, bucket string) error {
	if _, err := s.client.BucketExists(ctx, bucket); err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	return nil
}

// GetMetrics returns storage metrics
func (s *MinIOStore) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  s.metrics.TotalUploads.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
