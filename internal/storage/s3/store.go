package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

// Store implements types.ObjectStore over an S3 bucket. Segment keys
// map to object keys by their hex encoding. Calls are synchronous and
// never retried here; retry policy lives in the SDK configuration.
type Store struct {
	clients *ClientManager
	bucket  string
	logger  *slog.Logger

	mu      sync.RWMutex
	metrics StoreMetrics
}

// StoreMetrics tracks S3 store performance metrics.
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// NewStore creates an S3-backed object store for bucket.
func NewStore(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default().With("component", "s3-store", "bucket", bucket)
	}

	clients, err := NewClientManager(ctx, bucket, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		clients: clients,
		bucket:  bucket,
		logger:  logger,
	}, nil
}

// Get streams the object for key into sink.
func (s *Store) Get(ctx context.Context, key types.SegmentKey, sink io.Writer) error {
	start := time.Now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	client := s.clients.GetPooledClient()
	defer s.clients.ReturnPooledClient(client)

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key.String()),
	}

	result, err := client.GetObject(ctx, input)
	if err != nil {
		s.recordError(err)
		return s.translateError(err, segerrors.ErrCodeRemoteGet, key)
	}
	defer func() { _ = result.Body.Close() }()

	n, err := io.Copy(sink, result.Body)
	if err != nil {
		s.recordError(err)
		return segerrors.NewError(segerrors.ErrCodeRemoteGet,
			fmt.Sprintf("streaming object body for %s: %v", key, err)).
			WithComponent("s3-store").WithCause(err)
	}

	s.recordMetrics(time.Since(start), false)
	s.mu.Lock()
	s.metrics.BytesDownloaded += n
	s.mu.Unlock()

	return nil
}

// Put stores size bytes read from source under key.
func (s *Store) Put(ctx context.Context, key types.SegmentKey, size int64, source io.Reader) error {
	start := time.Now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	client := s.clients.GetPooledClient()
	defer s.clients.ReturnPooledClient(client)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key.String()),
		Body:          source,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	}

	if _, err := client.PutObject(ctx, input); err != nil {
		s.recordError(err)
		return s.translateError(err, segerrors.ErrCodeRemotePut, key)
	}

	s.recordMetrics(time.Since(start), false)
	s.mu.Lock()
	s.metrics.BytesUploaded += size
	s.mu.Unlock()

	return nil
}

// Delete removes the object for key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key types.SegmentKey) error {
	start := time.Now()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	client := s.clients.GetPooledClient()
	defer s.clients.ReturnPooledClient(client)

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key.String()),
	}

	if _, err := client.DeleteObject(ctx, input); err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil
		}
		s.recordError(err)
		return s.translateError(err, segerrors.ErrCodeRemoteDelete, key)
	}

	s.recordMetrics(time.Since(start), false)
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.clients.HealthCheck(ctx, s.bucket)
}

// GetMetrics returns current store metrics.
func (s *Store) GetMetrics() StoreMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	return s.clients.Close()
}

// Helper methods

// opCtx applies the configured per-request timeout, when set.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := s.clients.config.RequestTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return ctx, func() {}
}

func (s *Store) recordMetrics(duration time.Duration, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Requests++
	if isError {
		s.metrics.Errors++
	}

	// Calculate rolling average latency
	if s.metrics.Requests == 1 {
		s.metrics.AverageLatency = duration
	} else {
		s.metrics.AverageLatency = time.Duration(
			(int64(s.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (s *Store) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Errors++
	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
}

func (s *Store) translateError(err error, code segerrors.ErrorCode, key types.SegmentKey) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return segerrors.NewError(segerrors.ErrCodeObjectNotFound,
			fmt.Sprintf("object not found: %s", key)).
			WithComponent("s3-store").WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return segerrors.NewError(code,
			fmt.Sprintf("bucket not found: %s", s.bucket)).
			WithComponent("s3-store").WithCause(err)
	default:
		return segerrors.NewError(code,
			fmt.Sprintf("%s failed for %s: %v", code, key, err)).
			WithComponent("s3-store").WithCause(err)
	}
}

// isErrorType checks if an error is of a specific type.
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
