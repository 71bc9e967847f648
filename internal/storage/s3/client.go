package s3

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientManager handles S3 client creation and management.
type ClientManager struct {
	client *s3.Client
	pool   *ConnectionPool
	config *Config
	logger *slog.Logger
}

// NewClientManager creates a new S3 client manager.
func NewClientManager(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*ClientManager, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default().With("component", "s3-store", "bucket", bucket)
	}

	// Load AWS configuration
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
		if cfg.UseDualStack {
			o.EndpointOptions.UseDualStackEndpoint = aws.DualStackEndpointStateEnabled
		}
	}

	client := s3.NewFromConfig(awsCfg, clientOpts)

	// Create connection pool
	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOpts), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &ClientManager{
		client: client,
		pool:   pool,
		config: cfg,
		logger: logger,
	}, nil
}

// GetClient returns the main S3 client.
func (cm *ClientManager) GetClient() *s3.Client {
	return cm.client
}

// GetPooledClient gets a client from the connection pool.
func (cm *ClientManager) GetPooledClient() *s3.Client {
	return cm.pool.Get()
}

// ReturnPooledClient returns a client to the connection pool.
func (cm *ClientManager) ReturnPooledClient(client *s3.Client) {
	cm.pool.Put(client)
}

// HealthCheck verifies the client connection.
func (cm *ClientManager) HealthCheck(ctx context.Context, bucket string) error {
	client := cm.GetPooledClient()
	defer cm.ReturnPooledClient(client)

	input := &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	}

	if _, err := client.HeadBucket(ctx, input); err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}

	return nil
}

// GetStats returns connection pool statistics.
func (cm *ClientManager) GetStats() PoolStats {
	return cm.pool.Stats()
}

// Close closes all client resources.
func (cm *ClientManager) Close() error {
	return cm.pool.Close()
}
