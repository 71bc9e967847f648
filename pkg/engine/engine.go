// Package engine assembles the cache engine from configuration: the
// S3-backed object store, the zstd codec, the metrics endpoint and the
// segment gateway, behind one constructor and one operation surface.
package engine

import (
	"context"
	"log/slog"
	"os"

	"github.com/segcache/segcache/internal/codec"
	"github.com/segcache/segcache/internal/config"
	"github.com/segcache/segcache/internal/gateway"
	"github.com/segcache/segcache/internal/metrics"
	s3store "github.com/segcache/segcache/internal/storage/s3"
	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

// Engine is the assembled cache engine. Reference counts come from the
// caller's deduplication layer via the RefCountSource it supplies.
type Engine struct {
	gateway   *gateway.Gateway
	s3        *s3store.Store
	collector *metrics.Collector
	logger    *slog.Logger
}

// New builds an engine from cfg, backed by the configured S3 bucket.
// A nil cfg uses defaults; cfg is validated either way.
func New(ctx context.Context, cfg *config.Configuration, refs types.RefCountSource) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, segerrors.NewError(segerrors.ErrCodeConfigValidation, err.Error()).
			WithComponent("engine").WithCause(err)
	}

	logger := newLogger(cfg.Global.LogLevel)

	store, err := s3store.NewStore(ctx, cfg.Storage.Bucket, &cfg.Storage.S3,
		logger.With("component", "s3-store", "bucket", cfg.Storage.Bucket))
	if err != nil {
		return nil, err
	}

	eng, err := assemble(ctx, cfg, refs, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng.s3 = store
	return eng, nil
}

// NewWithStore builds an engine over a caller-supplied object store.
// Used by tests and local development; the production path is New.
func NewWithStore(ctx context.Context, cfg *config.Configuration, refs types.RefCountSource, store types.ObjectStore) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	return assemble(ctx, cfg, refs, store, newLogger(cfg.Global.LogLevel))
}

func assemble(ctx context.Context, cfg *config.Configuration, refs types.RefCountSource, store types.ObjectStore, logger *slog.Logger) (*Engine, error) {
	capacity, err := cfg.CapacityBytes()
	if err != nil {
		return nil, segerrors.NewError(segerrors.ErrCodeConfigValidation, err.Error()).
			WithComponent("engine").WithCause(err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(gateway.Config{
		Directory: cfg.Cache.Directory,
		Capacity:  capacity,
		Store:     store,
		Codec:     codec.NewZstd(),
		RefCounts: refs,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if err := collector.Start(ctx); err != nil {
		return nil, err
	}

	return &Engine{
		gateway:   gw,
		collector: collector,
		logger:    logger,
	}, nil
}

// Download ensures segment key's bytes are available, decompressed,
// at target.
func (e *Engine) Download(ctx context.Context, target string, key types.SegmentKey) error {
	return e.gateway.Download(ctx, target, key)
}

// Upload persists a segment sourced from path[offset:offset+length).
func (e *Engine) Upload(ctx context.Context, path string, offset int64, key types.SegmentKey, length int64) error {
	return e.gateway.Upload(ctx, path, offset, key, length)
}

// Remove deletes a segment entirely, wherever it lives.
func (e *Engine) Remove(ctx context.Context, key types.SegmentKey) error {
	return e.gateway.Remove(ctx, key)
}

// Stats returns a snapshot of engine counters and space accounting.
func (e *Engine) Stats() types.EngineStats {
	return e.gateway.Stats()
}

// HealthCheck verifies the remote store is reachable. Engines built
// over a caller-supplied store report healthy.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if e.s3 == nil {
		return nil
	}
	return e.s3.HealthCheck(ctx)
}

// Close releases the metrics endpoint and remote store resources.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.collector.Stop(ctx); err != nil {
		return err
	}
	if e.s3 != nil {
		return e.s3.Close()
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
