package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segcache/segcache/internal/accounting"
	"github.com/segcache/segcache/internal/metrics"
	"github.com/segcache/segcache/internal/planner"
	"github.com/segcache/segcache/internal/tracker"
	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

// Config carries everything the gateway needs at initialization.
type Config struct {
	// Directory is the local cache directory. Cached segments live
	// there as flat files named by their hex-encoded key.
	Directory string

	// Capacity is the total local cache budget in bytes.
	Capacity int64

	// Store is the remote object store collaborator.
	Store types.ObjectStore

	// Codec is the compression collaborator.
	Codec types.Codec

	// RefCounts supplies per-segment reference counts from the
	// deduplication layer.
	RefCounts types.RefCountSource

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector

	// Logger is optional; nil falls back to slog.Default.
	Logger *slog.Logger
}

// entry is the in-memory index record for one locally cached segment.
type entry struct {
	size        int64
	lastTouched time.Time
}

// Gateway is the public operation surface of the cache engine. It
// orchestrates the accountant, tracker, planner, codec and object
// store into one consistent per-segment protocol.
//
// The engine mutex guards the accountant and the segment index; the
// local-presence check and every accounting mutation happen inside it.
// Local file writes and deletes that change a segment's residency also
// run inside it, so no operation ever observes a segment mid-move.
// Remote fetches and pushes for the operation's own key run outside
// the engine mutex, serialized per key so two concurrent downloads of
// the same missing segment never double-fetch or double-reserve.
type Gateway struct {
	dir     string
	store   types.ObjectStore
	codec   types.Codec
	refs    types.RefCountSource
	track   *tracker.Tracker
	metrics *metrics.Collector
	logger  *slog.Logger

	mu    sync.Mutex
	acct  *accounting.Accountant
	index map[types.SegmentKey]entry

	keys keyedMutex

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	passthrough atomic.Uint64
}

// New creates a gateway over cfg.Directory, rebuilding the segment
// index from files already present (warm cache). The warm bytes are
// billed against capacity before the first operation runs.
func New(cfg Config) (*Gateway, error) {
	if cfg.Directory == "" {
		return nil, segerrors.NewError(segerrors.ErrCodeInvalidConfig,
			"cache directory cannot be empty").WithComponent("gateway")
	}
	if cfg.Capacity <= 0 {
		return nil, segerrors.NewError(segerrors.ErrCodeInvalidConfig,
			fmt.Sprintf("cache capacity must be positive, got %d", cfg.Capacity)).
			WithComponent("gateway")
	}
	if cfg.Store == nil || cfg.Codec == nil || cfg.RefCounts == nil {
		return nil, segerrors.NewError(segerrors.ErrCodeInvalidConfig,
			"store, codec and ref count source are required").WithComponent("gateway")
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, segerrors.NewError(segerrors.ErrCodeStorageWrite,
			fmt.Sprintf("creating cache directory %s: %v", cfg.Directory, err)).
			WithComponent("gateway").WithCause(err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	track := tracker.New()

	index, used, err := scanCacheDir(cfg.Directory, track, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		dir:     cfg.Directory,
		store:   cfg.Store,
		codec:   cfg.Codec,
		refs:    cfg.RefCounts,
		track:   track,
		metrics: cfg.Metrics,
		logger:  logger,
		acct:    accounting.New(cfg.Capacity, used),
		index:   index,
	}

	g.publishGauges()
	logger.Info("cache engine initialized",
		"directory", cfg.Directory,
		"capacity", cfg.Capacity,
		"warm_segments", len(index),
		"warm_bytes", used)

	return g, nil
}

// segmentPath returns the local cache file for key.
func (g *Gateway) segmentPath(key types.SegmentKey) string {
	return filepath.Join(g.dir, key.String())
}

// Download ensures segment key's bytes are available, decompressed, at
// target. A locally cached segment is served from the cache directory;
// a missing one is fetched from the remote store and retained locally
// when space allows, evicting less valuable segments if necessary.
// When no candidate may be evicted the segment is served without
// caching and its remote copy stays authoritative.
func (g *Gateway) Download(ctx context.Context, target string, key types.SegmentKey) error {
	start := time.Now()
	err := g.download(ctx, target, key)
	g.record("download", start, err)
	return err
}

func (g *Gateway) download(ctx context.Context, target string, key types.SegmentKey) error {
	g.keys.Lock(key)
	defer g.keys.Unlock(key)

	path := g.segmentPath(key)

	g.mu.Lock()
	if e, ok := g.index[key]; ok {
		defer g.mu.Unlock()

		ts, err := g.track.Touch(path)
		if err != nil {
			return err
		}
		e.lastTouched = ts
		g.index[key] = e

		if err := g.codec.Decompress(path, target); err != nil {
			return err
		}

		g.hits.Add(1)
		g.metrics.RecordHit()
		g.logger.Debug("download hit", "key", key, "size", e.size)
		return nil
	}
	g.mu.Unlock()

	// Miss. Fetch the compressed object into the cache file before
	// deciding whether it may stay. The per-key lock guarantees no
	// other caller is fetching or billing this key meanwhile.
	size, err := g.fetchRemote(ctx, key, path)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.misses.Add(1)
	g.metrics.RecordMiss()

	g.acct.Reserve(size)

	if g.acct.OverBudget() {
		need := -g.acct.Remaining()
		keep := types.Segment{Key: key, RefCount: g.refs.RefCount(key), StoredSize: size}

		victims, err := planner.Plan(keep, g.candidatesLocked(), need)
		if err != nil {
			// Infeasible. Serve without caching; the remote copy
			// stays authoritative.
			return g.passthroughDownloadLocked(key, path, target, size)
		}

		for _, v := range victims {
			if err := g.evictLocked(ctx, v); err != nil {
				// The fetched bytes cannot be retained with the cache
				// over budget. Reverse the fetch so key stays Remote.
				g.discardFetchLocked(key, path, size)
				return err
			}
		}

		if g.acct.OverBudget() {
			// The plan ran out of candidates before covering the
			// shortfall. Same fallback as Infeasible.
			return g.passthroughDownloadLocked(key, path, target, size)
		}
	}

	if err := g.retainDownloadLocked(ctx, key, path, size); err != nil {
		return err
	}

	g.publishGauges()
	return g.codec.Decompress(path, target)
}

// fetchRemote streams the remote object for key into path and returns
// its stored size. The partial file is removed on failure.
func (g *Gateway) fetchRemote(ctx context.Context, key types.SegmentKey, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, segerrors.NewError(segerrors.ErrCodeStorageWrite,
			fmt.Sprintf("creating cache file for %s: %v", key, err)).
			WithComponent("gateway").WithOperation("download").WithCause(err)
	}

	if err := g.store.Get(ctx, key, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return 0, segerrors.NewError(segerrors.ErrCodeStorageWrite,
			fmt.Sprintf("closing cache file for %s: %v", key, err)).
			WithComponent("gateway").WithOperation("download").WithCause(err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		_ = os.Remove(path)
		return 0, segerrors.NewError(segerrors.ErrCodeStorageStat,
			fmt.Sprintf("measuring fetched segment %s: %v", key, err)).
			WithComponent("gateway").WithOperation("download").WithCause(err)
	}

	return stat.Size(), nil
}

// retainDownloadLocked commits a freshly fetched segment as Local:
// stamps its timestamp, indexes it, and deletes the remote copy so the
// two never coexist. On failure the fetch is reversed and key stays
// Remote.
func (g *Gateway) retainDownloadLocked(ctx context.Context, key types.SegmentKey, path string, size int64) error {
	ts, err := g.track.Touch(path)
	if err != nil {
		g.discardFetchLocked(key, path, size)
		return err
	}

	if err := g.store.Delete(ctx, key); err != nil {
		g.discardFetchLocked(key, path, size)
		return err
	}

	g.index[key] = entry{size: size, lastTouched: ts}
	g.logger.Debug("download cached", "key", key, "size", size,
		"remaining", g.acct.Remaining())
	return nil
}

// passthroughDownloadLocked serves a fetched segment without retaining
// it: the reservation is reversed, the bytes are decompressed to
// target, and the local copy is deleted. The remote copy is untouched.
func (g *Gateway) passthroughDownloadLocked(key types.SegmentKey, path, target string, size int64) error {
	if err := g.acct.Release(size); err != nil {
		return err
	}

	if err := g.codec.Decompress(path, target); err != nil {
		_ = os.Remove(path)
		return err
	}
	if err := os.Remove(path); err != nil {
		return segerrors.NewError(segerrors.ErrCodeStorageRemove,
			fmt.Sprintf("removing passthrough segment %s: %v", key, err)).
			WithComponent("gateway").WithOperation("download").WithCause(err)
	}

	g.passthrough.Add(1)
	g.metrics.RecordPassthrough()
	g.publishGauges()
	g.logger.Debug("download passthrough", "key", key, "size", size)
	return nil
}

// discardFetchLocked reverses a fetch that cannot be kept: releases the
// reservation and removes the local file. Accounting errors here mean
// the space invariant was already broken and take precedence in logs.
func (g *Gateway) discardFetchLocked(key types.SegmentKey, path string, size int64) {
	if err := g.acct.Release(size); err != nil {
		g.logger.Error("accounting violation while discarding fetch", "key", key, "error", err)
	}
	if err := os.Remove(path); err != nil {
		g.logger.Error("removing discarded fetch", "key", key, "error", err)
	}
}

// candidatesLocked snapshots the index as eviction candidates with
// their current reference counts.
func (g *Gateway) candidatesLocked() []types.Segment {
	candidates := make([]types.Segment, 0, len(g.index))
	for key, e := range g.index {
		candidates = append(candidates, types.Segment{
			Key:         key,
			RefCount:    g.refs.RefCount(key),
			LastTouched: e.lastTouched,
			StoredSize:  e.size,
		})
	}
	return candidates
}

// evictLocked moves one victim from local cache to the remote store:
// push, delete local, release its bytes. Any failure aborts the
// eviction with the victim still Local and still billed.
func (g *Gateway) evictLocked(ctx context.Context, victim types.Segment) error {
	path := g.segmentPath(victim.Key)

	f, err := os.Open(path)
	if err != nil {
		return segerrors.NewError(segerrors.ErrCodeStorageRead,
			fmt.Sprintf("opening eviction victim %s: %v", victim.Key, err)).
			WithComponent("gateway").WithOperation("evict").WithCause(err)
	}

	if err := g.store.Put(ctx, victim.Key, victim.StoredSize, f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return segerrors.NewError(segerrors.ErrCodeStorageRead,
			fmt.Sprintf("closing eviction victim %s: %v", victim.Key, err)).
			WithComponent("gateway").WithOperation("evict").WithCause(err)
	}

	if err := os.Remove(path); err != nil {
		return segerrors.NewError(segerrors.ErrCodeStorageRemove,
			fmt.Sprintf("removing evicted segment %s: %v", victim.Key, err)).
			WithComponent("gateway").WithOperation("evict").WithCause(err)
	}

	delete(g.index, victim.Key)
	if err := g.acct.Release(victim.StoredSize); err != nil {
		return err
	}

	g.evictions.Add(1)
	g.metrics.RecordEviction(1)
	g.logger.Info("segment evicted", "key", victim.Key,
		"size", victim.StoredSize, "ref_count", victim.RefCount)
	return nil
}

// Upload persists a segment sourced from path[offset:offset+length).
// The range is compressed into the cache directory; if it fits within
// the remaining budget it stays local and is never uploaded, otherwise
// the compressed bytes stream straight to the remote store. Upload
// never evicts.
func (g *Gateway) Upload(ctx context.Context, path string, offset int64, key types.SegmentKey, length int64) error {
	start := time.Now()
	err := g.upload(ctx, path, offset, key, length)
	g.record("upload", start, err)
	return err
}

func (g *Gateway) upload(ctx context.Context, path string, offset int64, key types.SegmentKey, length int64) error {
	g.keys.Lock(key)
	defer g.keys.Unlock(key)

	segPath := g.segmentPath(key)

	g.mu.Lock()
	if e, ok := g.index[key]; ok {
		// Content-addressed: the segment is already stored with these
		// exact bytes. Refresh recency and stop.
		defer g.mu.Unlock()
		ts, err := g.track.Touch(segPath)
		if err != nil {
			return err
		}
		e.lastTouched = ts
		g.index[key] = e
		return nil
	}
	g.mu.Unlock()

	compressedSize, err := g.codec.Compress(path, offset, length, segPath)
	if err != nil {
		return err
	}

	g.mu.Lock()

	if !g.acct.HasRoom(compressedSize) {
		g.mu.Unlock()
		return g.uploadRemote(ctx, key, segPath, compressedSize)
	}

	defer g.mu.Unlock()

	ts, err := g.track.Touch(segPath)
	if err != nil {
		_ = os.Remove(segPath)
		return err
	}

	g.acct.Reserve(compressedSize)
	g.index[key] = entry{size: compressedSize, lastTouched: ts}

	g.publishGauges()
	g.logger.Debug("upload cached", "key", key, "size", compressedSize,
		"remaining", g.acct.Remaining())
	return nil
}

// uploadRemote streams a compressed segment that cannot fit locally to
// the remote store and removes the local file. The key was never
// indexed or billed, so no other operation can observe it mid-push.
func (g *Gateway) uploadRemote(ctx context.Context, key types.SegmentKey, segPath string, size int64) error {
	f, err := os.Open(segPath)
	if err != nil {
		return segerrors.NewError(segerrors.ErrCodeStorageRead,
			fmt.Sprintf("opening compressed segment %s: %v", key, err)).
			WithComponent("gateway").WithOperation("upload").WithCause(err)
	}

	if err := g.store.Put(ctx, key, size, f); err != nil {
		_ = f.Close()
		_ = os.Remove(segPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(segPath)
		return segerrors.NewError(segerrors.ErrCodeStorageRead,
			fmt.Sprintf("closing compressed segment %s: %v", key, err)).
			WithComponent("gateway").WithOperation("upload").WithCause(err)
	}

	if err := os.Remove(segPath); err != nil {
		return segerrors.NewError(segerrors.ErrCodeStorageRemove,
			fmt.Sprintf("removing streamed segment %s: %v", key, err)).
			WithComponent("gateway").WithOperation("upload").WithCause(err)
	}

	g.passthrough.Add(1)
	g.metrics.RecordPassthrough()
	g.logger.Debug("upload streamed to remote", "key", key, "size", size)
	return nil
}

// Remove deletes a segment entirely, wherever it lives. Removing an
// absent key is a no-op.
func (g *Gateway) Remove(ctx context.Context, key types.SegmentKey) error {
	start := time.Now()
	err := g.remove(ctx, key)
	g.record("remove", start, err)
	return err
}

func (g *Gateway) remove(ctx context.Context, key types.SegmentKey) error {
	g.keys.Lock(key)
	defer g.keys.Unlock(key)

	g.mu.Lock()
	if e, ok := g.index[key]; ok {
		defer g.mu.Unlock()

		if err := os.Remove(g.segmentPath(key)); err != nil {
			return segerrors.NewError(segerrors.ErrCodeStorageRemove,
				fmt.Sprintf("removing segment %s: %v", key, err)).
				WithComponent("gateway").WithOperation("remove").WithCause(err)
		}

		delete(g.index, key)
		if err := g.acct.Release(e.size); err != nil {
			return err
		}

		g.publishGauges()
		g.logger.Debug("segment removed locally", "key", key, "size", e.size)
		return nil
	}
	g.mu.Unlock()

	// Not local; the remote object, if any, goes. Deleting an absent
	// object succeeds, which makes Remove idempotent.
	if err := g.store.Delete(ctx, key); err != nil {
		return err
	}
	g.logger.Debug("segment removed remotely", "key", key)
	return nil
}

// Location reports where key currently lives as far as the local index
// knows: Local when cached, Absent otherwise. Remote residency is not
// tracked locally and reports as Absent.
func (g *Gateway) Location(key types.SegmentKey) types.Location {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.index[key]; ok {
		return types.LocationLocal
	}
	return types.LocationAbsent
}

// Stats returns a snapshot of engine counters and space accounting.
func (g *Gateway) Stats() types.EngineStats {
	g.mu.Lock()
	resident := len(g.index)
	remaining := g.acct.Remaining()
	total := g.acct.Total()
	g.mu.Unlock()

	hits := g.hits.Load()
	misses := g.misses.Load()

	stats := types.EngineStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   g.evictions.Load(),
		Passthrough: g.passthrough.Load(),
		Resident:    resident,
		Size:        total - remaining,
		Capacity:    total,
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	if total > 0 {
		stats.Utilization = float64(total-remaining) / float64(total)
	}
	return stats
}

// record updates per-operation metrics.
func (g *Gateway) record(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		g.logger.Error("operation failed", "operation", operation, "error", err)
	}
	g.metrics.RecordOperation(operation, outcome, time.Since(start))
}

// publishGauges pushes space accounting to the metrics collector.
// Callers hold the engine mutex.
func (g *Gateway) publishGauges() {
	g.metrics.SetSpace(g.acct.Total(), g.acct.Remaining())
	g.metrics.SetResidentSegments(len(g.index))
}
