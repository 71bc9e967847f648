package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/segcache/segcache/internal/codec"
	"github.com/segcache/segcache/internal/storage/memory"
	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

// requireXattrs skips the test when the filesystem backing dir does
// not support user extended attributes.
func requireXattrs(t *testing.T, dir string) {
	t.Helper()
	probe := filepath.Join(dir, ".xattr-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		t.Fatalf("creating xattr probe: %v", err)
	}
	err := unix.Setxattr(probe, "user.segcache.probe", []byte{1}, 0)
	_ = os.Remove(probe)
	if err != nil {
		t.Skipf("filesystem does not support user xattrs: %v", err)
	}
}

// copyCodec is an identity codec: the "compressed" form is the raw
// byte range, so stored sizes are deterministic in accounting tests.
type copyCodec struct{}

func (copyCodec) Compress(sourcePath string, offset, length int64, destPath string) (int64, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, io.LimitReader(src, length))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return 0, err
	}
	return n, nil
}

func (copyCodec) Decompress(sourcePath, destPath string) error {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

// refCounts is a mutable map-backed reference count source.
type refCounts struct {
	mu     sync.Mutex
	counts map[types.SegmentKey]int64
}

func newRefCounts() *refCounts {
	return &refCounts{counts: make(map[types.SegmentKey]int64)}
}

func (r *refCounts) set(key types.SegmentKey, rc int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] = rc
}

func (r *refCounts) RefCount(key types.SegmentKey) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// countingStore wraps the memory store and counts remote fetches.
type countingStore struct {
	*memory.Store
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, key types.SegmentKey, sink io.Writer) error {
	c.gets.Add(1)
	return c.Store.Get(ctx, key, sink)
}

type testEngine struct {
	gw    *Gateway
	store *memory.Store
	refs  *refCounts
	dir   string
	work  string
}

func newTestEngine(t *testing.T, capacity int64, cdc types.Codec) *testEngine {
	t.Helper()
	dir := t.TempDir()
	requireXattrs(t, dir)

	store := memory.NewStore()
	refs := newRefCounts()

	gw, err := New(Config{
		Directory: filepath.Join(dir, "cache"),
		Capacity:  capacity,
		Store:     store,
		Codec:     cdc,
		RefCounts: refs,
	})
	require.NoError(t, err)

	return &testEngine{gw: gw, store: store, refs: refs,
		dir: filepath.Join(dir, "cache"), work: dir}
}

// source writes content to a scratch file and returns its path.
func (e *testEngine) source(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(e.work, fmt.Sprintf("src-%d", time.Now().UnixNano()))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func (e *testEngine) upload(t *testing.T, key types.SegmentKey, content []byte) {
	t.Helper()
	src := e.source(t, content)
	require.NoError(t, e.gw.Upload(context.Background(), src, 0, key, int64(len(content))))
}

func (e *testEngine) download(t *testing.T, key types.SegmentKey) []byte {
	t.Helper()
	target := filepath.Join(e.work, fmt.Sprintf("out-%d", time.Now().UnixNano()))
	require.NoError(t, e.gw.Download(context.Background(), target, key))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	return data
}

func segKey(id byte) types.SegmentKey {
	var k types.SegmentKey
	k[0] = id
	return k
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	e := newTestEngine(t, 1<<20, codec.NewZstd())

	content := payload(4096)
	key := segKey(1)

	e.upload(t, key, content)
	got := e.download(t, key)
	assert.True(t, bytes.Equal(content, got), "downloaded bytes differ from uploaded range")
}

func TestUploadByteRange(t *testing.T) {
	e := newTestEngine(t, 1<<20, codec.NewZstd())

	content := append(append([]byte("padding-"), payload(1024)...), []byte("-trailer")...)
	src := e.source(t, content)

	key := segKey(2)
	require.NoError(t, e.gw.Upload(context.Background(), src, 8, key, 1024))

	got := e.download(t, key)
	assert.True(t, bytes.Equal(payload(1024), got))
}

func TestRoundTripThroughRemote(t *testing.T) {
	// Capacity too small to cache anything: upload streams to remote,
	// download serves passthrough. Bytes must still round trip.
	e := newTestEngine(t, 10, codec.NewZstd())

	content := payload(8192)
	key := segKey(3)

	e.upload(t, key, content)
	require.True(t, e.store.Contains(key), "segment should have streamed to remote")
	require.Equal(t, types.LocationAbsent, e.gw.Location(key))

	got := e.download(t, key)
	assert.True(t, bytes.Equal(content, got))
	assert.True(t, e.store.Contains(key), "passthrough must leave the remote copy authoritative")
}

func TestUploadKeepsLocalWithoutRemoteWrite(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	e.upload(t, segKey(1), payload(400))

	stats := e.gw.Stats()
	assert.Equal(t, int64(400), stats.Size)
	assert.Equal(t, int64(1000), stats.Capacity)
	assert.Equal(t, 0, e.store.Len(), "a locally cached upload must not write to the remote store")
	assert.Equal(t, types.LocationLocal, e.gw.Location(segKey(1)))
}

func TestUploadStreamsRemoteWhenNoRoom(t *testing.T) {
	// Capacity 1000: A (400) stays local, B (700) does not fit and
	// streams straight to remote without evicting A.
	e := newTestEngine(t, 1000, copyCodec{})

	e.upload(t, segKey(1), payload(400))
	e.upload(t, segKey(2), payload(700))

	stats := e.gw.Stats()
	assert.Equal(t, int64(400), stats.Size, "local state must be unchanged by the streamed upload")
	assert.Equal(t, types.LocationLocal, e.gw.Location(segKey(1)))
	assert.Equal(t, types.LocationAbsent, e.gw.Location(segKey(2)))
	assert.True(t, e.store.Contains(segKey(2)))
	assert.False(t, e.store.Contains(segKey(1)))
}

func TestDownloadHitServesLocally(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})
	content := payload(300)
	e.upload(t, segKey(1), content)

	got := e.download(t, segKey(1))
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, 0, e.store.Len(), "a hit must not touch the remote store")

	stats := e.gw.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
}

func TestDownloadMissCachesAndDeletesRemoteCopy(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	content := payload(300)
	key := segKey(1)
	require.NoError(t, e.store.Put(context.Background(), key, 300, bytes.NewReader(content)))

	got := e.download(t, key)
	assert.True(t, bytes.Equal(content, got))

	assert.Equal(t, types.LocationLocal, e.gw.Location(key))
	assert.False(t, e.store.Contains(key), "remote copy must be deleted once local is authoritative")
	assert.Equal(t, int64(300), e.gw.Stats().Size)
}

func TestDownloadEvictsUnderReferencedFirst(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	// A and C cached with ref count 0, A touched first (older).
	e.upload(t, segKey(1), payload(400))
	time.Sleep(5 * time.Millisecond)
	e.upload(t, segKey(3), payload(400))

	// B remote, ref count 1: fetching it forces a 200-byte shortfall.
	contentB := payload(400)
	keyB := segKey(2)
	require.NoError(t, e.store.Put(context.Background(), keyB, 400, bytes.NewReader(contentB)))
	e.refs.set(keyB, 1)

	got := e.download(t, keyB)
	require.True(t, bytes.Equal(contentB, got))

	// Oldest under-referenced segment goes; the newer one survives.
	assert.Equal(t, types.LocationAbsent, e.gw.Location(segKey(1)))
	assert.True(t, e.store.Contains(segKey(1)), "victim must land in the remote store")
	assert.Equal(t, types.LocationLocal, e.gw.Location(segKey(3)))
	assert.Equal(t, types.LocationLocal, e.gw.Location(keyB))
	assert.False(t, e.store.Contains(keyB))

	stats := e.gw.Stats()
	assert.Equal(t, int64(800), stats.Size)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestDownloadInfeasibleFallsBackToPassthrough(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	// A cached with a higher ref count than the incoming segment:
	// nothing may be evicted on its behalf.
	e.upload(t, segKey(1), payload(600))
	e.refs.set(segKey(1), 5)

	contentB := payload(600)
	keyB := segKey(2)
	require.NoError(t, e.store.Put(context.Background(), keyB, 600, bytes.NewReader(contentB)))
	e.refs.set(keyB, 1)

	got := e.download(t, keyB)
	require.True(t, bytes.Equal(contentB, got))

	assert.Equal(t, types.LocationAbsent, e.gw.Location(keyB))
	assert.True(t, e.store.Contains(keyB), "passthrough leaves the remote copy in place")
	assert.Equal(t, types.LocationLocal, e.gw.Location(segKey(1)))

	stats := e.gw.Stats()
	assert.Equal(t, int64(600), stats.Size, "accounting must be restored after passthrough")
	assert.Equal(t, uint64(1), stats.Passthrough)
	assert.Equal(t, uint64(0), stats.Evictions)
}

func TestDownloadMissingEverywhere(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	target := filepath.Join(e.work, "out")
	err := e.gw.Download(context.Background(), target, segKey(9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, segerrors.NewError(segerrors.ErrCodeObjectNotFound, "")))
	assert.Equal(t, int64(0), e.gw.Stats().Size, "a failed fetch must not leave bytes billed")
}

func TestEvictionFailureLeavesStateIntact(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	e.upload(t, segKey(1), payload(600))

	keyB := segKey(2)
	require.NoError(t, e.store.Put(context.Background(), keyB, 600, bytes.NewReader(payload(600))))
	e.refs.set(keyB, 1)

	boom := errors.New("remote unavailable")
	e.store.PutErr = boom

	target := filepath.Join(e.work, "out")
	err := e.gw.Download(context.Background(), target, keyB)
	require.ErrorIs(t, err, boom)

	// A is still local and billed; B is still remote only.
	assert.Equal(t, types.LocationLocal, e.gw.Location(segKey(1)))
	assert.Equal(t, types.LocationAbsent, e.gw.Location(keyB))
	assert.Equal(t, int64(600), e.gw.Stats().Size)

	e.store.PutErr = nil
	assert.True(t, e.store.Contains(keyB))
}

func TestRemoveLocal(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})
	e.upload(t, segKey(1), payload(400))

	require.NoError(t, e.gw.Remove(context.Background(), segKey(1)))

	assert.Equal(t, types.LocationAbsent, e.gw.Location(segKey(1)))
	assert.Equal(t, int64(0), e.gw.Stats().Size)
	if _, err := os.Stat(filepath.Join(e.dir, segKey(1).String())); !os.IsNotExist(err) {
		t.Errorf("cache file still present after remove: %v", err)
	}
}

func TestRemoveRemote(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})
	key := segKey(1)
	require.NoError(t, e.store.Put(context.Background(), key, 4, bytes.NewReader([]byte("data"))))

	require.NoError(t, e.gw.Remove(context.Background(), key))
	assert.False(t, e.store.Contains(key))
}

func TestRemoveIdempotent(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})
	e.upload(t, segKey(1), payload(100))

	require.NoError(t, e.gw.Remove(context.Background(), segKey(1)))
	require.NoError(t, e.gw.Remove(context.Background(), segKey(1)))
	require.NoError(t, e.gw.Remove(context.Background(), segKey(7)))

	assert.Equal(t, int64(0), e.gw.Stats().Size)
}

func TestSpaceConservation(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})
	ctx := context.Background()

	// Expected Local set tracked alongside every operation.
	local := map[types.SegmentKey]int64{}
	check := func() {
		t.Helper()
		var sum int64
		for _, size := range local {
			sum += size
		}
		assert.Equal(t, sum, e.gw.Stats().Size, "remaining must equal capacity minus local bytes")
	}

	e.upload(t, segKey(1), payload(300))
	local[segKey(1)] = 300
	check()

	e.upload(t, segKey(2), payload(500))
	local[segKey(2)] = 500
	check()

	// Does not fit: streams remote, local unchanged.
	e.upload(t, segKey(3), payload(400))
	check()

	require.NoError(t, e.gw.Remove(ctx, segKey(1)))
	delete(local, segKey(1))
	check()

	// Now there is room: the remote segment is cached on download.
	_ = e.download(t, segKey(3))
	local[segKey(3)] = 400
	check()

	require.NoError(t, e.gw.Remove(ctx, segKey(2)))
	delete(local, segKey(2))
	check()
}

func TestLocalXorRemote(t *testing.T) {
	e := newTestEngine(t, 1000, copyCodec{})

	e.upload(t, segKey(1), payload(400)) // local
	e.upload(t, segKey(2), payload(700)) // remote
	require.NoError(t, e.store.Put(context.Background(), segKey(3), 200, bytes.NewReader(payload(200))))
	_ = e.download(t, segKey(3)) // fetched, cached, remote copy deleted

	for _, key := range []types.SegmentKey{segKey(1), segKey(2), segKey(3)} {
		localNow := e.gw.Location(key) == types.LocationLocal
		remoteNow := e.store.Contains(key)
		assert.False(t, localNow && remoteNow, "segment %s is both Local and Remote", key)
	}
}

func TestWarmCacheRestart(t *testing.T) {
	dir := t.TempDir()
	requireXattrs(t, dir)
	cacheDir := filepath.Join(dir, "cache")

	store := memory.NewStore()
	refs := newRefCounts()
	cfg := Config{
		Directory: cacheDir,
		Capacity:  1000,
		Store:     store,
		Codec:     copyCodec{},
		RefCounts: refs,
	}

	gw, err := New(cfg)
	require.NoError(t, err)

	content := payload(300)
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	require.NoError(t, gw.Upload(context.Background(), src, 0, segKey(1), 300))
	require.NoError(t, gw.Upload(context.Background(), src, 0, segKey(2), 300))

	// A new engine over the same directory rebuilds the index and
	// bills the warm bytes.
	gw2, err := New(cfg)
	require.NoError(t, err)

	stats := gw2.Stats()
	assert.Equal(t, 2, stats.Resident)
	assert.Equal(t, int64(600), stats.Size)

	target := filepath.Join(dir, "out")
	require.NoError(t, gw2.Download(context.Background(), target, segKey(1)))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, uint64(1), gw2.Stats().Hits)
}

func TestWarmScanSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	requireXattrs(t, dir)
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "not-a-segment.tmp"), []byte("x"), 0o644))

	gw, err := New(Config{
		Directory: cacheDir,
		Capacity:  1000,
		Store:     memory.NewStore(),
		Codec:     copyCodec{},
		RefCounts: newRefCounts(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, gw.Stats().Resident)
	assert.Equal(t, int64(0), gw.Stats().Size)
}

func TestConcurrentDownloadsFetchOnce(t *testing.T) {
	dir := t.TempDir()
	requireXattrs(t, dir)

	store := &countingStore{Store: memory.NewStore()}
	key := segKey(1)
	content := payload(300)
	require.NoError(t, store.Put(context.Background(), key, 300, bytes.NewReader(content)))

	gw, err := New(Config{
		Directory: filepath.Join(dir, "cache"),
		Capacity:  1000,
		Store:     store,
		Codec:     copyCodec{},
		RefCounts: newRefCounts(),
	})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := filepath.Join(dir, fmt.Sprintf("out-%d", i))
			errs[i] = gw.Download(context.Background(), target, key)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int64(1), store.gets.Load(),
		"concurrent downloads of the same missing key must coalesce into one fetch")
	assert.Equal(t, int64(300), gw.Stats().Size, "space must be billed exactly once")
}
