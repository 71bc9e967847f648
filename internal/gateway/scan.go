package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/segcache/segcache/internal/tracker"
	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

// scanConcurrency bounds parallel stat/xattr reads during the warm
// cache scan.
const scanConcurrency = 8

// scanCacheDir rebuilds the segment index from files already present
// in the cache directory and returns the total bytes they occupy.
//
// Files whose names do not parse as segment keys are skipped: they are
// not billable segments and not safe to delete on someone else's
// behalf. A segment file without a readable timestamp is a leftover
// from an operation that failed mid-flight; its content-addressed name
// still identifies it, so it is stamped fresh and adopted rather than
// discarded.
func scanCacheDir(dir string, track *tracker.Tracker, logger *slog.Logger) (map[types.SegmentKey]entry, int64, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, segerrors.NewError(segerrors.ErrCodeStorageRead,
			fmt.Sprintf("scanning cache directory %s: %v", dir, err)).
			WithComponent("gateway").WithCause(err)
	}

	var (
		mu    sync.Mutex
		index = make(map[types.SegmentKey]entry)
		used  int64
	)

	var group errgroup.Group
	group.SetLimit(scanConcurrency)

	for _, dirent := range dirents {
		if dirent.IsDir() {
			continue
		}

		name := dirent.Name()
		key, err := types.ParseSegmentKey(name)
		if err != nil {
			logger.Warn("skipping foreign file in cache directory", "name", name)
			continue
		}

		group.Go(func() error {
			path := filepath.Join(dir, name)

			stat, err := os.Stat(path)
			if err != nil {
				return segerrors.NewError(segerrors.ErrCodeStorageStat,
					fmt.Sprintf("measuring warm segment %s: %v", key, err)).
					WithComponent("gateway").WithCause(err)
			}

			ts, err := track.Read(path)
			if err != nil {
				ts, err = track.Touch(path)
				if err != nil {
					return err
				}
				logger.Warn("adopted unstamped warm segment", "key", key, "size", stat.Size())
			}

			mu.Lock()
			index[key] = entry{size: stat.Size(), lastTouched: ts}
			used += stat.Size()
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, 0, err
	}

	return index, used, nil
}
