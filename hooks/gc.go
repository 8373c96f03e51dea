package hooks

import (
	"context"
	"fmt"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/logstore"
)

// RetentionCleaner deletes committed log entries older than a cutoff
// timestamp, read from each entry's own CommitInfo action (this module has
// no object-store-level file-age metadata to consult, since the log store
// driver contract doesn't expose object mtimes). It walks versions
// backward from the just-installed version, stopping at the first
// version it cannot read (already cleaned, or the start of the log).
type RetentionCleaner struct{}

func (RetentionCleaner) CleanupExpiredLogs(ctx context.Context, version int64, store logstore.Driver, cutoffMillis int64) (int, error) {
	cleaned := 0
	for v := version - 1; v >= 0; v-- {
		data, err := store.ReadCommitEntry(ctx, v)
		if err != nil {
			break
		}
		actions, err := action.ParseBytes(data)
		if err != nil {
			return cleaned, fmt.Errorf("gc: parsing version %d while checking retention: %w", v, err)
		}
		ts, ok := commitTimestamp(actions)
		if !ok || ts >= cutoffMillis {
			break
		}

		obj := store.ObjectStore(nil)
		if err := obj.Delete(ctx, logstore.LogPath(v)); err != nil {
			return cleaned, fmt.Errorf("gc: deleting version %d: %w", v, err)
		}
		_ = obj.Delete(ctx, checkpointPath(v))
		cleaned++
	}
	return cleaned, nil
}

func commitTimestamp(actions []action.Action) (int64, bool) {
	for _, a := range actions {
		if a.Kind == action.KindCommitInfo {
			return a.CommitInfo.Timestamp, true
		}
	}
	return 0, false
}
