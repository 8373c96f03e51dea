package commit

import (
	"context"
	"errors"
	"fmt"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/conflict"
	"github.com/estuary/deltakeeper/hooks"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/metrics"
	"github.com/estuary/deltakeeper/snapshot"
	lru "github.com/hashicorp/golang-lru/v2"
)

// intervalCacheSize bounds the per-pipeline LRU of parsed intervening
// versions; a single retry loop rarely needs to look back further than a
// handful of racing writers.
const intervalCacheSize = 64

// PreparedCommit holds a staged commit payload ready to attempt
// installation, and owns the install retry loop.
type PreparedCommit struct {
	data        *action.CommitData
	ref         snapshot.TableReference
	store       logstore.Driver
	maxRetries  int
	hookOptions hooks.Options
	config      snapshot.Config
	opID        string
	payload     logstore.CommitOrBytes
}

// Finalize attempts to install the staged commit, retrying past losing
// races against concurrent writers up to maxRetries times. On the table
// creation path (ref == nil) it writes version 0 unconditionally and does
// not retry: a collision there means another writer already created the
// table, which is always terminal.
func (pc *PreparedCommit) Finalize(ctx context.Context) (*PostCommit, error) {
	if pc.ref == nil {
		return pc.finalizeCreation(ctx)
	}
	return pc.finalizeRetrying(ctx)
}

func (pc *PreparedCommit) finalizeCreation(ctx context.Context) (*PostCommit, error) {
	if err := pc.store.WriteCommitEntry(ctx, 0, pc.payload, pc.opID); err != nil {
		_ = pc.store.AbortCommitEntry(ctx, 0, pc.payload, pc.opID)
		return nil, fmt.Errorf("commit: creating table at version 0: %w", err)
	}
	return &PostCommit{
		data:         pc.data,
		store:        pc.store,
		hookOptions:  pc.hookOptions,
		config:       pc.config,
		opID:         pc.opID,
		version:      0,
		baseSnapshot: snapshot.NewEagerSnapshot(-1, action.Protocol{}, action.Metadata{}),
		numRetries:   0,
	}, nil
}

// finalizeRetrying implements the check-before-write retry loop: before
// every install attempt, ask the log store for the latest installed
// version and, if the table has moved past our read snapshot, run the
// conflict checker against each intervening version and catch the
// snapshot up before writing. A lost race at write time (another writer
// installed the version we just targeted) loops back to the top and
// re-checks conflicts against whatever moved in the meantime, rather than
// writing blind. With zero retry budget, a table that has already moved
// past our read snapshot fails immediately with MaxCommitAttemptsError
// without ever invoking the conflict checker — there is no budget to
// spend catching up, win or lose.
func (pc *PreparedCommit) finalizeRetrying(ctx context.Context) (*PostCommit, error) {
	snap := pc.ref.Snapshot().Clone()
	cache, err := lru.New[int64, []action.Action](intervalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("commit: allocating version cache: %w", err)
	}

	totalAttempts := pc.maxRetries + 1
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		latest, err := pc.store.GetLatestVersion(ctx, snap.Version())
		if err != nil {
			return nil, fmt.Errorf("commit: reading latest version: %w", err)
		}

		if latest > snap.Version() {
			if pc.maxRetries == 0 {
				return nil, &MaxCommitAttemptsError{MaxRetries: pc.maxRetries}
			}
			if err := pc.checkIntervening(ctx, snap, cache, snap.Version()+1, latest); err != nil {
				return nil, err
			}
			if err := snap.Update(ctx, pc.store, &latest); err != nil {
				return nil, fmt.Errorf("commit: advancing snapshot past intervening versions: %w", err)
			}
		}

		version := latest + 1
		writeErr := pc.store.WriteCommitEntry(ctx, version, pc.payload, pc.opID)
		if writeErr == nil {
			return &PostCommit{
				data:         pc.data,
				store:        pc.store,
				hookOptions:  pc.hookOptions,
				config:       pc.config,
				opID:         pc.opID,
				version:      version,
				baseSnapshot: snap,
				numRetries:   attempt - 1,
			}, nil
		}

		var raced logstore.ErrVersionAlreadyExists
		if !errors.As(writeErr, &raced) {
			_ = pc.store.AbortCommitEntry(ctx, version, pc.payload, pc.opID)
			return nil, fmt.Errorf("commit: installing version %d: %w", version, writeErr)
		}

		metrics.Retries.Inc()
	}

	return nil, &MaxCommitAttemptsError{MaxRetries: pc.maxRetries}
}

// checkIntervening runs the conflict checker against every version
// installed between nextVersion and latest inclusive, caching each
// version's parsed actions so a subsequent retry attempt doesn't re-parse
// a version it already vetted.
func (pc *PreparedCommit) checkIntervening(ctx context.Context, snap *snapshot.EagerSnapshot, cache *lru.Cache[int64, []action.Action], nextVersion, latest int64) error {
	txn := conflict.TransactionInfo{
		ReadSnapshotVersion: snap.Version(),
		ReadPredicate:       pc.data.Operation.ReadPredicate(),
		ReadWholeTable:      pc.data.Operation.ReadWholeTable(),
		ReadFiles:           snap.Files(),
		Actions:             pc.data.Actions,
	}

	for v := nextVersion; v <= latest; v++ {
		actions, ok := cache.Get(v)
		if !ok {
			raw, err := pc.store.ReadCommitEntry(ctx, v)
			if err != nil {
				return fmt.Errorf("commit: reading intervening version %d: %w", v, err)
			}
			actions, err = action.ParseBytes(raw)
			if err != nil {
				return fmt.Errorf("commit: parsing intervening version %d: %w", v, err)
			}
			cache.Add(v, actions)
		}

		var winnerOp action.Operation
		for _, a := range actions {
			if a.Kind == action.KindCommitInfo {
				winnerOp.Name = a.CommitInfo.Operation
				break
			}
		}
		winner := conflict.WinningCommitSummary{Version: v, Actions: actions, Operation: winnerOp}
		if err := conflict.Check(txn, winner, &pc.data.Operation); err != nil {
			var ce *conflict.Error
			if errors.As(err, &ce) {
				metrics.CommitConflicts.WithLabelValues(string(ce.Kind)).Inc()
			}
			return err
		}
	}
	return nil
}
