// Package hooks implements post-commit housekeeping (checkpointing, log
// GC) and an injectable CustomExecuteHandler extension point around it.
package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/snapshot"
	log "github.com/sirupsen/logrus"
)

// CustomExecuteHandler is the optional, caller-injected interface invoked
// immediately before and after post-commit hooks run. The zero value
// (NoopHandler) satisfies it with no side effects, so callers that don't
// need the extension point can ignore it entirely.
type CustomExecuteHandler interface {
	BeforePostCommitHook(ctx context.Context, store logstore.Driver, willRunSideEffects bool, opID string) error
	AfterPostCommitHook(ctx context.Context, store logstore.Driver, willRunSideEffects bool, opID string) error
}

// NoopHandler is the default CustomExecuteHandler: it does nothing.
type NoopHandler struct{}

func (NoopHandler) BeforePostCommitHook(context.Context, logstore.Driver, bool, string) error { return nil }
func (NoopHandler) AfterPostCommitHook(context.Context, logstore.Driver, bool, string) error  { return nil }

// CheckpointCreator creates a compacted log checkpoint at version.
type CheckpointCreator interface {
	CreateCheckpoint(ctx context.Context, version int64, state *snapshot.EagerSnapshot, store logstore.Driver, opID string) error
}

// ExpiredLogCleaner deletes log entries older than cutoffMillis and
// returns the number removed.
type ExpiredLogCleaner interface {
	CleanupExpiredLogs(ctx context.Context, version int64, store logstore.Driver, cutoffMillis int64) (int, error)
}

// Options bundles the per-run hook configuration threaded from the
// Builder's post-commit-hook options.
type Options struct {
	// CleanupExpiredLogs overrides the table's enableExpiredLogCleanup
	// config when non-nil.
	CleanupExpiredLogs *bool
	CreateCheckpoint   bool
	Handler            CustomExecuteHandler
	Checkpointer       CheckpointCreator
	Cleaner            ExpiredLogCleaner
}

// Result reports what the post-commit hooks actually did, folded into the
// pipeline's returned Metrics.
type Result struct {
	NewCheckpointCreated bool
	NumLogFilesCleanedUp int
}

// Run executes the post-commit hook sequence: decide whether to clean up
// logs and/or checkpoint, invoke the custom handler's before/after
// callbacks around the side effects, and run the checkpoint and GC hooks
// in that order.
func Run(
	ctx context.Context,
	opts Options,
	version int64,
	cfg snapshot.Config,
	state *snapshot.EagerSnapshot,
	store logstore.Driver,
	opID string,
	nowMillis int64,
) (Result, error) {
	handler := opts.Handler
	if handler == nil {
		handler = NoopHandler{}
	}

	cleanupLogs := cfg.EnableExpiredLogCleanup
	if opts.CleanupExpiredLogs != nil {
		cleanupLogs = *opts.CleanupExpiredLogs
	}
	createCheckpoint := opts.CreateCheckpoint && (version+1)%int64(max(cfg.CheckpointInterval, 1)) == 0 && cfg.RequireFiles

	willRunSideEffects := cleanupLogs || createCheckpoint

	if err := handler.BeforePostCommitHook(ctx, store, willRunSideEffects, opID); err != nil {
		return Result{}, fmt.Errorf("hooks: before post-commit hook: %w", err)
	}

	var result Result

	if createCheckpoint {
		if opts.Checkpointer == nil {
			return result, fmt.Errorf("hooks: checkpoint required but no CheckpointCreator configured")
		}
		if err := opts.Checkpointer.CreateCheckpoint(ctx, version, state, store, opID); err != nil {
			return result, fmt.Errorf("hooks: creating checkpoint at version %d: %w", version, err)
		}
		result.NewCheckpointCreated = true
		log.WithFields(log.Fields{"version": version, "opID": opID}).Info("created checkpoint")
	}

	if cleanupLogs {
		if opts.Cleaner == nil {
			return result, fmt.Errorf("hooks: log cleanup requested but no ExpiredLogCleaner configured")
		}
		cutoff := nowMillis - cfg.LogRetentionMillis
		cleaned, err := opts.Cleaner.CleanupExpiredLogs(ctx, version, store, cutoff)
		if err != nil {
			return result, fmt.Errorf("hooks: cleaning up expired logs at version %d: %w", version, err)
		}
		result.NumLogFilesCleanedUp = cleaned
		if cleaned > 0 {
			// state is already at version here, so this Update reads no
			// log entries: the in-memory snapshot is kept as it is and is
			// not re-read from storage.
			if err := state.Update(ctx, store, &version); err != nil {
				return result, fmt.Errorf("hooks: re-materializing state after log cleanup: %w", err)
			}
		}
		log.WithFields(log.Fields{"version": version, "cleaned": cleaned}).Info("cleaned up expired logs")
	}

	if err := handler.AfterPostCommitHook(ctx, store, willRunSideEffects, opID); err != nil {
		return result, fmt.Errorf("hooks: after post-commit hook: %w", err)
	}

	return result, nil
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// timeNowMillis is overridable for tests.
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// NowMillis returns the current wall-clock time in Unix milliseconds.
func NowMillis() int64 { return timeNowMillis() }
