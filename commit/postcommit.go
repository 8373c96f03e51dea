package commit

import (
	"context"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/hooks"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/metrics"
	"github.com/estuary/deltakeeper/snapshot"
)

// PostCommit holds a just-installed version, ready to run checkpoint and
// log-cleanup hooks before handing the caller a finalized snapshot.
type PostCommit struct {
	data         *action.CommitData
	store        logstore.Driver
	hookOptions  hooks.Options
	config       snapshot.Config
	opID         string
	version      int64
	baseSnapshot *snapshot.EagerSnapshot
	numRetries   int
}

// FinalizedCommit is the terminal result of a commit pipeline run: the
// installed version, the resulting table snapshot, and the pipeline's
// authoritative metrics.
type FinalizedCommit struct {
	Snapshot *snapshot.EagerSnapshot
	Version  int64
	Metrics  metrics.Metrics
}

// Run fast-forwards the snapshot with our own just-installed actions, then
// runs the post-commit hook sequence (checkpointing, expired-log cleanup)
// against it.
func (pc *PostCommit) Run(ctx context.Context) (*FinalizedCommit, error) {
	working := pc.baseSnapshot.Clone()
	working.Advance([]*action.CommitData{pc.data}, pc.version)

	result, err := hooks.Run(ctx, pc.hookOptions, pc.version, pc.config, working, pc.store, pc.opID, hooks.NowMillis())
	if err != nil {
		return nil, err
	}

	if result.NewCheckpointCreated {
		metrics.CheckpointsCreated.Inc()
	}
	if result.NumLogFilesCleanedUp > 0 {
		metrics.LogFilesCleaned.Add(float64(result.NumLogFilesCleanedUp))
	}

	return &FinalizedCommit{
		Snapshot: working,
		Version:  pc.version,
		Metrics: metrics.Metrics{
			NumRetries:           pc.numRetries,
			NewCheckpointCreated: result.NewCheckpointCreated,
			NumLogFilesCleanedUp: result.NumLogFilesCleanedUp,
		},
	}, nil
}
