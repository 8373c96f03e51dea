package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/snapshot"
)

// FileCheckpointer writes a checkpoint as a single compacted JSON file
// listing the live Add actions plus the committed Protocol/Metadata, at
// "_delta_log/NNNNNNNNNNNNNNNNNNNN.checkpoint.json". Delta checkpoints
// are conventionally Parquet; this module has no Parquet encoder
// available, so it keeps the file JSON while preserving the
// checkpoint's purpose: bounding replay cost.
type FileCheckpointer struct{}

type checkpointDoc struct {
	Version  int64             `json:"version"`
	Protocol action.Protocol   `json:"protocol"`
	Metadata action.Metadata   `json:"metaData"`
	Files    []action.AddFile  `json:"files"`
}

func checkpointPath(version int64) string {
	return fmt.Sprintf("_delta_log/%020d.checkpoint.json", version)
}

// LastCheckpointPath is the well-known pointer file readers consult to
// find the most recent checkpoint without listing the log directory.
const LastCheckpointPath = "_delta_log/_last_checkpoint"

func (FileCheckpointer) CreateCheckpoint(ctx context.Context, version int64, state *snapshot.EagerSnapshot, store logstore.Driver, opID string) error {
	files := state.Files()
	doc := checkpointDoc{
		Version:  version,
		Protocol: state.Protocol(),
		Metadata: state.Metadata(),
		Files:    make([]action.AddFile, 0, len(files)),
	}
	for _, f := range files {
		doc.Files = append(doc.Files, f)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling: %w", err)
	}

	obj := store.ObjectStore(&opID)
	if err := obj.Put(ctx, checkpointPath(version), data, false); err != nil {
		return fmt.Errorf("checkpoint: writing checkpoint file: %w", err)
	}

	pointer, err := json.Marshal(map[string]int64{"version": version})
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling pointer: %w", err)
	}
	if err := obj.Put(ctx, LastCheckpointPath, pointer, false); err != nil {
		return fmt.Errorf("checkpoint: writing last-checkpoint pointer: %w", err)
	}
	return nil
}
