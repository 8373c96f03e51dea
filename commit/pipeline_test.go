package commit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/conflict"
	"github.com/estuary/deltakeeper/logstore/local"
	"github.com/estuary/deltakeeper/logstore/mem"
	"github.com/estuary/deltakeeper/snapshot"
	"github.com/stretchr/testify/require"
)

func newTestRef(version int64) (*snapshot.EagerSnapshot, snapshot.TableReference) {
	snap := snapshot.NewEagerSnapshot(version, action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}, action.Metadata{ID: "t1"})
	ref := snapshot.NewTableReference(snapshot.Config{}, snap)
	return snap, ref
}

func strp(s string) *string { return &s }

// first write, creating the table at version 0.
func TestPipeline_FirstWrite(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	b := NewBuilder()
	b.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1", SchemaString: "{}"}),
		action.AddAction(action.AddFile{Path: "f0", DataChange: true}),
	}
	b.Operation = action.Operation{Name: action.OpCreate}

	out, err := b.Execute(ctx, nil, store)
	require.NoError(t, err)
	require.Equal(t, int64(0), out.Version)
	require.Equal(t, 0, out.Metrics.NumRetries)
	require.Contains(t, out.Snapshot.Files(), "f0")
}

// linear append, no racing writer.
func TestPipeline_LinearAppend(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	create := NewBuilder()
	create.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}
	create.Operation = action.Operation{Name: action.OpCreate}
	first, err := create.Execute(ctx, nil, store)
	require.NoError(t, err)

	ref := snapshot.NewTableReference(snapshot.Config{}, first.Snapshot)

	b := NewBuilder()
	b.Actions = []action.Action{action.AddAction(action.AddFile{Path: "f1", DataChange: true})}
	b.Operation = action.Operation{Name: action.OpWrite}
	out, err := b.Execute(ctx, ref, store)
	require.NoError(t, err)
	require.Equal(t, int64(1), out.Version)
	require.Equal(t, 0, out.Metrics.NumRetries)
}

// concurrent append with a disjoint partition predicate catches up past
// the winner's version before writing, and succeeds on the first real
// write attempt since the winner's Add doesn't intersect ours.
func TestPipeline_ConcurrentAppend_Compatible(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	create := NewBuilder()
	create.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}
	create.Operation = action.Operation{Name: action.OpCreate}
	first, err := create.Execute(ctx, nil, store)
	require.NoError(t, err)
	ref := snapshot.NewTableReference(snapshot.Config{}, first.Snapshot)

	// A racing writer installs version 1 with a partition-disjoint add
	// before our pipeline writes.
	racer := NewBuilder()
	racer.Actions = []action.Action{action.AddAction(action.AddFile{Path: "racer", DataChange: true, PartitionValues: map[string]string{"p": "2026-01-01"}})}
	racer.Operation = action.Operation{Name: action.OpWrite}
	_, err = racer.Execute(ctx, ref, store)
	require.NoError(t, err)

	b := NewBuilder()
	b.Actions = []action.Action{action.AddAction(action.AddFile{Path: "ours", DataChange: true, PartitionValues: map[string]string{"p": "2026-02-01"}})}
	b.Operation = action.Operation{Name: action.OpWrite, Predicate: &action.Predicate{Column: "p", Eq: strp("2026-02-01")}}
	out, err := b.Execute(ctx, ref, store)
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Version)
	require.Equal(t, 0, out.Metrics.NumRetries)
	require.Contains(t, out.Snapshot.Files(), "racer")
	require.Contains(t, out.Snapshot.Files(), "ours")
}

// a read snapshot stale by two versions before the pipeline even starts
// catches up past both in a single GetLatestVersion call and writes once,
// on the first real attempt.
func TestPipeline_ConcurrentAppend_CatchesUpMultipleVersionsInOneWrite(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	create := NewBuilder()
	create.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}
	create.Operation = action.Operation{Name: action.OpCreate}
	first, err := create.Execute(ctx, nil, store)
	require.NoError(t, err)
	ref := snapshot.NewTableReference(snapshot.Config{}, first.Snapshot)

	// Two disjoint racers install versions 1 and 2 before our stale ref is
	// ever used.
	racer1 := NewBuilder()
	racer1.Actions = []action.Action{action.AddAction(action.AddFile{Path: "racer1", DataChange: true, PartitionValues: map[string]string{"p": "2026-01-01"}})}
	racer1.Operation = action.Operation{Name: action.OpWrite}
	_, err = racer1.Execute(ctx, ref, store)
	require.NoError(t, err)

	racer2 := NewBuilder()
	racer2.Actions = []action.Action{action.AddAction(action.AddFile{Path: "racer2", DataChange: true, PartitionValues: map[string]string{"p": "2026-01-02"}})}
	racer2.Operation = action.Operation{Name: action.OpWrite}
	_, err = racer2.Execute(ctx, ref, store)
	require.NoError(t, err)

	b := NewBuilder()
	b.Actions = []action.Action{action.AddAction(action.AddFile{Path: "ours", DataChange: true, PartitionValues: map[string]string{"p": "2026-02-01"}})}
	b.Operation = action.Operation{Name: action.OpWrite, Predicate: &action.Predicate{Column: "p", Eq: strp("2026-02-01")}}
	out, err := b.Execute(ctx, ref, store)
	require.NoError(t, err)

	require.Equal(t, int64(3), out.Version)
	require.Equal(t, 0, out.Metrics.NumRetries)
	require.Contains(t, out.Snapshot.Files(), "racer1")
	require.Contains(t, out.Snapshot.Files(), "racer2")
	require.Contains(t, out.Snapshot.Files(), "ours")
}

// concurrent append with an intersecting partition predicate
// is a terminal conflict, never retried.
func TestPipeline_ConcurrentAppend_Incompatible(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	create := NewBuilder()
	create.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}
	create.Operation = action.Operation{Name: action.OpCreate}
	first, err := create.Execute(ctx, nil, store)
	require.NoError(t, err)
	ref := snapshot.NewTableReference(snapshot.Config{}, first.Snapshot)

	racer := NewBuilder()
	racer.Actions = []action.Action{action.AddAction(action.AddFile{Path: "racer", DataChange: true, PartitionValues: map[string]string{"p": "2026-02-01"}})}
	racer.Operation = action.Operation{Name: action.OpWrite}
	_, err = racer.Execute(ctx, ref, store)
	require.NoError(t, err)

	b := NewBuilder()
	b.Actions = []action.Action{action.AddAction(action.AddFile{Path: "ours", DataChange: true, PartitionValues: map[string]string{"p": "2026-02-01"}})}
	b.Operation = action.Operation{Name: action.OpWrite, Predicate: &action.Predicate{Column: "p", Eq: strp("2026-02-01")}}
	_, err = b.Execute(ctx, ref, store)
	require.Error(t, err)

	var ce *conflict.Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, conflict.KindConcurrentAppend, ce.Kind)
}

// a racing schema (metadata) change always conflicts, even
// against a whole-table read.
func TestPipeline_MetadataChangeRace(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	create := NewBuilder()
	create.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}
	create.Operation = action.Operation{Name: action.OpCreate}
	first, err := create.Execute(ctx, nil, store)
	require.NoError(t, err)
	ref := snapshot.NewTableReference(snapshot.Config{}, first.Snapshot)

	racer := NewBuilder()
	racer.Actions = []action.Action{action.MetadataAction(action.Metadata{ID: "t1", SchemaString: "{\"new\":true}"})}
	racer.Operation = action.Operation{Name: action.OpUpdate}
	_, err = racer.Execute(ctx, ref, store)
	require.NoError(t, err)

	b := NewBuilder()
	b.Actions = []action.Action{action.AddAction(action.AddFile{Path: "ours", DataChange: true})}
	b.Operation = action.Operation{Name: action.OpWrite, WholeTable: true}
	_, err = b.Execute(ctx, ref, store)
	require.Error(t, err)

	var ce *conflict.Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, conflict.KindMetadataChanged, ce.Kind)
}

// with retries disabled, a single lost race is terminal.
func TestPipeline_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	create := NewBuilder()
	create.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}
	create.Operation = action.Operation{Name: action.OpCreate}
	first, err := create.Execute(ctx, nil, store)
	require.NoError(t, err)
	ref := snapshot.NewTableReference(snapshot.Config{}, first.Snapshot)

	racer := NewBuilder()
	racer.Actions = []action.Action{action.AddAction(action.AddFile{Path: "racer", DataChange: true, PartitionValues: map[string]string{"p": "a"}})}
	racer.Operation = action.Operation{Name: action.OpWrite}
	_, err = racer.Execute(ctx, ref, store)
	require.NoError(t, err)

	zero := 0
	b := NewBuilder()
	b.MaxRetries = &zero
	b.Actions = []action.Action{action.AddAction(action.AddFile{Path: "ours", DataChange: true, PartitionValues: map[string]string{"p": "b"}})}
	b.Operation = action.Operation{Name: action.OpWrite, Predicate: &action.Predicate{Column: "p", Eq: strp("b")}}
	_, err = b.Execute(ctx, ref, store)
	require.Error(t, err)

	var maxErr *MaxCommitAttemptsError
	require.True(t, errors.As(err, &maxErr))
	require.Equal(t, 0, maxErr.MaxRetries)
}

// a staging abort on a rename-based driver leaves no orphaned
// temp file behind when the table-creation install itself fails (table
// already created by a racing writer).
func TestPipeline_CreationRaceAbortsStagedFile(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	first := NewBuilder()
	first.Actions = []action.Action{action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2})}
	first.Operation = action.Operation{Name: action.OpCreate}
	_, err = first.Execute(ctx, nil, store)
	require.NoError(t, err)

	second := NewBuilder()
	second.Actions = []action.Action{action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2})}
	second.Operation = action.Operation{Name: action.OpCreate}
	_, err = second.Execute(ctx, nil, store)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(store.Root(), "_delta_log"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}
