package snapshot

import (
	"context"
	"testing"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/logstore/mem"
	"github.com/stretchr/testify/require"
)

func TestEagerSnapshot_AdvanceAppliesActionsAndBumpsVersion(t *testing.T) {
	snap := NewEagerSnapshot(-1, action.Protocol{}, action.Metadata{})
	cd := &action.CommitData{Actions: []action.Action{
		action.AddAction(action.AddFile{Path: "f1", DataChange: true}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
	}}
	snap.Advance([]*action.CommitData{cd}, 0)

	require.Equal(t, int64(0), snap.Version())
	require.Contains(t, snap.Files(), "f1")
	require.Equal(t, "t1", snap.Metadata().ID)
}

func TestEagerSnapshot_CloneIsIndependent(t *testing.T) {
	snap := NewEagerSnapshot(-1, action.Protocol{}, action.Metadata{})
	snap.Advance([]*action.CommitData{{Actions: []action.Action{
		action.AddAction(action.AddFile{Path: "f1", DataChange: true}),
	}}}, 0)

	clone := snap.Clone()
	clone.Advance([]*action.CommitData{{Actions: []action.Action{
		action.AddAction(action.AddFile{Path: "f2", DataChange: true}),
	}}}, 1)

	require.Contains(t, clone.Files(), "f2")
	require.NotContains(t, snap.Files(), "f2")
	require.Equal(t, int64(0), snap.Version())
	require.Equal(t, int64(1), clone.Version())
}

func TestEagerSnapshot_UpdateReplaysFromLog(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	v0 := []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		action.MetadataAction(action.Metadata{ID: "t1"}),
		action.AddAction(action.AddFile{Path: "f0", DataChange: true}),
	}
	cd0, err := action.NewCommitData(v0, action.Operation{Name: action.OpCreate}, nil, nil)
	require.NoError(t, err)
	b0, err := cd0.GetBytes()
	require.NoError(t, err)
	require.NoError(t, store.WriteCommitEntry(ctx, 0, logstore.LogBytes(b0), ""))

	v1 := []action.Action{action.AddAction(action.AddFile{Path: "f1", DataChange: true})}
	cd1, err := action.NewCommitData(v1, action.Operation{Name: action.OpWrite}, nil, nil)
	require.NoError(t, err)
	b1, err := cd1.GetBytes()
	require.NoError(t, err)
	require.NoError(t, store.WriteCommitEntry(ctx, 1, logstore.LogBytes(b1), ""))

	snap := NewEagerSnapshot(-1, action.Protocol{}, action.Metadata{})
	require.NoError(t, snap.Update(ctx, store, nil))

	require.Equal(t, int64(1), snap.Version())
	require.Contains(t, snap.Files(), "f0")
	require.Contains(t, snap.Files(), "f1")
	require.Equal(t, "t1", snap.Metadata().ID)
}

func TestEagerSnapshot_TxnVersion(t *testing.T) {
	snap := NewEagerSnapshot(-1, action.Protocol{}, action.Metadata{})
	snap.Advance([]*action.CommitData{{Actions: []action.Action{
		action.TxnAction(action.Txn{AppID: "app-1", Version: 5}),
	}}}, 0)

	v, ok := snap.TxnVersion("app-1")
	require.True(t, ok)
	require.Equal(t, int64(5), v)

	_, ok = snap.TxnVersion("app-2")
	require.False(t, ok)
}
