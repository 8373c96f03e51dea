package protocolgate

import (
	"testing"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/snapshot"
	"github.com/stretchr/testify/require"
)

func ref(cfg snapshot.Config, proto action.Protocol) snapshot.TableReference {
	snap := snapshot.NewEagerSnapshot(0, proto, action.Metadata{})
	return snapshot.NewTableReference(cfg, snap)
}

func TestCanCommit_AppendOnlyRejectsDataChangingRemove(t *testing.T) {
	r := ref(snapshot.Config{AppendOnly: true}, action.Protocol{})
	err := CanCommit(r, []action.Action{
		action.RemoveAction(action.RemoveFile{Path: "f1", DataChange: true}),
	}, action.Operation{Name: action.OpDelete})
	require.ErrorIs(t, err, ErrAppendOnly{})
}

func TestCanCommit_AppendOnlyAllowsNonDataChangingRemove(t *testing.T) {
	r := ref(snapshot.Config{AppendOnly: true}, action.Protocol{})
	err := CanCommit(r, []action.Action{
		action.RemoveAction(action.RemoveFile{Path: "f1", DataChange: false}),
	}, action.Operation{Name: action.OpOptimize})
	require.NoError(t, err)
}

func TestCanCommit_RejectsUnsupportedCommittedProtocol(t *testing.T) {
	r := ref(snapshot.Config{}, action.Protocol{MinReaderVersion: 3, ReaderFeatures: []string{"exoticFeature"}})
	err := CanCommit(r, nil, action.Operation{Name: action.OpWrite})
	require.Error(t, err)
	var uf *ErrUnsupportedFeatures
	require.ErrorAs(t, err, &uf)
	require.False(t, uf.Writer)
}

func TestCanCommit_RejectsUnsupportedProposedProtocolUpgrade(t *testing.T) {
	r := ref(snapshot.Config{}, action.Protocol{})
	err := CanCommit(r, []action.Action{
		action.ProtocolAction(action.Protocol{MinWriterVersion: 7}),
	}, action.Operation{Name: action.OpWrite, IsProtocolUpgrade: true})
	require.Error(t, err)
	var uf *ErrUnsupportedFeatures
	require.ErrorAs(t, err, &uf)
	require.True(t, uf.Writer)
}

func TestCanCommit_AllowsOrdinaryWrite(t *testing.T) {
	r := ref(snapshot.Config{}, action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2})
	err := CanCommit(r, []action.Action{
		action.AddAction(action.AddFile{Path: "f1", DataChange: true}),
	}, action.Operation{Name: action.OpWrite})
	require.NoError(t, err)
}
