package conflict

import (
	"testing"

	"github.com/estuary/deltakeeper/action"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestCheck_ConcurrentAppend_CompatiblePredicate(t *testing.T) {
	// A reads p>10, B writes Add(p=5). No intersection -> pass.
	txn := TransactionInfo{
		ReadPredicate: &action.Predicate{Column: "p", Min: strp("10")},
		Actions:       []action.Action{action.AddAction(action.AddFile{Path: "a-new", PartitionValues: map[string]string{"p": "999"}})},
	}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.AddAction(action.AddFile{Path: "b1", PartitionValues: map[string]string{"p": "5"}})},
	}
	err := Check(txn, winner, &action.Operation{Name: action.OpWrite})
	require.NoError(t, err)
}

func TestCheck_ConcurrentAppend_IncompatiblePredicate(t *testing.T) {
	// A reads p>10, B writes Add(p=20). Intersects -> conflict.
	txn := TransactionInfo{
		ReadPredicate: &action.Predicate{Column: "p", Min: strp("10")},
	}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.AddAction(action.AddFile{Path: "b1", PartitionValues: map[string]string{"p": "20"}})},
	}
	err := Check(txn, winner, &action.Operation{Name: action.OpWrite})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindConcurrentAppend, ce.Kind)
}

func TestCheck_MetadataChanged(t *testing.T) {
	// B commits a Metadata change while A proposes data.
	txn := TransactionInfo{Actions: []action.Action{action.AddAction(action.AddFile{Path: "f"})}}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.MetadataAction(action.Metadata{ID: "m2"})},
	}
	err := Check(txn, winner, &action.Operation{Name: action.OpWrite})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindMetadataChanged, ce.Kind)
}

func TestCheck_ProtocolChanged_ExemptsOwnUpgrade(t *testing.T) {
	txn := TransactionInfo{}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.ProtocolAction(action.Protocol{MinWriterVersion: 7})},
	}

	err := Check(txn, winner, &action.Operation{Name: action.OpWrite})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindProtocolChanged, ce.Kind)

	err = Check(txn, winner, &action.Operation{Name: action.OpWrite, IsProtocolUpgrade: true})
	require.NoError(t, err)
}

func TestCheck_ConcurrentDeleteRead(t *testing.T) {
	// A reads p>10 against a snapshot containing f1 (p=20). B removes f1.
	txn := TransactionInfo{
		ReadPredicate: &action.Predicate{Column: "p", Min: strp("10")},
		ReadFiles: map[string]action.AddFile{
			"f1": {Path: "f1", PartitionValues: map[string]string{"p": "20"}},
		},
	}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.RemoveAction(action.RemoveFile{Path: "f1", DataChange: true})},
	}
	err := Check(txn, winner, &action.Operation{Name: action.OpWrite})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindConcurrentDeleteRead, ce.Kind)
}

func TestCheck_ConcurrentDeleteRead_OutsidePredicateIsNotAConflict(t *testing.T) {
	// A reads p>10 against a snapshot containing f2 (p=1), outside the
	// predicate. B removes f2: not a file A's read depended on.
	txn := TransactionInfo{
		ReadPredicate: &action.Predicate{Column: "p", Min: strp("10")},
		ReadFiles: map[string]action.AddFile{
			"f2": {Path: "f2", PartitionValues: map[string]string{"p": "1"}},
		},
	}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.RemoveAction(action.RemoveFile{Path: "f2", DataChange: true})},
	}
	require.NoError(t, Check(txn, winner, &action.Operation{Name: action.OpWrite}))
}

func TestCheck_ConcurrentDeleteRead_WholeTableRead(t *testing.T) {
	// A read the whole table (no predicate narrowing); any Remove of a
	// file present in that read is a conflict.
	txn := TransactionInfo{
		ReadWholeTable: true,
		ReadFiles: map[string]action.AddFile{
			"f3": {Path: "f3"},
		},
	}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.RemoveAction(action.RemoveFile{Path: "f3", DataChange: true})},
	}
	err := Check(txn, winner, &action.Operation{Name: action.OpWrite})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindConcurrentDeleteRead, ce.Kind)
}

func TestCheck_ConcurrentDeleteDelete(t *testing.T) {
	txn := TransactionInfo{Actions: []action.Action{action.RemoveAction(action.RemoveFile{Path: "f1", DataChange: true})}}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.RemoveAction(action.RemoveFile{Path: "f1", DataChange: true})},
	}
	err := Check(txn, winner, nil)
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindConcurrentDeleteDelete, ce.Kind)
}

func TestCheck_ConcurrentTransaction(t *testing.T) {
	txn := TransactionInfo{Actions: []action.Action{action.TxnAction(action.Txn{AppID: "app-1", Version: 2})}}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.TxnAction(action.Txn{AppID: "app-1", Version: 1})},
	}
	err := Check(txn, winner, nil)
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindConcurrentTransaction, ce.Kind)
}

func TestCheck_NoConflictWhenWinnerDisjoint(t *testing.T) {
	txn := TransactionInfo{Actions: []action.Action{action.AddAction(action.AddFile{Path: "new"})}}
	winner := WinningCommitSummary{
		Version: 1,
		Actions: []action.Action{action.AddAction(action.AddFile{Path: "unrelated"})},
	}
	require.NoError(t, Check(txn, winner, &action.Operation{Name: action.OpWrite}))
}
