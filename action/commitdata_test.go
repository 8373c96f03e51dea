package action

import (
	"encoding/json"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestNewCommitData_SynthesizesCommitInfoAndTxns(t *testing.T) {
	restore := NowMillis
	NowMillis = func() int64 { return 1700000000000 }
	defer func() { NowMillis = restore }()

	appMeta := map[string]json.RawMessage{"jobId": json.RawMessage(`"abc"`)}
	cd, err := NewCommitData(
		[]Action{AddAction(AddFile{Path: "f1", DataChange: true})},
		Operation{Name: OpWrite},
		appMeta,
		[]Txn{{AppID: "app-1", Version: 5}},
	)
	require.NoError(t, err)

	var infoCount, txnCount int
	for _, a := range cd.Actions {
		switch a.Kind {
		case KindCommitInfo:
			infoCount++
			require.Equal(t, int64(1700000000000), a.CommitInfo.Timestamp)
			require.Equal(t, OpWrite, a.CommitInfo.Operation)
			require.Contains(t, string(a.CommitInfo.UserMetadata["clientVersion"]), ClientVersion)
			require.Contains(t, string(a.CommitInfo.UserMetadata["jobId"]), "abc")
		case KindTxn:
			txnCount++
			require.Equal(t, "app-1", a.Txn.AppID)
		}
	}
	require.Equal(t, 1, infoCount)
	require.Equal(t, 1, txnCount)
}

func TestNewCommitData_DoesNotDuplicateExistingCommitInfoOrTxn(t *testing.T) {
	cd, err := NewCommitData(
		[]Action{
			CommitInfoAction(CommitInfo{Operation: "WRITE"}),
			TxnAction(Txn{AppID: "app-1", Version: 1}),
		},
		Operation{Name: OpWrite},
		nil,
		[]Txn{{AppID: "app-1", Version: 1}},
	)
	require.NoError(t, err)

	var infoCount, txnCount int
	for _, a := range cd.Actions {
		switch a.Kind {
		case KindCommitInfo:
			infoCount++
		case KindTxn:
			txnCount++
		}
	}
	require.Equal(t, 1, infoCount)
	require.Equal(t, 1, txnCount)
}

func TestGetBytesParseBytesRoundTrip(t *testing.T) {
	cd, err := NewCommitData(
		[]Action{
			AddAction(AddFile{Path: "f1", DataChange: true, PartitionValues: map[string]string{"p": "1"}}),
			RemoveAction(RemoveFile{Path: "f0", DataChange: true}),
			ProtocolAction(Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		},
		Operation{Name: OpWrite},
		nil,
		nil,
	)
	require.NoError(t, err)

	data, err := cd.GetBytes()
	require.NoError(t, err)
	require.NotContains(t, string(data), "\n\n")

	parsed, err := ParseBytes(data)
	require.NoError(t, err)
	require.Equal(t, cd.Actions, parsed)
}

func TestProtocolValidate(t *testing.T) {
	supportedReader := map[string]bool{"deletionVectors": true}
	supportedWriter := map[string]bool{"deletionVectors": true, "invariants": true}

	require.NoError(t, Protocol{MinReaderVersion: 1, MinWriterVersion: 2}.Validate(supportedReader, supportedWriter))

	err := Protocol{MinReaderVersion: 3}.Validate(supportedReader, supportedWriter)
	require.Error(t, err)

	err = Protocol{MinWriterVersion: 7}.Validate(supportedReader, supportedWriter)
	require.Error(t, err)

	err = Protocol{MinReaderVersion: 3, ReaderFeatures: []string{"unknownFeature"}}.Validate(supportedReader, supportedWriter)
	require.Error(t, err)
}

func TestGetBytes_MatchesSnapshot(t *testing.T) {
	restore := NowMillis
	NowMillis = func() int64 { return 1700000000000 }
	defer func() { NowMillis = restore }()

	cd, err := NewCommitData(
		[]Action{
			AddAction(AddFile{Path: "f1", DataChange: true, PartitionValues: map[string]string{"p": "2026-01-01"}, Size: 4096}),
			ProtocolAction(Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		},
		Operation{Name: OpWrite},
		nil,
		nil,
	)
	require.NoError(t, err)

	data, err := cd.GetBytes()
	require.NoError(t, err)
	cupaloy.SnapshotT(t, string(data))
}

func TestActionMarshal_MatchesExpectedJSON(t *testing.T) {
	add := AddAction(AddFile{Path: "f1", DataChange: true, PartitionValues: map[string]string{"p": "5"}, Size: 100})
	got, err := json.Marshal(add)
	require.NoError(t, err)

	want := []byte(`{"add":{"path":"f1","partitionValues":{"p":"5"},"size":100,"modificationTime":0,"dataChange":true}}`)
	diff, report := jsondiff.Compare(got, want, &jsondiff.Options{})
	require.Equal(t, jsondiff.FullMatch, diff, report)
}

func TestPredicateIntersects(t *testing.T) {
	eq := "5"
	p := Predicate{Column: "p", Eq: &eq}
	require.True(t, p.Intersects(map[string]string{"p": "5"}))
	require.False(t, p.Intersects(map[string]string{"p": "6"}))
	require.True(t, p.Intersects(map[string]string{"other": "x"}))

	min := "10"
	rangeP := Predicate{Column: "p", Min: &min}
	require.True(t, rangeP.Intersects(map[string]string{"p": "20"}))
	require.False(t, rangeP.Intersects(map[string]string{"p": "5"}))
}
