// Package snapshot implements the read-side contract the commit pipeline
// needs from a table: its current protocol, metadata, configuration, and an
// eager point-in-time view of installed files that can be advanced in
// memory without a full log replay.
package snapshot

import (
	"context"
	"fmt"

	"github.com/estuary/deltakeeper/action"
)

// LogReader is the minimal log-store surface snapshot needs to catch up:
// read a specific version's committed actions. Satisfied by
// logstore.Driver.
type LogReader interface {
	ReadCommitEntry(ctx context.Context, version int64) ([]byte, error)
}

// Config is the subset of table configuration the commit pipeline and
// protocol gate consult.
type Config struct {
	AppendOnly              bool
	EnableExpiredLogCleanup bool
	LogRetentionMillis      int64
	CheckpointInterval      uint32
	RequireFiles            bool
	NumIndexedCols          int32
	StatsColumns            []string
}

// TableReference is the capability set the commit pipeline needs from a
// table: its committed protocol/metadata/config, and an eager snapshot it
// can update or advance without re-reading the whole log. Split out into
// its own small interface, implemented by EagerSnapshot and by any
// richer table-state type, rather than one broad catch-all trait.
type TableReference interface {
	Protocol() action.Protocol
	Metadata() action.Metadata
	Config() Config
	Snapshot() *EagerSnapshot
}

// EagerSnapshot is a materialized point-in-time view of table state: the
// live file set (keyed by path), the installed protocol/metadata, and the
// version they were observed at.
type EagerSnapshot struct {
	version  int64
	protocol action.Protocol
	metadata action.Metadata
	files    map[string]action.AddFile
	txns     map[string]action.Txn
}

// NewEagerSnapshot builds a snapshot at the given version from already
// materialized state. Used by tests and by table-creation bootstrap.
func NewEagerSnapshot(version int64, protocol action.Protocol, metadata action.Metadata) *EagerSnapshot {
	return &EagerSnapshot{
		version:  version,
		protocol: protocol,
		metadata: metadata,
		files:    map[string]action.AddFile{},
		txns:     map[string]action.Txn{},
	}
}

func (s *EagerSnapshot) Version() int64            { return s.version }
func (s *EagerSnapshot) Protocol() action.Protocol  { return s.protocol }
func (s *EagerSnapshot) Metadata() action.Metadata  { return s.metadata }

// Files returns a defensive copy of the live file set, keyed by path.
func (s *EagerSnapshot) Files() map[string]action.AddFile {
	out := make(map[string]action.AddFile, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

// Clone returns an independent deep copy, used by the commit pipeline so
// the retry loop never mutates the table reference's shared snapshot
// in place.
func (s *EagerSnapshot) Clone() *EagerSnapshot {
	clone := &EagerSnapshot{
		version:  s.version,
		protocol: s.protocol,
		metadata: s.metadata,
		files:    make(map[string]action.AddFile, len(s.files)),
		txns:     make(map[string]action.Txn, len(s.txns)),
	}
	for k, v := range s.files {
		clone.files[k] = v
	}
	for k, v := range s.txns {
		clone.txns[k] = v
	}
	return clone
}

// TxnVersion returns the last committed version for appID and whether one
// has been recorded.
func (s *EagerSnapshot) TxnVersion(appID string) (int64, bool) {
	t, ok := s.txns[appID]
	return t.Version, ok
}

func (s *EagerSnapshot) apply(actions []action.Action) {
	for _, a := range actions {
		switch a.Kind {
		case action.KindAdd:
			s.files[a.Add.Path] = *a.Add
		case action.KindRemove:
			delete(s.files, a.Remove.Path)
		case action.KindMetadata:
			s.metadata = *a.Metadata
		case action.KindProtocol:
			s.protocol = *a.Protocol
		case action.KindTxn:
			s.txns[a.Txn.AppID] = *a.Txn
		}
	}
}

// Update replays log entries from version+1 through targetVersion (or the
// latest available, if targetVersion is nil) using reader, advancing the
// snapshot in place. This is the "re-read from storage" path, used when
// Advance's in-memory fast path isn't available (e.g. another writer
// installed versions we never locally constructed).
func (s *EagerSnapshot) Update(ctx context.Context, reader LogReader, targetVersion *int64) error {
	start := s.version + 1
	end := start
	if targetVersion != nil {
		end = *targetVersion
	} else {
		// Caller didn't bound the update; walk forward until a read fails,
		// which signals we've reached the log tail.
		for {
			if _, err := reader.ReadCommitEntry(ctx, end); err != nil {
				break
			}
			end++
		}
		end--
	}
	for v := start; v <= end; v++ {
		data, err := reader.ReadCommitEntry(ctx, v)
		if err != nil {
			return fmt.Errorf("snapshot: update: reading version %d: %w", v, err)
		}
		actions, err := action.ParseBytes(data)
		if err != nil {
			return fmt.Errorf("snapshot: update: parsing version %d: %w", v, err)
		}
		s.apply(actions)
		s.version = v
	}
	return nil
}

// Advance fast-forwards the snapshot using already-in-hand CommitData,
// without re-reading the log. Used on the common commit path, where the
// pipeline already holds the actions it just installed.
func (s *EagerSnapshot) Advance(commits []*action.CommitData, newVersion int64) {
	for _, cd := range commits {
		s.apply(cd.Actions)
	}
	s.version = newVersion
}

// simpleTableReference is the concrete TableReference used by callers that
// don't need a richer table-state type (e.g. tests, or a minimal caller
// that only tracks protocol/metadata/config alongside an EagerSnapshot).
type simpleTableReference struct {
	config   Config
	snapshot *EagerSnapshot
}

// NewTableReference builds a TableReference backed by an already
// constructed EagerSnapshot and static Config.
func NewTableReference(cfg Config, snap *EagerSnapshot) TableReference {
	return &simpleTableReference{config: cfg, snapshot: snap}
}

func (r *simpleTableReference) Protocol() action.Protocol { return r.snapshot.Protocol() }
func (r *simpleTableReference) Metadata() action.Metadata { return r.snapshot.Metadata() }
func (r *simpleTableReference) Config() Config            { return r.config }
func (r *simpleTableReference) Snapshot() *EagerSnapshot  { return r.snapshot }
