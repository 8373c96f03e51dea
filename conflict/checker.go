// Package conflict implements the commit pipeline's conflict checker:
// given the caller's read snapshot, a single winning commit that raced
// ahead of it, and the proposed commit, decide whether the proposed
// commit may legally install immediately after the winner.
package conflict

import (
	"fmt"

	"github.com/estuary/deltakeeper/action"
)

// Kind distinguishes the conflict rule that failed so callers can
// branch on the specific violation.
type Kind string

const (
	KindProtocolChanged      Kind = "ProtocolChanged"
	KindMetadataChanged      Kind = "MetadataChanged"
	KindConcurrentAppend     Kind = "ConcurrentAppend"
	KindConcurrentDeleteRead Kind = "ConcurrentDeleteRead"
	KindConcurrentDeleteDelete Kind = "ConcurrentDeleteDelete"
	KindConcurrentTransaction Kind = "ConcurrentTransaction"
)

// Error is returned by Check when a conflict rule is violated. Terminal:
// the pipeline never retries past a Check failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("commit conflict (%s): %s", e.Kind, e.Detail) }

// TransactionInfo describes the author's side of the check: what it read
// and what it proposes to write. ReadFiles is the read snapshot's live
// file set (path -> AddFile), used to derive which paths the transaction
// logically depends on; it is distinct from Actions, which are the
// author's own proposed Adds/Removes.
type TransactionInfo struct {
	ReadSnapshotVersion int64
	ReadPredicate       *action.Predicate
	ReadWholeTable      bool
	ReadFiles           map[string]action.AddFile
	Actions             []action.Action
}

// WinningCommitSummary describes a single commit that was installed at
// Version after the author's read snapshot.
type WinningCommitSummary struct {
	Version   int64
	Actions   []action.Action
	Operation action.Operation
}

// Check runs the conflict rules in order — protocol stability, metadata
// stability, concurrent append, concurrent delete/read, concurrent
// delete/delete, concurrent transaction — returning the first violated
// rule as an *Error, or nil if none fire.
func Check(txn TransactionInfo, winner WinningCommitSummary, ourOperation *action.Operation) error {
	if err := checkProtocolStability(winner, ourOperation); err != nil {
		return err
	}
	if err := checkMetadataStability(winner); err != nil {
		return err
	}
	if err := checkConcurrentAppend(txn, winner); err != nil {
		return err
	}
	if err := checkConcurrentDeleteRead(txn, winner); err != nil {
		return err
	}
	if err := checkConcurrentDeleteDelete(txn, winner); err != nil {
		return err
	}
	if err := checkConcurrentTransaction(txn, winner); err != nil {
		return err
	}
	return nil
}

func checkProtocolStability(winner WinningCommitSummary, ourOperation *action.Operation) error {
	isUpgrade := ourOperation != nil && ourOperation.IsProtocolUpgrade
	if isUpgrade {
		return nil
	}
	for _, a := range winner.Actions {
		if a.Kind == action.KindProtocol {
			return &Error{Kind: KindProtocolChanged, Detail: fmt.Sprintf("winning version %d altered the table protocol", winner.Version)}
		}
	}
	return nil
}

func checkMetadataStability(winner WinningCommitSummary) error {
	for _, a := range winner.Actions {
		if a.Kind == action.KindMetadata {
			return &Error{Kind: KindMetadataChanged, Detail: fmt.Sprintf("winning version %d altered table metadata", winner.Version)}
		}
	}
	return nil
}

func checkConcurrentAppend(txn TransactionInfo, winner WinningCommitSummary) error {
	if txn.ReadWholeTable || txn.ReadPredicate == nil {
		return nil
	}
	for _, a := range winner.Actions {
		if a.Kind != action.KindAdd {
			continue
		}
		if txn.ReadPredicate.Intersects(a.Add.PartitionValues) {
			return &Error{
				Kind:   KindConcurrentAppend,
				Detail: fmt.Sprintf("winning version %d added %s, which intersects our read predicate on column %s", winner.Version, a.Add.Path, txn.ReadPredicate.Column),
			}
		}
	}
	return nil
}

func checkConcurrentDeleteRead(txn TransactionInfo, winner WinningCommitSummary) error {
	readPaths := readDependentPaths(txn)
	for _, a := range winner.Actions {
		if a.Kind != action.KindRemove {
			continue
		}
		if readPaths[a.Remove.Path] {
			return &Error{
				Kind:   KindConcurrentDeleteRead,
				Detail: fmt.Sprintf("winning version %d removed %s, which our transaction logically read", winner.Version, a.Remove.Path),
			}
		}
	}
	return nil
}

// readDependentPaths derives the set of file paths our transaction
// logically depends on: the read snapshot's file set (ReadFiles),
// narrowed to ReadPredicate's matches unless the read touched the whole
// table. A winner's Remove of one of these paths means the table state
// we read from has been invalidated underneath us.
func readDependentPaths(txn TransactionInfo) map[string]bool {
	paths := map[string]bool{}
	if txn.ReadWholeTable {
		for path := range txn.ReadFiles {
			paths[path] = true
		}
		return paths
	}
	if txn.ReadPredicate == nil {
		return paths
	}
	for path, f := range txn.ReadFiles {
		if txn.ReadPredicate.Intersects(f.PartitionValues) {
			paths[path] = true
		}
	}
	return paths
}

func checkConcurrentDeleteDelete(txn TransactionInfo, winner WinningCommitSummary) error {
	ourRemoves := map[string]bool{}
	for _, a := range txn.Actions {
		if a.Kind == action.KindRemove {
			ourRemoves[a.Remove.Path] = true
		}
	}
	for _, a := range winner.Actions {
		if a.Kind != action.KindRemove {
			continue
		}
		if ourRemoves[a.Remove.Path] {
			return &Error{
				Kind:   KindConcurrentDeleteDelete,
				Detail: fmt.Sprintf("winning version %d and our transaction both remove %s", winner.Version, a.Remove.Path),
			}
		}
	}
	return nil
}

func checkConcurrentTransaction(txn TransactionInfo, winner WinningCommitSummary) error {
	ourAppIDs := map[string]bool{}
	for _, a := range txn.Actions {
		if a.Kind == action.KindTxn {
			ourAppIDs[a.Txn.AppID] = true
		}
	}
	for _, a := range winner.Actions {
		if a.Kind != action.KindTxn {
			continue
		}
		if ourAppIDs[a.Txn.AppID] {
			return &Error{
				Kind:   KindConcurrentTransaction,
				Detail: fmt.Sprintf("winning version %d and our transaction both advance app transaction %q", winner.Version, a.Txn.AppID),
			}
		}
	}
	return nil
}
