// Package commit implements the commit pipeline state machine: Builder ->
// PreCommit -> PreparedCommit -> PostCommit -> FinalizedCommit, including
// the version-race retry loop.
//
// Each stage is a plain Go value with a method returning the next stage,
// rather than one opaque staged future, so advanced callers can peel
// stages off to inspect e.g. the staged CommitOrBytes before finalizing.
package commit

import (
	"context"
	"encoding/json"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/hooks"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/snapshot"
	"github.com/google/uuid"
)

// DefaultMaxRetries is the default install retry budget.
const DefaultMaxRetries = 15

// Builder collects the caller-prepared commit request before the pipeline
// does any work.
type Builder struct {
	Actions         []action.Action
	Operation       action.Operation
	AppMetadata     map[string]json.RawMessage
	AppTransactions []action.Txn

	// MaxRetries bounds the install retry loop. Defaults to
	// DefaultMaxRetries when left nil; point it at 0 to disable retries
	// entirely.
	MaxRetries *int

	// HookOptions configures post-commit checkpointing and log cleanup.
	HookOptions hooks.Options

	// CreationConfig is consulted only when Build is called with a nil
	// TableReference (table creation), since there is no existing table to
	// ask for configuration.
	CreationConfig snapshot.Config

	// OperationID is a fresh UUID per pipeline if left empty.
	OperationID string
}

// NewBuilder returns a Builder with defaults applied (fresh operation id,
// default retry budget).
func NewBuilder() *Builder {
	return &Builder{
		OperationID: uuid.NewString(),
	}
}

func (b *Builder) maxRetries() int {
	if b.MaxRetries != nil {
		return *b.MaxRetries
	}
	return DefaultMaxRetries
}

// Build synthesizes the CommitData (ensuring CommitInfo and Txn actions
// are present, per action.NewCommitData's invariant) and transitions to
// PreCommit. ref may be nil to mean "creating version 0".
func (b *Builder) Build(ref snapshot.TableReference, store logstore.Driver) (*PreCommit, error) {
	data, err := action.NewCommitData(b.Actions, b.Operation, b.AppMetadata, b.AppTransactions)
	if err != nil {
		return nil, err
	}

	opID := b.OperationID
	if opID == "" {
		opID = uuid.NewString()
	}

	cfg := b.CreationConfig
	if ref != nil {
		cfg = ref.Config()
	}

	return &PreCommit{
		data:        data,
		ref:         ref,
		store:       store,
		maxRetries:  b.maxRetries(),
		hookOptions: b.HookOptions,
		config:      cfg,
		opID:        opID,
	}, nil
}

// Execute is the terminal convenience that chains every stage transition,
// for callers that don't need to inspect intermediate stages.
func (b *Builder) Execute(ctx context.Context, ref snapshot.TableReference, store logstore.Driver) (*FinalizedCommit, error) {
	pre, err := b.Build(ref, store)
	if err != nil {
		return nil, err
	}
	prepared, err := pre.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	post, err := prepared.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	return post.Run(ctx)
}
