package commit

import (
	"context"
	"fmt"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/hooks"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/estuary/deltakeeper/protocolgate"
	"github.com/estuary/deltakeeper/snapshot"
)

// PreCommit holds a synthesized CommitData that hasn't yet passed the
// protocol gate or been staged to storage.
type PreCommit struct {
	data        *action.CommitData
	ref         snapshot.TableReference
	store       logstore.Driver
	maxRetries  int
	hookOptions hooks.Options
	config      snapshot.Config
	opID        string
}

// Prepare runs the protocol gate (skipped for table creation, where ref is
// nil) and serializes the commit, staging it to the object store as a temp
// file when the driver is rename-based rather than conditional-put capable.
func (p *PreCommit) Prepare(ctx context.Context) (*PreparedCommit, error) {
	if p.ref != nil {
		if err := protocolgate.CanCommit(p.ref, p.data.Actions, p.data.Operation); err != nil {
			return nil, err
		}
	}

	raw, err := p.data.GetBytes()
	if err != nil {
		return nil, err
	}

	var payload logstore.CommitOrBytes
	if p.store.SupportsConditionalPut() {
		payload = logstore.LogBytes(raw)
	} else {
		path := logstore.StagedCommitPath(p.opID)
		if err := p.store.ObjectStore(&p.opID).Put(ctx, path, raw, false); err != nil {
			return nil, fmt.Errorf("commit: staging commit bytes: %w", err)
		}
		payload = logstore.TmpCommit(path)
	}

	return &PreparedCommit{
		data:        p.data,
		ref:         p.ref,
		store:       p.store,
		maxRetries:  p.maxRetries,
		hookOptions: p.hookOptions,
		config:      p.config,
		opID:        p.opID,
		payload:     payload,
	}, nil
}
