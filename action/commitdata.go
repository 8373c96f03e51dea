package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ClientVersion identifies this implementation in synthesized CommitInfo
// user metadata, mirrored into every commit the pipeline writes.
const ClientVersion = "deltakeeper-go/1.0"

// NowMillis returns the current wall-clock time in Unix milliseconds. A
// package-level var so tests can substitute a deterministic clock.
var NowMillis = func() int64 { return time.Now().UnixMilli() }

// CommitData is the caller-prepared payload handed to the commit pipeline:
// the actions to install, the operation driving them, caller-supplied
// application metadata, and any application transaction bookkeeping.
//
// Invariant after NewCommitData returns: Actions contains exactly one
// CommitInfo (synthesized if the caller didn't supply one) and one Txn per
// entry in AppTransactions.
type CommitData struct {
	Actions         []Action
	Operation       Operation
	AppMetadata     map[string]json.RawMessage
	AppTransactions []Txn
}

// NewCommitData builds a CommitData satisfying the construction invariant:
// it synthesizes a CommitInfo stamped with the current time and the client
// version (merged with AppMetadata via RFC 7396 JSON merge patch) if the
// caller's actions don't already contain one, and appends a Txn action for
// every AppTransactions entry not already represented.
func NewCommitData(actions []Action, op Operation, appMetadata map[string]json.RawMessage, appTxns []Txn) (*CommitData, error) {
	cd := &CommitData{
		Operation:       op,
		AppMetadata:     appMetadata,
		AppTransactions: appTxns,
	}
	cd.Actions = append(cd.Actions, actions...)

	hasCommitInfo := false
	existingTxns := map[string]bool{}
	for _, a := range cd.Actions {
		switch a.Kind {
		case KindCommitInfo:
			hasCommitInfo = true
		case KindTxn:
			existingTxns[a.Txn.AppID] = true
		}
	}

	if !hasCommitInfo {
		info, err := synthesizeCommitInfo(op, appMetadata)
		if err != nil {
			return nil, fmt.Errorf("commitdata: synthesizing commit info: %w", err)
		}
		cd.Actions = append(cd.Actions, CommitInfoAction(*info))
	}

	for _, t := range appTxns {
		if !existingTxns[t.AppID] {
			cd.Actions = append(cd.Actions, TxnAction(t))
		}
	}

	return cd, nil
}

func synthesizeCommitInfo(op Operation, appMetadata map[string]json.RawMessage) (*CommitInfo, error) {
	base, err := json.Marshal(map[string]string{"clientVersion": ClientVersion})
	if err != nil {
		return nil, err
	}
	if appMetadata == nil {
		// A nil map marshals to null, and a null merge patch would replace
		// the base document instead of merging into it.
		appMetadata = map[string]json.RawMessage{}
	}
	overlay, err := json.Marshal(appMetadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling app metadata: %w", err)
	}
	merged, err := jsonpatch.MergePatch(base, overlay)
	if err != nil {
		return nil, fmt.Errorf("merging client metadata with app metadata: %w", err)
	}

	var userMetadata map[string]json.RawMessage
	if err := json.Unmarshal(merged, &userMetadata); err != nil {
		return nil, fmt.Errorf("decoding merged user metadata: %w", err)
	}

	return &CommitInfo{
		Timestamp:    NowMillis(),
		Operation:    op.Name,
		UserMetadata: userMetadata,
	}, nil
}

// ErrSerializeLogJSON wraps a serialization failure. Always terminal;
// never triggers a retry.
type ErrSerializeLogJSON struct {
	Cause error
}

func (e *ErrSerializeLogJSON) Error() string { return fmt.Sprintf("serialize log json: %v", e.Cause) }
func (e *ErrSerializeLogJSON) Unwrap() error  { return e.Cause }

// GetBytes serializes CommitData to the newline-delimited JSON payload
// format of a Delta log entry: one JSON object per action, lines joined by
// "\n", no trailing newline, UTF-8 encoded.
func (cd *CommitData) GetBytes() ([]byte, error) {
	var buf bytes.Buffer
	for i, a := range cd.Actions {
		line, err := json.Marshal(a)
		if err != nil {
			return nil, &ErrSerializeLogJSON{Cause: fmt.Errorf("action %d (%s): %w", i, a.Kind, err)}
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// ParseBytes is the inverse of GetBytes: it splits a Delta log entry's
// bytes on newlines and unmarshals each line into an Action, so every
// action written by GetBytes round-trips back to an equal value.
func ParseBytes(data []byte) ([]Action, error) {
	if len(data) == 0 {
		return nil, nil
	}
	lines := bytes.Split(data, []byte("\n"))
	actions := make([]Action, 0, len(lines))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var a Action
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, fmt.Errorf("action: parsing log line %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
