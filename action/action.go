// Package action defines the typed log actions that make up a Delta commit
// and the serialization contract the commit pipeline relies on.
package action

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which variant an Action carries. Exactly one of the
// corresponding fields on Action is populated for a given Kind.
type Kind string

const (
	KindAdd            Kind = "add"
	KindRemove         Kind = "remove"
	KindMetadata       Kind = "metaData"
	KindProtocol       Kind = "protocol"
	KindCommitInfo     Kind = "commitInfo"
	KindTxn            Kind = "txn"
	KindCdc            Kind = "cdc"
	KindDomainMetadata Kind = "domainMetadata"
)

// AddFile records a data file added to the table.
type AddFile struct {
	Path             string            `json:"path"`
	PartitionValues  map[string]string `json:"partitionValues"`
	Size             int64             `json:"size"`
	ModificationTime int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	Stats            string            `json:"stats,omitempty"`
}

// RemoveFile records a data file logically removed from the table.
type RemoveFile struct {
	Path             string            `json:"path"`
	DeletionTimestamp int64            `json:"deletionTimestamp,omitempty"`
	DataChange       bool              `json:"dataChange"`
	PartitionValues  map[string]string `json:"partitionValues,omitempty"`
	Size             int64             `json:"size,omitempty"`
}

// Metadata records the table schema, partition columns, and configuration.
type Metadata struct {
	ID             string            `json:"id"`
	SchemaString   string            `json:"schemaString"`
	PartitionCols  []string          `json:"partitionColumns"`
	Configuration  map[string]string `json:"configuration,omitempty"`
	CreatedTime    int64             `json:"createdTime,omitempty"`
}

// Protocol records the minimum reader/writer versions and feature sets
// required to operate on the table.
type Protocol struct {
	MinReaderVersion int32    `json:"minReaderVersion"`
	MinWriterVersion int32    `json:"minWriterVersion"`
	ReaderFeatures   []string `json:"readerFeatures,omitempty"`
	WriterFeatures   []string `json:"writerFeatures,omitempty"`
}

// Validate enforces the Protocol invariants: a reader or writer version
// gated on feature sets must declare at least one feature, and every
// declared feature must be one this implementation supports.
func (p Protocol) Validate(supportedReader, supportedWriter map[string]bool) error {
	if p.MinReaderVersion >= 3 && len(p.ReaderFeatures) == 0 {
		return fmt.Errorf("reader version %d requires a non-empty readerFeatures set", p.MinReaderVersion)
	}
	if p.MinWriterVersion >= 7 && len(p.WriterFeatures) == 0 {
		return fmt.Errorf("writer version %d requires a non-empty writerFeatures set", p.MinWriterVersion)
	}
	for _, f := range p.ReaderFeatures {
		if !supportedReader[f] {
			return fmt.Errorf("unsupported reader feature %q", f)
		}
	}
	for _, f := range p.WriterFeatures {
		if !supportedWriter[f] {
			return fmt.Errorf("unsupported writer feature %q", f)
		}
	}
	return nil
}

// CommitInfo carries bookkeeping about why a commit happened.
type CommitInfo struct {
	Timestamp     int64                  `json:"timestamp"`
	Operation     string                 `json:"operation"`
	UserMetadata  map[string]json.RawMessage `json:"userMetadata,omitempty"`
}

// Txn records the last committed version of an application's idempotent
// write transaction.
type Txn struct {
	AppID       string `json:"appId"`
	Version     int64  `json:"version"`
	LastUpdated int64  `json:"lastUpdated,omitempty"`
}

// Cdc records a change-data-capture file; domain-specific, does not affect
// table state on its own.
type Cdc struct {
	Path            string            `json:"path"`
	PartitionValues map[string]string `json:"partitionValues,omitempty"`
	Size            int64             `json:"size"`
}

// DomainMetadata carries opaque, domain-scoped configuration.
type DomainMetadata struct {
	Domain   string `json:"domain"`
	Config   string `json:"configuration"`
	Removed  bool   `json:"removed,omitempty"`
}

// Action is a tagged union over the log action variants. Only one of the
// pointer fields matching Kind is populated.
type Action struct {
	Kind Kind

	Add            *AddFile
	Remove         *RemoveFile
	Metadata       *Metadata
	Protocol       *Protocol
	CommitInfo     *CommitInfo
	Txn            *Txn
	Cdc            *Cdc
	DomainMetadata *DomainMetadata
}

// AffectsTableState reports whether this action contributes to replayed
// table state (Add/Remove/Metadata/Protocol), as opposed to bookkeeping
// actions (CommitInfo, Txn) which do not.
func (a Action) AffectsTableState() bool {
	switch a.Kind {
	case KindAdd, KindRemove, KindMetadata, KindProtocol:
		return true
	default:
		return false
	}
}

type wireAction struct {
	Add            *AddFile        `json:"add,omitempty"`
	Remove         *RemoveFile     `json:"remove,omitempty"`
	Metadata       *Metadata       `json:"metaData,omitempty"`
	Protocol       *Protocol       `json:"protocol,omitempty"`
	CommitInfo     *CommitInfo     `json:"commitInfo,omitempty"`
	Txn            *Txn            `json:"txn,omitempty"`
	Cdc            *Cdc            `json:"cdc,omitempty"`
	DomainMetadata *DomainMetadata `json:"domainMetadata,omitempty"`
}

// MarshalJSON renders the action as the single wrapped JSON object the
// Delta log format expects, e.g. {"add": {...}}.
func (a Action) MarshalJSON() ([]byte, error) {
	var w wireAction
	switch a.Kind {
	case KindAdd:
		w.Add = a.Add
	case KindRemove:
		w.Remove = a.Remove
	case KindMetadata:
		w.Metadata = a.Metadata
	case KindProtocol:
		w.Protocol = a.Protocol
	case KindCommitInfo:
		w.CommitInfo = a.CommitInfo
	case KindTxn:
		w.Txn = a.Txn
	case KindCdc:
		w.Cdc = a.Cdc
	case KindDomainMetadata:
		w.DomainMetadata = a.DomainMetadata
	default:
		return nil, fmt.Errorf("action: unknown kind %q", a.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON recovers the tagged Action from a single wrapped JSON
// object, inferring Kind from whichever field is present.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("action: unmarshal: %w", err)
	}
	switch {
	case w.Add != nil:
		a.Kind, a.Add = KindAdd, w.Add
	case w.Remove != nil:
		a.Kind, a.Remove = KindRemove, w.Remove
	case w.Metadata != nil:
		a.Kind, a.Metadata = KindMetadata, w.Metadata
	case w.Protocol != nil:
		a.Kind, a.Protocol = KindProtocol, w.Protocol
	case w.CommitInfo != nil:
		a.Kind, a.CommitInfo = KindCommitInfo, w.CommitInfo
	case w.Txn != nil:
		a.Kind, a.Txn = KindTxn, w.Txn
	case w.Cdc != nil:
		a.Kind, a.Cdc = KindCdc, w.Cdc
	case w.DomainMetadata != nil:
		a.Kind, a.DomainMetadata = KindDomainMetadata, w.DomainMetadata
	default:
		return fmt.Errorf("action: unmarshal: no recognized variant in %s", data)
	}
	return nil
}

func AddAction(f AddFile) Action            { return Action{Kind: KindAdd, Add: &f} }
func RemoveAction(f RemoveFile) Action      { return Action{Kind: KindRemove, Remove: &f} }
func MetadataAction(m Metadata) Action      { return Action{Kind: KindMetadata, Metadata: &m} }
func ProtocolAction(p Protocol) Action      { return Action{Kind: KindProtocol, Protocol: &p} }
func CommitInfoAction(c CommitInfo) Action  { return Action{Kind: KindCommitInfo, CommitInfo: &c} }
func TxnAction(t Txn) Action                { return Action{Kind: KindTxn, Txn: &t} }
func CdcAction(c Cdc) Action                { return Action{Kind: KindCdc, Cdc: &c} }
func DomainMetadataAction(d DomainMetadata) Action {
	return Action{Kind: KindDomainMetadata, DomainMetadata: &d}
}
