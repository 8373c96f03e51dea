// Package protocolgate implements pre-commit validation: reader/writer
// feature support and the append-only rule, run before the commit
// pipeline touches storage.
package protocolgate

import (
	"fmt"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/snapshot"
)

// ErrAppendOnly is returned when a table configured append-only receives a
// data-changing Remove action.
type ErrAppendOnly struct{}

func (ErrAppendOnly) Error() string { return "table is configured append-only: data-changing remove rejected" }

// ErrUnsupportedFeatures wraps a Protocol.Validate failure, distinguishing
// whether it concerns reader or writer features.
type ErrUnsupportedFeatures struct {
	Writer bool
	Cause  error
}

func (e *ErrUnsupportedFeatures) Error() string {
	side := "reader"
	if e.Writer {
		side = "writer"
	}
	return fmt.Sprintf("%s features: %v", side, e.Cause)
}
func (e *ErrUnsupportedFeatures) Unwrap() error { return e.Cause }

// SupportedFeatures is the set of reader/writer features this
// implementation understands. Populated at process init; kept mutable so
// callers embedding additional feature support can extend it.
var SupportedFeatures = struct {
	Reader map[string]bool
	Writer map[string]bool
}{
	Reader: map[string]bool{
		"deletionVectors": true,
		"columnMapping":   true,
	},
	Writer: map[string]bool{
		"deletionVectors": true,
		"invariants":      true,
		"appendOnly":      true,
		"checkConstraints": true,
	},
}

// CanCommit validates a proposed commit against the table's current
// protocol and configuration, failing fast before any I/O. It is the
// sole exported operation of this package.
func CanCommit(ref snapshot.TableReference, actions []action.Action, op action.Operation) error {
	cfg := ref.Config()

	if cfg.AppendOnly {
		for _, a := range actions {
			if a.Kind == action.KindRemove && a.Remove.DataChange {
				return ErrAppendOnly{}
			}
		}
	}

	// unsupported attributes a Validate failure to the writer side only
	// when the reader side of the same protocol validates on its own.
	unsupported := func(p action.Protocol, err error) error {
		readerOnly := action.Protocol{MinReaderVersion: p.MinReaderVersion, ReaderFeatures: p.ReaderFeatures}
		readerErr := readerOnly.Validate(SupportedFeatures.Reader, SupportedFeatures.Writer)
		return &ErrUnsupportedFeatures{Writer: readerErr == nil, Cause: err}
	}

	committed := ref.Protocol()
	if err := committed.Validate(SupportedFeatures.Reader, SupportedFeatures.Writer); err != nil {
		return unsupported(committed, err)
	}

	// A Protocol action present among the proposed actions is itself a
	// protocol change; validate it too so an invalid upgrade fails fast
	// rather than installing and being discovered by a later reader.
	for _, a := range actions {
		if a.Kind == action.KindProtocol {
			if err := a.Protocol.Validate(SupportedFeatures.Reader, SupportedFeatures.Writer); err != nil {
				return unsupported(*a.Protocol, err)
			}
		}
	}

	return nil
}
