package main

import (
	"context"
	"fmt"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/commit"
	"github.com/estuary/deltakeeper/logstore/local"
	log "github.com/sirupsen/logrus"
)

type cmdCreate struct {
	Root             string `long:"root" required:"true" description:"Filesystem root to create the table's _delta_log under"`
	MinReaderVersion int32  `long:"min-reader-version" default:"1" description:"minReaderVersion to install in the initial Protocol action"`
	MinWriterVersion int32  `long:"min-writer-version" default:"2" description:"minWriterVersion to install in the initial Protocol action"`
}

func (cmd cmdCreate) Execute(_ []string) error {
	store, err := local.New(cmd.Root)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}

	b := commit.NewBuilder()
	b.Actions = []action.Action{
		action.ProtocolAction(action.Protocol{MinReaderVersion: cmd.MinReaderVersion, MinWriterVersion: cmd.MinWriterVersion}),
		action.MetadataAction(action.Metadata{ID: "00000000-0000-0000-0000-000000000000"}),
	}
	b.Operation = action.Operation{Name: action.OpCreate}

	out, err := b.Execute(context.Background(), nil, store)
	if err != nil {
		return fmt.Errorf("creating table: %w", err)
	}

	log.WithFields(log.Fields{"root": cmd.Root, "version": out.Version}).Info("created table")
	fmt.Println(green(fmt.Sprintf("created table at %s, version %d", cmd.Root, out.Version)))
	return nil
}
