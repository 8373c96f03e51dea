package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/commit"
	"github.com/estuary/deltakeeper/logstore/local"
	"github.com/estuary/deltakeeper/snapshot"
	log "github.com/sirupsen/logrus"
)

type cmdWrite struct {
	Root       string   `long:"root" required:"true" description:"Filesystem root of the table's _delta_log"`
	Path       string   `long:"path" required:"true" description:"Data file path to add"`
	Size       int64    `long:"size" default:"0" description:"Size in bytes of the added file"`
	Partitions []string `long:"partition" description:"partition column=value pair, may be repeated"`
	MaxRetries int      `long:"max-retries" default:"15" description:"install retry budget"`
}

func (cmd cmdWrite) Execute(_ []string) error {
	store, err := local.New(cmd.Root)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}

	snap, err := loadSnapshot(context.Background(), store)
	if err != nil {
		return fmt.Errorf("loading table state: %w", err)
	}
	ref := snapshot.NewTableReference(snapshot.Config{}, snap)

	partitionValues, err := parsePartitions(cmd.Partitions)
	if err != nil {
		return err
	}

	b := commit.NewBuilder()
	b.MaxRetries = &cmd.MaxRetries
	b.Actions = []action.Action{
		action.AddAction(action.AddFile{Path: cmd.Path, Size: cmd.Size, DataChange: true, PartitionValues: partitionValues}),
	}
	b.Operation = action.Operation{Name: action.OpWrite}

	out, err := b.Execute(context.Background(), ref, store)
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	log.WithFields(log.Fields{"root": cmd.Root, "version": out.Version, "retries": out.Metrics.NumRetries}).Info("wrote commit")
	fmt.Println(green(fmt.Sprintf("wrote version %d (%d retries)", out.Version, out.Metrics.NumRetries)))
	return nil
}

func parsePartitions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid --partition %q, expected column=value", p)
		}
		values[kv[0]] = kv[1]
	}
	return values, nil
}
