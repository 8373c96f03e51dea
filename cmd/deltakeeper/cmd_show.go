package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/logstore/local"
	"github.com/estuary/deltakeeper/snapshot"
)

type cmdShow struct {
	Root string `long:"root" required:"true" description:"Filesystem root of the table's _delta_log"`
}

func (cmd cmdShow) Execute(_ []string) error {
	store, err := local.New(cmd.Root)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}

	snap, err := loadSnapshot(context.Background(), store)
	if err != nil {
		return fmt.Errorf("loading table state: %w", err)
	}

	fmt.Println(yellow(fmt.Sprintf("version %d", snap.Version())))
	files := snap.Files()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		f := files[p]
		fmt.Printf("  %s  size=%d  partitions=%v\n", p, f.Size, f.PartitionValues)
	}
	return nil
}

// loadSnapshot replays a table's log from the beginning to its latest
// installed version.
func loadSnapshot(ctx context.Context, reader snapshot.LogReader) (*snapshot.EagerSnapshot, error) {
	snap := snapshot.NewEagerSnapshot(-1, action.Protocol{}, action.Metadata{})
	if err := snap.Update(ctx, reader, nil); err != nil {
		return nil, err
	}
	return snap, nil
}
