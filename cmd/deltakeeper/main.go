// Command deltakeeper is a CLI front end to the commit pipeline: it creates
// tables, appends single writes, and prints table state, exercising the
// commit/snapshot/logstore packages end to end from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "create", "Create a new table", `
Create a new Delta table at the given log store root, writing version 0
with an empty schema and the requested protocol versions.
`, &cmdCreate{})

	addCmd(parser, "write", "Append data files to a table", `
Append Add actions to an existing table as a single commit, retrying past
concurrent writers up to the configured retry budget.
`, &cmdWrite{})

	addCmd(parser, "show", "Print a table's current snapshot", `
Replay a table's log to the latest version and print its live file set.
`, &cmdShow{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Error("command failed")
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	cmd, err := to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(err)
	}
	return cmd
}
