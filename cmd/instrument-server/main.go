// Command instrument-server is the daemon and CLI front-end described in
// SPEC_FULL.md §6: `daemon {start|stop|status}` manages the long-running
// process; every other subcommand is an RPC client talking to it over
// `POST /rpc`.
package main

import (
	"fmt"
	"os"

	"github.com/teranos/instrument-server/cmd/instrument-server/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
