package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/instrument-server/internal/config"
)

// RootCmd is the instrument-server CLI entry point.
var RootCmd = &cobra.Command{
	Use:   "instrument-server",
	Short: "Daemon and CLI for scientific lab instrument control",
}

var rpcPort int

func init() {
	RootCmd.PersistentFlags().IntVar(&rpcPort, "rpc-port", 0, fmt.Sprintf("override the daemon RPC port (defaults to INSTRUMENT_SERVER_RPC_PORT or %d)", config.DefaultRPCPort))

	RootCmd.AddCommand(daemonCmd)
	RootCmd.AddCommand(startCmd)
	RootCmd.AddCommand(stopCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(listCmd)
	RootCmd.AddCommand(measureCmd)
	RootCmd.AddCommand(testCmd)
	RootCmd.AddCommand(discoverCmd)
	RootCmd.AddCommand(pluginsCmd)
}

// resolveRPCPort applies the --rpc-port override, falling back to the
// daemon's own env/config resolution.
func resolveRPCPort() int {
	if rpcPort != 0 {
		return rpcPort
	}
	d, err := config.LoadDaemon()
	if err != nil {
		return config.DefaultRPCPort
	}
	return d.RPCPort
}
