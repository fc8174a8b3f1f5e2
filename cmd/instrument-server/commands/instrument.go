package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var startPluginOverride string
var startLogLevel string

var startCmd = &cobra.Command{
	Use:   "start <config>",
	Short: "Create an instrument from a YAML config",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Tear down a running instrument",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Report a running instrument's proxy stats",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running instruments",
	RunE:  runList,
}

func init() {
	startCmd.Flags().StringVar(&startPluginOverride, "plugin", "", "plugin path override (not sent to the daemon; the config file's plugin path is always used)")
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "info", "log level (unused by the RPC call itself; reserved for daemon-side logging)")
}

func runStart(cmd *cobra.Command, args []string) error {
	resp, err := callRPC(resolveRPCPort(), "start", map[string]any{"config": args[0]})
	if err != nil {
		return err
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := decodeData(resp, &out); err != nil {
		return err
	}
	pterm.Success.Printf("instrument created: %s\n", out.Name)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	if _, err := callRPC(resolveRPCPort(), "stop", map[string]any{"name": args[0]}); err != nil {
		return err
	}
	pterm.Success.Printf("instrument stopped: %s\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := callRPC(resolveRPCPort(), "status", map[string]any{"name": args[0]})
	if err != nil {
		return err
	}
	var out map[string]interface{}
	if err := decodeData(resp, &out); err != nil {
		return err
	}
	for k, v := range out {
		pterm.Printf("%s: %v\n", k, v)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := callRPC(resolveRPCPort(), "list", map[string]any{})
	if err != nil {
		return err
	}
	var out struct {
		Instruments []string `json:"instruments"`
	}
	if err := decodeData(resp, &out); err != nil {
		return err
	}
	if len(out.Instruments) == 0 {
		pterm.Info.Println("no instruments running")
		return nil
	}
	for _, name := range out.Instruments {
		pterm.Printf("%s\n", name)
	}
	return nil
}
