package commands

import (
	"encoding/json"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/instrument-server/errors"
)

var measureJSON bool
var measureLogLevel string

const measurePollInterval = 50 * time.Millisecond

var measureCmd = &cobra.Command{
	Use:   "measure <script>",
	Short: "Submit a measure job and wait for its result",
	Args:  cobra.ExactArgs(1),
	RunE:  runMeasure,
}

func init() {
	measureCmd.Flags().BoolVar(&measureJSON, "json", false, "print the raw JSON result")
	measureCmd.Flags().StringVar(&measureLogLevel, "log-level", "info", "log level (reserved for daemon-side logging)")
}

func runMeasure(cmd *cobra.Command, args []string) error {
	port := resolveRPCPort()
	submitResp, err := callRPC(port, "submit_measure", map[string]any{"script": args[0]})
	if err != nil {
		return err
	}
	var submitOut struct {
		ID string `json:"id"`
	}
	if err := decodeData(submitResp, &submitOut); err != nil {
		return err
	}

	for {
		statusResp, err := callRPC(port, "job_status", map[string]any{"id": submitOut.ID})
		if err != nil {
			return err
		}
		var status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := decodeData(statusResp, &status); err != nil {
			return err
		}

		switch status.Status {
		case "completed":
			resultResp, err := callRPC(port, "job_result", map[string]any{"id": submitOut.ID})
			if err != nil {
				return err
			}
			var result struct {
				Result json.RawMessage `json:"result"`
			}
			if err := decodeData(resultResp, &result); err != nil {
				return err
			}
			return printMeasureResult(result.Result)
		case "failed", "canceled":
			return errors.Newf("measure job %s: %s", status.Status, status.Error)
		}
		time.Sleep(measurePollInterval)
	}
}

func printMeasureResult(raw json.RawMessage) error {
	if measureJSON {
		pterm.Printf("%s\n", string(raw))
		return nil
	}
	pterm.Success.Println("measurement complete")
	pterm.Printf("%s\n", string(raw))
	return nil
}
