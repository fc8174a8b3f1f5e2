// Command instrument-worker is the single executable launched once per
// instrument by the daemon's worker proxy (SPEC_FULL.md §4.D).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/ipc"
	"github.com/teranos/instrument-server/internal/pluginhost"
	"github.com/teranos/instrument-server/internal/worker"
	"github.com/teranos/instrument-server/logger"
)

var (
	instrumentName string
	pluginPath     string
	queueDir       string
	configJSON     string
)

var rootCmd = &cobra.Command{
	Use:   "instrument-worker",
	Short: "Hosts a single instrument driver plugin, bridging the daemon over IPC queues",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&instrumentName, "instrument", "", "instrument name (required)")
	rootCmd.Flags().StringVar(&pluginPath, "plugin", "", "path to the driver plugin .so (required)")
	rootCmd.Flags().StringVar(&queueDir, "queue-dir", "", "directory holding the daemon's IPC queue sockets")
	rootCmd.Flags().StringVar(&configJSON, "config", "{}", "JSON connection config passed to the driver's Initialize")
	_ = rootCmd.MarkFlagRequired("instrument")
	_ = rootCmd.MarkFlagRequired("plugin")
}

func run(cmd *cobra.Command, args []string) error {
	if err := logger.Initialize(false); err != nil {
		return err
	}
	defer logger.Cleanup()

	driver, err := pluginhost.Load(pluginPath)
	if err != nil {
		return errors.Wrapf(err, "loading plugin %s", pluginPath)
	}

	reqName, respName := ipc.QueueNames(instrumentName)
	reqQueue, err := ipc.Open(queueDir, reqName, 5*time.Second)
	if err != nil {
		return errors.Wrapf(err, "opening request queue for %s", instrumentName)
	}
	respQueue, err := ipc.Open(queueDir, respName, 5*time.Second)
	if err != nil {
		return errors.Wrapf(err, "opening response queue for %s", instrumentName)
	}

	logger.WorkerInfow("worker process starting", "instrument", instrumentName, "plugin", pluginPath)
	return worker.Loop(instrumentName, driver, json.RawMessage(configJSON), reqQueue, respQueue)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
