package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/barrier"
	"github.com/teranos/instrument-server/internal/config"
	"github.com/teranos/instrument-server/internal/daemon"
	"github.com/teranos/instrument-server/internal/dispatch"
	"github.com/teranos/instrument-server/internal/job"
	"github.com/teranos/instrument-server/internal/registry"
	"github.com/teranos/instrument-server/internal/rpcserver"
	"github.com/teranos/instrument-server/internal/script"
	"github.com/teranos/instrument-server/logger"
	"github.com/teranos/instrument-server/version"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the instrument-server daemon process",
}

var daemonLogLevel string

func init() {
	daemonStartCmd.Flags().StringVar(&daemonLogLevel, "log-level", "info", "log level; only \"json\" switches to structured output, any other value keeps the human-readable console format")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the instrument-server daemon in the foreground",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE:  runDaemonStatus,
}

// daemonRunner adapts the script runtime to job.ScriptRunner: each
// measure job gets its own enqueue-first Runtime bound to the shared
// sync controller and instrument registry lookup.
type daemonRunner struct {
	syncCtl *dispatch.SyncController
	tokens  *barrier.TokenSequence
	reg     *registry.Registry
}

func (r *daemonRunner) RunMeasure(jobID, scriptText string, params map[string]any) (json.RawMessage, error) {
	rt := script.NewEnqueueFirst(r.syncCtl, r.tokens, r.reg.GetInstrument)
	return script.RunMeasureScript(context.Background(), rt, scriptText)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if err := logger.Initialize(daemonLogLevel == "json"); err != nil {
		return err
	}
	defer logger.Cleanup()

	cfg, err := config.LoadDaemon()
	if err != nil {
		return errors.Wrap(err, "loading daemon config")
	}
	if rpcPort != 0 {
		cfg.RPCPort = rpcPort
	}

	lifecycle, err := daemon.New(cfg.RuntimeDir)
	if err != nil {
		return err
	}
	if err := lifecycle.Acquire(); err != nil {
		return err
	}
	defer lifecycle.Release()

	workerPath, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving instrument-worker path")
	}
	// instrument-worker ships as a sibling binary; daemon and worker are
	// built together, so we resolve it relative to our own executable dir.
	workerPath = siblingBinary(workerPath, "instrument-worker")

	reg := registry.New(cfg.RuntimeDir, workerPath)
	defer reg.StopAll()

	// One SyncController for the daemon's lifetime: every proxy's SYNC_ACK
	// callback (wired below) and every script.Runtime created per measure
	// job must drive the same barrier state for §4.F's protocol to work
	// across concurrently running jobs.
	syncCtl := dispatch.NewSyncController(barrier.New(), reg.GetInstrument)
	reg.SetSyncAckHandler(syncCtl.HandleAck)

	runner := &daemonRunner{syncCtl: syncCtl, tokens: &barrier.TokenSequence{}, reg: reg}
	jobs := job.New(runner)
	defer jobs.Stop()

	rpc := rpcserver.New(reg, jobs)
	registerTestHandler(rpc, reg)

	printStartupBanner(cfg.RPCPort)

	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.RPCPort), Handler: rpc.Router()}

	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "rpc server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownDone <- srv.Shutdown(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "rpc server shutdown")
			}
			pterm.Success.Println("Daemon stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDaemon()
	if err != nil {
		return err
	}
	lifecycle, err := daemon.New(cfg.RuntimeDir)
	if err != nil {
		return err
	}
	if err := lifecycle.Stop(); err != nil {
		return err
	}
	pterm.Success.Println("Daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDaemon()
	if err != nil {
		return err
	}
	lifecycle, err := daemon.New(cfg.RuntimeDir)
	if err != nil {
		return err
	}
	pid, running := lifecycle.Status()
	if !running {
		pterm.Info.Println("Daemon is not running")
		return nil
	}
	pterm.Success.Printf("Daemon running (pid %d, port %d)\n", pid, cfg.RPCPort)
	return nil
}

func printStartupBanner(port int) {
	v := version.Get()
	pterm.DefaultHeader.WithFullWidth().Printf("instrument-server %s", v.Version)
	pterm.Info.Printf("RPC listening on 127.0.0.1:%d\n", port)
	pterm.Info.Println("Press Ctrl+C to stop")
}

// siblingBinary resolves name next to the currently-running executable,
// falling back to a bare name lookup on $PATH if it isn't there.
func siblingBinary(selfPath, name string) string {
	candidate := filepath.Join(filepath.Dir(selfPath), name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return name
}
