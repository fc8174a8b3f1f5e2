// Package daemon manages the instrument-server daemon's singleton
// lifecycle: pidfile/lockfile placement under the runtime directory and
// start/stop/status. The graceful double-Ctrl+C shutdown sequence itself
// lives in the CLI's `daemon start` command, not in this package.
package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/ierr"
	"github.com/teranos/instrument-server/logger"
)

const (
	pidFileName  = "server.pid"
	lockFileName = "server.lock"

	stopGraceTimeout = 5 * time.Second
	stopPollInterval = 100 * time.Millisecond
)

// Lifecycle owns the pidfile/lockfile under runtimeDir for one daemon
// instance.
type Lifecycle struct {
	runtimeDir string
}

// New returns a Lifecycle rooted at runtimeDir, creating it if necessary.
func New(runtimeDir string) (*Lifecycle, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating runtime dir %s", runtimeDir)
	}
	return &Lifecycle{runtimeDir: runtimeDir}, nil
}

func (l *Lifecycle) pidPath() string  { return filepath.Join(l.runtimeDir, pidFileName) }
func (l *Lifecycle) lockPath() string { return filepath.Join(l.runtimeDir, lockFileName) }

// Acquire claims the singleton lock for this process, refusing if another
// live daemon already holds it (O_EXCL lockfile create, stale-lock
// recovery if the recorded pid is no longer running).
func (l *Lifecycle) Acquire() error {
	if pid, ok := l.readPID(); ok {
		if l.processAlive(pid) {
			return errors.Wrapf(ierr.ErrDaemonAlreadyRunning, "pid %d", pid)
		}
		logger.WorkerWarnw("removing stale pidfile", "pid", pid)
		_ = os.Remove(l.pidPath())
		_ = os.Remove(l.lockPath())
	}

	lock, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(ierr.ErrDaemonAlreadyRunning, "lockfile %s held", l.lockPath())
	}
	lock.Close()

	return os.WriteFile(l.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the pidfile and lockfile — called once on a clean
// shutdown. Safe to call even if Acquire was never successfully called.
func (l *Lifecycle) Release() {
	_ = os.Remove(l.pidPath())
	_ = os.Remove(l.lockPath())
}

// Status reports whether a live daemon is registered and its pid.
func (l *Lifecycle) Status() (pid int, running bool) {
	p, ok := l.readPID()
	if !ok {
		return 0, false
	}
	return p, l.processAlive(p)
}

// Stop sends SIGTERM to the registered daemon, waits up to
// stopGraceTimeout for it to exit and clean up its own files, then
// kills it and removes the pidfile/lockfile if it's still alive past
// the grace period (mirroring the "second Ctrl+C forces exit" contract,
// here applied from the controlling `stop` command's point of view).
func (l *Lifecycle) Stop() error {
	pid, running := l.Status()
	if !running {
		return errors.Wrap(ierr.ErrDaemonNotRunning, "stop")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.Wrapf(err, "finding process %d", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "signaling process %d", pid)
	}

	deadline := time.Now().Add(stopGraceTimeout)
	for time.Now().Before(deadline) {
		if !l.processAlive(pid) {
			l.Release()
			return nil
		}
		time.Sleep(stopPollInterval)
	}

	logger.WorkerWarnw("daemon did not exit within grace period, forcing kill", "pid", pid)
	_ = proc.Kill()
	l.Release()
	return nil
}

func (l *Lifecycle) readPID() (int, bool) {
	data, err := os.ReadFile(l.pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func (l *Lifecycle) processAlive(pid int) bool {
	running, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return running
}
