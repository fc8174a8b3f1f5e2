// Package ierr declares the sentinel errors for the error taxonomy in
// SPEC_FULL.md §7, so call sites can classify failures with errors.Is
// instead of matching on message strings.
package ierr

import "github.com/teranos/instrument-server/errors"

// Configuration errors: missing required YAML field, bad type, bad api_ref.
var ErrConfig = errors.New("configuration error")

// Plugin-load errors: file missing, symbol missing, api_version mismatch.
var (
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrPluginSymbol      = errors.New("plugin missing required symbol")
	ErrPluginAPIMismatch = errors.New("plugin api_version mismatch")
)

// IPC errors: queue create/open, send timeout, receive size mismatch.
var (
	ErrQueueCreate  = errors.New("ipc queue create/open failed")
	ErrQueueFull    = errors.New("ipc send timeout: queue full")
	ErrFrameSize    = errors.New("ipc receive: frame size mismatch")
)

// Worker-side errors: plugin returns non-zero or marks failure explicitly.
var ErrPluginExecute = errors.New("plugin execute_command failed")

// Timeouts: a future wait exceeded command.Timeout.
var ErrCommandTimeout = errors.New("command timeout")

// Worker death: pending futures resolved with synthetic failure.
var ErrWorkerDead = errors.New("worker process died")

// Script runtime errors surfaced by a measure job.
var ErrScriptRuntime = errors.New("script runtime error")

// Protocol errors on the RPC surface: malformed JSON, unknown command.
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownCommand   = errors.New("unknown rpc command")
)

// Barrier/coordinator errors.
var (
	ErrBarrierUnknown        = errors.New("sync barrier unknown")
	ErrBarrierInstrumentUnknown = errors.New("instrument not expected by barrier")
)

// Job manager errors.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotTerminal = errors.New("job result unavailable before completion")
	ErrUnknownJobType = errors.New("unknown job type")
)

// Registry errors.
var (
	ErrInstrumentExists   = errors.New("instrument already registered")
	ErrInstrumentNotFound = errors.New("instrument not found")
)

// Buffer pool errors.
var (
	ErrBufferNotFound  = errors.New("buffer not found")
	ErrBufferTypeMismatch = errors.New("buffer data type mismatch")
	ErrUnknownDataType = errors.New("unknown buffer data type")
)

// Daemon lifecycle errors.
var (
	ErrDaemonAlreadyRunning = errors.New("daemon already running")
	ErrDaemonNotRunning     = errors.New("daemon not running")
)
