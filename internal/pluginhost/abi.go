// Package pluginhost loads and hosts instrument drivers: shared libraries
// built with Go's plugin toolchain, exposing a fixed four-symbol ABI.
package pluginhost

import "encoding/json"

// APIVersion is the host's compile-time ABI version. A driver whose
// Metadata.APIVersion does not equal this is rejected at load time.
const APIVersion = 1

// Metadata mirrors the C ABI's get_metadata() struct: fixed, small,
// advertised before the host commits to calling Initialize.
type Metadata struct {
	APIVersion   int    `toml:"api_version" json:"api_version"`
	Name         string `toml:"name" json:"name"`
	Version      string `toml:"version" json:"version"`
	ProtocolType string `toml:"protocol_type" json:"protocol_type"`
	Description  string `toml:"description" json:"description"`
}

// ExecuteResult is the driver's execute_command() response, translated
// from the C struct's parameter union + has_large_data flag.
type ExecuteResult struct {
	Status        int             `json:"status"`
	ReturnValue   json.RawMessage `json:"return_value,omitempty"`
	TextResponse  string          `json:"text_response,omitempty"`
	HasLargeData  bool            `json:"has_large_data"`
	BufferID      string          `json:"buffer_id,omitempty"`
	ElementCount  int             `json:"element_count,omitempty"`
	DataType      string          `json:"data_type,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Driver is the host-side sealed interface a loaded plugin presents —
// the idiomatic-Go stand-in for the spec's C-linkage entry points
// (get_metadata/initialize/execute_command/shutdown). Lifetime is RAII
// in spirit: Close must be called exactly once, and is safe to call
// multiple times (idempotent release, per spec).
type Driver interface {
	Metadata() Metadata
	Initialize(config json.RawMessage) error
	Execute(verb string, params json.RawMessage) (ExecuteResult, error)
	Close() error
}

// The four exported symbols every driver .so must define, with these
// exact function types. The host looks them up by name via plugin.Lookup;
// any missing symbol is a fatal load failure (spec §4.A).
type (
	GetMetadataFunc   func() Metadata
	InitializeFunc    func(config json.RawMessage) error
	ExecuteCommandFunc func(verb string, params json.RawMessage) (ExecuteResult, error)
	ShutdownFunc      func() error
)

const (
	SymGetMetadata   = "GetMetadata"
	SymInitialize    = "Initialize"
	SymExecuteCommand = "ExecuteCommand"
	SymShutdown      = "Shutdown"
)
