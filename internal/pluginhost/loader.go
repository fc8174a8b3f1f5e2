package pluginhost

import (
	"encoding/json"
	gplugin "plugin"
	"sync"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/ierr"
)

// loadedDriver adapts the four raw symbols resolved from a Go plugin .so
// into the Driver interface, guaranteeing Shutdown runs at most once.
type loadedDriver struct {
	metadata Metadata
	initFn   InitializeFunc
	execFn   ExecuteCommandFunc
	downFn   ShutdownFunc

	once   sync.Once
	closed error
}

func (d *loadedDriver) Metadata() Metadata { return d.metadata }

func (d *loadedDriver) Initialize(config json.RawMessage) error {
	return d.initFn(config)
}

func (d *loadedDriver) Execute(verb string, params json.RawMessage) (ExecuteResult, error) {
	return d.execFn(verb, params)
}

// Close calls the driver's shutdown exactly once, idempotent on repeat
// calls as the spec requires ("shutdown() — idempotent release").
func (d *loadedDriver) Close() error {
	d.once.Do(func() {
		d.closed = d.downFn()
	})
	return d.closed
}

// Load opens the shared object at path, resolves all four mandatory
// symbols, and enforces the api_version gate. A Go plugin, once opened,
// cannot be unloaded by the runtime — a known stdlib limitation; a
// version-gate rejection here still leaves the .so mapped in the
// process, which is why Discover probes manifests first where possible
// to avoid paying this cost on an obviously incompatible candidate.
func Load(path string) (Driver, error) {
	p, err := gplugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening plugin %s", path)
	}

	getMetadata, err := lookup[GetMetadataFunc](p, SymGetMetadata)
	if err != nil {
		return nil, err
	}
	initFn, err := lookup[InitializeFunc](p, SymInitialize)
	if err != nil {
		return nil, err
	}
	execFn, err := lookup[ExecuteCommandFunc](p, SymExecuteCommand)
	if err != nil {
		return nil, err
	}
	downFn, err := lookup[ShutdownFunc](p, SymShutdown)
	if err != nil {
		return nil, err
	}

	meta := getMetadata()
	if meta.APIVersion != APIVersion {
		return nil, errors.Wrapf(ierr.ErrPluginAPIMismatch, "plugin %s reports api_version %d, host requires %d",
			path, meta.APIVersion, APIVersion)
	}

	return &loadedDriver{metadata: meta, initFn: initFn, execFn: execFn, downFn: downFn}, nil
}

func lookup[T any](p *gplugin.Plugin, symbol string) (T, error) {
	var zero T
	sym, err := p.Lookup(symbol)
	if err != nil {
		return zero, errors.Wrapf(ierr.ErrPluginSymbol, "missing symbol %s: %v", symbol, err)
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, errors.Wrapf(ierr.ErrPluginSymbol, "symbol %s has unexpected type", symbol)
	}
	return fn, nil
}
