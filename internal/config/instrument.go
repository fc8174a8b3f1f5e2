// Package config loads daemon-level and per-instrument configuration.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/pluginhost"
)

// Instrument is one instrument's YAML configuration: its name, the
// connection parameters passed to the plugin's Initialize, and the
// reference to its logical API definition (spec.md §4.A "initialize(config)").
type Instrument struct {
	Name       string         `yaml:"name"`
	PluginPath string         `yaml:"plugin"`
	APIRef     string         `yaml:"api_ref"`
	Connection map[string]any `yaml:"connection"`

	// RateLimit caps sustained commands/sec sent to this instrument's
	// proxy; 0 (the default) means unlimited. Burst defaults to the
	// limit itself, rounded up to at least 1.
	RateLimit float64 `yaml:"rate_limit"`

	// resolved during LoadInstrument, not part of the wire format.
	configDir      string `yaml:"-"`
	resolvedAPIRef string `yaml:"-"`
}

// ConfigDir is the directory the config file was loaded from — api_ref
// resolves relative to it. The plugin path is not resolved here and is
// used as written.
func (i Instrument) ConfigDir() string { return i.configDir }

// ResolvedAPIRef is APIRef after resolution against ConfigDir.
func (i Instrument) ResolvedAPIRef() string { return i.resolvedAPIRef }

// LoadInstrument reads and parses a per-instrument YAML config file,
// resolving api_ref relative to the file's parent directory (spec §4.G
// api_ref resolution). A missing api_ref target is a fatal error for
// this create, per spec.
func LoadInstrument(path string) (Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Instrument{}, errors.Wrapf(err, "reading instrument config %s", path)
	}

	var inst Instrument
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return Instrument{}, errors.Wrapf(err, "parsing instrument config %s", path)
	}
	if inst.Name == "" {
		return Instrument{}, errors.Newf("instrument config %s missing required field: name", path)
	}

	inst.configDir = filepath.Dir(path)

	if inst.APIRef != "" {
		resolved, err := pluginhost.ResolveAPIRef(inst.configDir, inst.APIRef)
		if err != nil {
			return Instrument{}, errors.Wrapf(err, "resolving api_ref for %s", inst.Name)
		}
		if _, err := os.Stat(resolved); err != nil {
			return Instrument{}, errors.Wrapf(err, "api_ref target missing for %s", inst.Name)
		}
		inst.resolvedAPIRef = resolved
	}

	return inst, nil
}
