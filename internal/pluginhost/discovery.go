package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/instrument-server/logger"
)

// sharedLibExt is the platform-native dynamic library extension Discover
// scans for.
func sharedLibExt() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// manifest is the optional TOML sidecar named after the library (dmm.so
// reads dmm.toml from the same directory): a pre-flight check that
// lets Discover skip an expensive plugin.Open on an obviously
// incompatible candidate (Go plugins cannot be unloaded once opened).
type manifest struct {
	ProtocolType     string `toml:"protocol_type"`
	APIVersion       int    `toml:"api_version"`
	CompatibleRange  string `toml:"compatible_range"`
}

func readManifest(soPath string) (*manifest, bool) {
	manifestPath := soPath[:len(soPath)-len(filepath.Ext(soPath))] + ".toml"
	var m manifest
	if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// manifestCompatible reports whether the host's APIVersion satisfies the
// manifest's declared compatible_range (e.g. "^1.0.0"). An unparsable or
// absent range is treated as "no constraint" — the manifest is advisory,
// not authoritative; the api_version gate in Load is still enforced.
func manifestCompatible(m *manifest) bool {
	if m.CompatibleRange == "" {
		return true
	}
	constraint, err := semver.NewConstraint(m.CompatibleRange)
	if err != nil {
		return true
	}
	v, err := semver.NewVersion(fmt.Sprintf("v%d.0.0", APIVersion))
	if err != nil {
		return true
	}
	return constraint.Check(v)
}

// Registration is one surviving probed plugin, keyed by ProtocolType.
type Registration struct {
	Path     string
	Metadata Metadata
}

// Discover walks dirs for shared libraries, probes each by loading it and
// reading its metadata, and returns one Registration per distinct
// protocol_type. Duplicate protocols favor the first registered
// (directory order, then lexical file order within a directory).
func Discover(dirs []string) ([]Registration, error) {
	byProtocol := make(map[string]Registration)
	var order []string

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warnw("pluginhost: discovery directory unreadable", "dir", dir, "error", err)
			continue
		}

		var candidates []string
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != sharedLibExt() {
				continue
			}
			candidates = append(candidates, filepath.Join(dir, e.Name()))
		}
		sort.Strings(candidates)

		for _, path := range candidates {
			if m, ok := readManifest(path); ok {
				if m.APIVersion != 0 && m.APIVersion != APIVersion {
					logger.Warnw("pluginhost: skipping plugin, manifest api_version mismatch", "path", path)
					continue
				}
				if !manifestCompatible(m) {
					logger.Warnw("pluginhost: skipping plugin, manifest declares incompatible range", "path", path)
					continue
				}
			}

			driver, err := Load(path)
			if err != nil {
				logger.Warnw("pluginhost: probe failed", "path", path, "error", err)
				continue
			}
			meta := driver.Metadata()
			_ = driver.Close() // probing only; not keeping the driver instantiated

			if _, exists := byProtocol[meta.ProtocolType]; exists {
				continue // first registered wins
			}
			byProtocol[meta.ProtocolType] = Registration{Path: path, Metadata: meta}
			order = append(order, meta.ProtocolType)
		}
	}

	out := make([]Registration, 0, len(order))
	for _, proto := range order {
		out = append(out, byProtocol[proto])
	}
	return out, nil
}
