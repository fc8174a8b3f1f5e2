package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/spf13/viper"

	"github.com/teranos/instrument-server/errors"
)

// DefaultRPCPort is used when INSTRUMENT_SERVER_RPC_PORT is unset.
const DefaultRPCPort = 8761

// Daemon holds daemon-wide settings, sourced from environment and an
// optional config file via viper — the teacher's own config-loading
// library.
type Daemon struct {
	RPCPort    int
	RuntimeDir string
	PluginDirs []string
}

// LoadDaemon builds Daemon settings from environment variables and any
// instrument-server.yaml found on viper's search path.
func LoadDaemon() (Daemon, error) {
	v := viper.New()
	v.SetConfigName("instrument-server")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/instrument-server")
	v.SetDefault("plugin_dirs", []string{"./plugins"})
	v.SetEnvPrefix("INSTRUMENT_SERVER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Daemon{}, errors.Wrap(err, "reading instrument-server config")
		}
	}

	port := DefaultRPCPort
	if raw := os.Getenv("INSTRUMENT_SERVER_RPC_PORT"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 65535 {
			return Daemon{}, errors.Newf("INSTRUMENT_SERVER_RPC_PORT must be 1..65535, got %q", raw)
		}
		port = parsed
	}

	return Daemon{
		RPCPort:    port,
		RuntimeDir: RuntimeDir(),
		PluginDirs: v.GetStringSlice("plugin_dirs"),
	}, nil
}

// RuntimeDir resolves the platform-specific runtime directory the daemon
// writes its pid/lock files under: XDG_RUNTIME_DIR on Unix,
// LOCALAPPDATA on Windows, falling back to os.TempDir.
func RuntimeDir() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "instrument-server")
		}
		return filepath.Join(os.TempDir(), "instrument-server")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "instrument-server")
	}
	return filepath.Join(os.TempDir(), "instrument-server")
}
