package commands

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/pluginhost"
)

var discoverWatch bool

var discoverCmd = &cobra.Command{
	Use:   "discover [paths...]",
	Short: "Scan directories for driver plugins and print their metadata",
	RunE:  runDiscover,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List plugins discoverable under ./plugins",
	RunE:  runPlugins,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverWatch, "watch", false, "keep running and re-scan whenever a directory's contents change")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	dirs := args
	if len(dirs) == 0 {
		dirs = []string{"./plugins"}
	}
	if err := printDiscovered(dirs); err != nil {
		return err
	}
	if discoverWatch {
		return watchAndRediscover(dirs)
	}
	return nil
}

// watchAndRediscover re-runs the scan on every filesystem event under dirs
// until the process is interrupted. A plugin drop or a manifest edit is the
// common case this serves during driver development.
func watchAndRediscover(dirs []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating plugin directory watcher")
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return errors.Wrapf(err, "watching %s", dir)
		}
	}

	pterm.Info.Println("watching for plugin changes, press Ctrl+C to stop")
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pterm.Printf("change detected: %s\n", event.Name)
			if err := printDiscovered(dirs); err != nil {
				pterm.Warning.Printf("re-scan failed: %s\n", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			pterm.Warning.Printf("watch error: %s\n", err)
		}
	}
}

func runPlugins(cmd *cobra.Command, args []string) error {
	return printDiscovered([]string{"./plugins"})
}

func printDiscovered(dirs []string) error {
	regs, err := pluginhost.Discover(dirs)
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		pterm.Info.Println("no plugins found")
		return nil
	}
	for _, r := range regs {
		pterm.Printf("%s  protocol=%s  version=%s  path=%s\n", r.Metadata.Name, r.Metadata.ProtocolType, r.Metadata.Version, r.Path)
	}
	return nil
}
