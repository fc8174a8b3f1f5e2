package pluginhost

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/teranos/instrument-server/errors"
)

// ExpandPath resolves a plugin path or api_ref: tilde expansion, file://
// stripping, and relative-to-absolute resolution via go-getter's
// Detect, grounded on the teacher's expandAndValidatePath.
func ExpandPath(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolving home directory")
		}
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolving home directory")
		}
		path = filepath.Join(home, path[2:])
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid plugin path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "parsing plugin path")
	}

	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "":
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", errors.Wrap(err, "making plugin path absolute")
		}
		return abs, nil
	default:
		return "", errors.Newf("unsupported plugin path scheme: %s", u.Scheme)
	}
}

// ResolveAPIRef resolves an api definition reference relative to a config
// file's parent directory — absolute paths and file:// URIs pass through,
// relative paths resolve against baseDir (spec §4.G api_ref resolution).
func ResolveAPIRef(baseDir, ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	if strings.HasPrefix(ref, "file://") {
		return strings.TrimPrefix(ref, "file://"), nil
	}
	return filepath.Join(baseDir, ref), nil
}
