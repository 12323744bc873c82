package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// v4lDir holds the udev stable-name symlinks.
var v4lDir = "/dev/v4l"

// lookupID finds a node by the ID device enumeration reports.
var lookupID = lookupDeviceID

// ResolvePath turns a device argument into a node path. Paths are returned
// as given; anything else is looked up as a stable ID under /dev/v4l/by-id
// and then /dev/v4l/by-path, and finally among the enumerated devices.
func ResolvePath(device string) (string, error) {
	if device == "" {
		return "", fmt.Errorf("empty device")
	}
	if strings.ContainsRune(device, os.PathSeparator) {
		return device, nil
	}

	for _, dir := range []string{"by-id", "by-path"} {
		candidate := filepath.Join(v4lDir, dir, device)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, err := lookupID(device); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no device node or stable symlink found for %q", device)
}
