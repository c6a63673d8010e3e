package astap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"blindsolve/internal/fsutil"
)

// ErrExecutableNotFound is returned when the configured solver path does not exist.
var ErrExecutableNotFound = errors.New("astap executable not found")

// Platform names as reported by runtime.GOOS.
const (
	PlatformDarwin  = "darwin"
	PlatformLinux   = "linux"
	PlatformWindows = "windows"
)

// ResolveExecutable maps a configured path to the binary to run.
// On darwin an .app bundle path points at the binary inside the bundle.
func ResolveExecutable(path, platform string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrExecutableNotFound
	}
	if platform == PlatformDarwin && strings.HasSuffix(strings.TrimRight(path, "/"), ".app") {
		path = filepath.Join(strings.TrimRight(path, "/"), "Contents", "MacOS", "ASTAP")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, path)
	}
	return path, nil
}

// ToolStatus describes whether a configured solver can be used.
type ToolStatus struct {
	Available bool
	Path      string
	Error     error
}

// CheckTool reports the status of the solver at path without running it.
func CheckTool(path, platform string) ToolStatus {
	exe, err := ResolveExecutable(path, platform)
	if err != nil {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	if platform != PlatformWindows {
		info, err := os.Stat(exe)
		if err == nil && info.Mode().Perm()&0o111 == 0 {
			return ToolStatus{Available: false, Path: exe, Error: fmt.Errorf("%s is not executable", exe)}
		}
	}
	return ToolStatus{Available: true, Path: exe}
}

// DefaultLocations lists the usual install paths for platform.
func DefaultLocations(platform string) []string {
	switch platform {
	case PlatformDarwin:
		return []string{"/Applications/ASTAP.app"}
	case PlatformWindows:
		return []string{`C:\Program Files\astap\astap.exe`, `C:\Program Files (x86)\astap\astap.exe`}
	default:
		return []string{"/usr/local/bin/astap", "/usr/bin/astap", "/opt/astap/astap"}
	}
}

// Detect returns the first default location that exists, or "".
func Detect(platform string) string {
	return fsutil.FirstExisting(DefaultLocations(platform)...)
}
