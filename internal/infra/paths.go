package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "ctrld-sync"

// CacheDir returns the per-user cache directory:
// $XDG_CACHE_HOME or ~/.cache on Linux, ~/Library/Caches on macOS,
// %LOCALAPPDATA%\ctrld-sync\cache on Windows.
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache dir: %w", err)
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(base, appDirName, "cache"), nil
	}
	return filepath.Join(base, appDirName), nil
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}
