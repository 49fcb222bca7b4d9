package config

import (
	"os"
	"path/filepath"
)

const appDir = "stageflow"

// DefaultDataDir returns the per-user application data directory: the XDG
// data home when set, the platform location when its parent exists, and
// ~/.stageflow otherwise. Without a home directory it is ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	for _, c := range []struct{ parent, dir string }{
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Stageflow")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Stageflow")},
	} {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, "."+appDir)
}

// StorePath is where the Pebble store lives: DataDir when configured, else a
// "store" directory under DefaultDataDir.
func (c Config) StorePath() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(DefaultDataDir(), "store")
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
