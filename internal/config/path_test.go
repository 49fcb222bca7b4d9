package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/stageflow" {
		t.Errorf("Expected /custom/data/stageflow, got %s", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Errorf("Expected fallback to './data', got %s", got)
	}
}

func TestIsDir(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "existing directory", path: ".", expected: true},
		{name: "non-existent path", path: "/non/existent/path/that/does/not/exist", expected: false},
		{name: "file instead of directory", path: os.Args[0], expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDir(tt.path); got != tt.expected {
				t.Errorf("isDir(%s) = %v, expected %v", tt.path, got, tt.expected)
			}
		})
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	result := DefaultDataDir()
	if !filepath.IsAbs(result) && !strings.HasPrefix(result, "./") {
		t.Errorf("DefaultDataDir should return absolute path or start with ./, got %s", result)
	}
	if result != "./data" && !strings.Contains(strings.ToLower(result), "stageflow") {
		t.Errorf("DefaultDataDir should contain 'stageflow', got %s", result)
	}
}

func TestStorePath(t *testing.T) {
	if got := (Config{DataDir: "/srv/stageflow"}).StorePath(); got != "/srv/stageflow" {
		t.Errorf("explicit DataDir should win, got %s", got)
	}
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := (Config{}).StorePath(); got != "/custom/data/stageflow/store" {
		t.Errorf("Expected /custom/data/stageflow/store, got %s", got)
	}
}
