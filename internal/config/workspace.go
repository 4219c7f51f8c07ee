package config

import (
	"os"
	"path/filepath"
)

// DirName is the per-workspace directory holding config and state.
const DirName = ".organon"

// DefaultConfigPath returns <workspace>/.organon/config.yaml.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, DirName, "config.yaml")
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .organon directory. If none is found, returns the working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if fi, err := os.Stat(filepath.Join(dir, DirName)); err == nil && fi.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
