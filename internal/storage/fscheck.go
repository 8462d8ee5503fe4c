package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystems on which flock and sqlite locking cannot be trusted.
var networkFilesystems = map[string]struct{}{
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"lustre": {},
	"gpfs":   {},
}

// CheckLocal rejects paths that live on a network filesystem. The state
// database and the spool directory both hold node-private data.
func CheckLocal(path string) error {
	return checkLocalWith(path, detectFilesystemType)
}

func checkLocalWith(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unknown platforms cannot be checked; treat as local.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("path %q is on network filesystem %q; node state must be on local disk (see state.path and node.spool_dir)",
			path, fsType)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
