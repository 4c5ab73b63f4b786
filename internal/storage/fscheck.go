package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem classes for the state database.
const (
	FilesystemLocal   = "local"
	FilesystemNetwork = "network"
	FilesystemUnknown = "unknown"
)

// networkFilesystems lists types whose byte-range locks do not reliably
// serialize writers on different hosts.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// StateFilesystem describes where the state database lives. Every guarded
// write (job claim, kill, promotion, runner start under power) relies on
// SQLite's file lock, so the class decides whether those guards hold.
type StateFilesystem struct {
	Path      string `json:"path"`
	Inspected string `json:"inspected"`
	Type      string `json:"type"`
	Class     string `json:"class"`
}

// Local reports whether the guards can rely on the file lock.
func (s StateFilesystem) Local() bool { return s.Class == FilesystemLocal }

// InspectStateFilesystem classifies the filesystem holding path. The database
// need not exist yet; its nearest existing parent is inspected instead.
func InspectStateFilesystem(path string) (StateFilesystem, error) {
	return inspectWith(path, detectFilesystemType)
}

func inspectWith(path string, detector func(string) (string, error)) (StateFilesystem, error) {
	if path == "" {
		return StateFilesystem{}, fmt.Errorf("sqlite path is empty")
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return StateFilesystem{}, fmt.Errorf("resolve database path %q: %w", path, err)
	}
	st := StateFilesystem{Path: path, Inspected: inspect, Class: FilesystemUnknown}

	fsType, err := detector(inspect)
	if errors.Is(err, errUndetectable) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	st.Type = strings.TrimSpace(strings.ToLower(fsType))
	if _, ok := networkFilesystems[st.Type]; ok {
		st.Class = FilesystemNetwork
	} else {
		st.Class = FilesystemLocal
	}
	return st, nil
}

var errUndetectable = errors.New("filesystem detection is unsupported on this platform")

// validateSQLiteFilesystem refuses to open state on a network filesystem.
// An undetectable type is allowed; doctor reports it.
func validateSQLiteFilesystem(path string) error {
	st, err := InspectStateFilesystem(path)
	if err != nil {
		return err
	}
	return refuseNetwork(st)
}

func refuseNetwork(st StateFilesystem) error {
	if st.Class != FilesystemNetwork {
		return nil
	}
	return fmt.Errorf(
		"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking and the job claim, kill, promotion and power guards depend on it. Use a local path via state.path",
		st.Path, st.Type)
}

func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}
