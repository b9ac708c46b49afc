package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrWorkspaceInUse = errors.New("workspace already exists")

// Workspaces hands out one directory per build under root.
type Workspaces struct {
	root string
}

// NewWorkspaces creates a new Workspaces
func NewWorkspaces(root string) (*Workspaces, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return &Workspaces{root: root}, nil
}

func (w *Workspaces) Path(buildID string) (string, error) {
	if buildID == "" || buildID == "." || buildID == ".." || strings.ContainsAny(buildID, `/\`) {
		return "", fmt.Errorf("invalid build id %q", buildID)
	}
	return filepath.Join(w.root, buildID), nil
}

// Acquire creates the build's directory. It fails with ErrWorkspaceInUse if
// the directory is already there, so two runs can never share one.
func (w *Workspaces) Acquire(buildID string) (string, error) {
	dir, err := w.Path(buildID)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrWorkspaceInUse, dir)
		}
		return "", err
	}
	return dir, nil
}

// Release removes the build's directory. Missing directories are fine.
func (w *Workspaces) Release(buildID string) error {
	dir, err := w.Path(buildID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
