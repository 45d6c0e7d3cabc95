package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns build-specific working directories under a common root.
type Workspace struct {
	root string
}

// NewWorkspace ensures the workspace root exists and is accessible.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Prepare creates an isolated directory for the provided build identifier.
func (w *Workspace) Prepare(buildID string) (string, error) {
	if buildID == "" {
		return "", fmt.Errorf("build identifier cannot be empty")
	}
	dir := filepath.Join(w.root, buildID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// ArtifactDir returns (and creates) the directory artifacts are written to.
func (w *Workspace) ArtifactDir(buildID string) (string, error) {
	dir := filepath.Join(w.root, "artifacts", buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (w *Workspace) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
