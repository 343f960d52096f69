// Package workspace manages the scratch tree for in-flight tasks: one
// directory per task for its download, plus a sibling _converted.mp4 for the
// transcode output.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

// Manager owns the scratch tree. All per-task paths live under Root.
type Manager struct {
	root string
}

// New returns a manager rooted at <systemTemp>/videoconverter.
func New() *Manager {
	return &Manager{root: filepath.Join(os.TempDir(), constants.ScratchDirName)}
}

// NewAt returns a manager rooted at an explicit directory. Used by tests and
// the local one-shot mode.
func NewAt(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the scratch root.
func (m *Manager) Root() string {
	return m.root
}

// EnsureRoot creates the scratch root.
func (m *Manager) EnsureRoot() error {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return fmt.Errorf("failed to create scratch root %s: %w", m.root, err)
	}
	return nil
}

// TaskDir creates and returns the per-task download directory.
func (m *Manager) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(m.root, taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create task dir %s: %w", dir, err)
	}
	return dir, nil
}

// SourcePath returns the download destination for the named source file
// inside the task directory. The directory is not created.
func (m *Manager) SourcePath(taskID, name string) string {
	return filepath.Join(m.root, taskID, name)
}

// ConvertedPath returns the transcode output path, a sibling of the task
// directory rather than a child so the directory can be dropped while the
// output is still uploading.
func (m *Manager) ConvertedPath(taskID string) string {
	return filepath.Join(m.root, taskID+constants.ConvertedSuffix)
}

// CleanTask removes the task directory and the converted output. Cleaning a
// task that left nothing behind succeeds.
func (m *Manager) CleanTask(taskID string) error {
	dir := filepath.Join(m.root, taskID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove task dir %s: %w", dir, err)
	}

	converted := m.ConvertedPath(taskID)
	if err := os.Remove(converted); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove converted output %s: %w", converted, err)
	}
	return nil
}
