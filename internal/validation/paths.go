// Package validation checks externally supplied names before they are used
// to build scratch paths. Task ids and source filenames both arrive from the
// control plane and must never escape the scratch tree.
package validation

import (
	"fmt"
	"strings"
)

const maxNameLength = 255

// ValidateFilename validates a bare filename (not a path) before it is
// joined into a task directory. Rejects empties, path separators, null
// bytes and the literal "..". Names like "a..b.mp4" are fine.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("filename exceeds %d bytes", maxNameLength)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("filename contains a null byte")
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, '\\') {
		return fmt.Errorf("filename cannot contain path separators: %s", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("filename cannot be %q", name)
	}
	return nil
}

// ValidateTaskID validates a task id before it names a scratch directory
// and an object key. The constraints match ValidateFilename; ids also must
// not begin with a dot so scratch entries stay visible to cleanup tooling.
func ValidateTaskID(id string) error {
	if err := ValidateFilename(id); err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid task id: cannot begin with a dot: %s", id)
	}
	return nil
}
