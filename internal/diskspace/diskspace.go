// Package diskspace checks free space on the scratch volume before a
// download is admitted.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// InsufficientSpaceError indicates that there is not enough disk space
// available for an operation.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// CheckAvailableSpace checks whether the filesystem holding targetPath has
// room for requiredBytes scaled by safetyMargin. The margin covers the
// source plus the transcode output that lands on the same volume.
//
// When the filesystem cannot be queried the check passes: the operation is
// allowed to proceed and fail naturally. Network and virtual filesystems
// routinely fall in this bucket.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	usage, err := disk.Usage(filepath.Dir(targetPath))
	if err != nil {
		return nil
	}

	availableBytes := int64(usage.Free)
	requiredWithMargin := int64(float64(requiredBytes) * safetyMargin)

	if availableBytes < requiredWithMargin {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  requiredWithMargin,
			AvailableBytes: availableBytes,
		}
	}
	return nil
}

// GetAvailableSpace returns the free bytes on the filesystem containing the
// given path, or 0 when it cannot be determined.
func GetAvailableSpace(path string) int64 {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return 0
	}
	return int64(usage.Free)
}

// IsInsufficientSpaceError reports whether err is, or wraps, an
// InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var target *InsufficientSpaceError
	return errors.As(err, &target)
}
