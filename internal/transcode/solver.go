package transcode

import (
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

// SolveVideoBitrate returns the video bitrate in kbps whose output fits
// maxFileSize over the given duration once the audio budget is reserved:
//
//	video = min(maxKbps, floor(maxFileSize*8/duration) - audio)
//
// The result never drops below the package floor; very long sources encode
// at the floor even if the projected file overshoots the ceiling, which the
// upload stage tolerates.
func SolveVideoBitrate(duration time.Duration, maxFileSize int64, maxKbps int) int {
	secs := duration.Seconds()
	if secs <= 0 {
		return constants.MinVideoBitrateKbps
	}
	totalKbps := int(float64(maxFileSize) * 8 / secs / 1000)
	video := totalKbps - constants.SolverAudioBitrateKbps
	if video > maxKbps {
		video = maxKbps
	}
	if video < constants.MinVideoBitrateKbps {
		video = constants.MinVideoBitrateKbps
	}
	return video
}
