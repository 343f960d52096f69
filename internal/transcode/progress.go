package transcode

import (
	"regexp"
	"strconv"
	"strings"
)

// Progress is one sample decoded from ffmpeg's stderr stats line.
type Progress struct {
	Frame       int64
	FPS         float64
	BitrateKbps float64
	// Timemark is the raw HH:MM:SS.cc position within the source.
	Timemark string
	// Seconds is Timemark parsed to seconds.
	Seconds float64
	// Speed is the encode speed relative to realtime (1.0 = realtime).
	Speed float64
	// Percent is Seconds against the probed source duration, 0..100.
	// Filled by the supervisor, not the parser.
	Percent float64
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeRe    = regexp.MustCompile(`time=\s*(-?\d+:\d+:\d+(?:\.\d+)?)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// ParseStats decodes one ffmpeg stats line. Lines that are not stats lines
// (encoder banners, warnings, errors) return nil and should be kept as
// diagnostics instead. Fields ffmpeg reports as N/A stay zero.
func ParseStats(line string) *Progress {
	if !strings.Contains(line, "frame=") || !strings.Contains(line, "time=") {
		return nil
	}
	p := &Progress{}
	if m := frameRe.FindStringSubmatch(line); m != nil {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		p.Timemark = m[1]
		p.Seconds = parseTimemark(m[1])
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		p.BitrateKbps, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	return p
}

// parseTimemark converts an HH:MM:SS.cc timemark to seconds. ffmpeg emits
// negative marks before the first decoded frame; those clamp to zero.
func parseTimemark(mark string) float64 {
	if strings.HasPrefix(mark, "-") {
		return 0
	}
	parts := strings.Split(mark, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.ParseFloat(parts[0], 64)
	m, err2 := strconv.ParseFloat(parts[1], 64)
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	total := h*3600 + m*60 + s
	if total < 0 {
		return 0
	}
	return total
}
