package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatInfo is the container-level metadata read from a source file.
type FormatInfo struct {
	Duration    time.Duration
	BitrateKbps int
	Size        int64
	FormatName  string
}

// probeOutput mirrors the slice of ffprobe's -show_format JSON we consume.
// ffprobe emits numeric fields as strings.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

// ProbeDuration returns the container duration of input. Sources whose
// container reports no duration are rejected: the bitrate solver and the
// progress percentage both need it.
func (t *Transcoder) ProbeDuration(ctx context.Context, input string) (time.Duration, error) {
	info, err := t.ProbeFormat(ctx, input)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// ProbeFormat runs ffprobe against input and decodes its format block.
func (t *Transcoder) ProbeFormat(ctx context.Context, input string) (*FormatInfo, error) {
	cmd := execCommandContext(ctx, t.opts.FFprobePath,
		"-v", "error",
		"-show_entries", "format=format_name,duration,size,bit_rate",
		"-of", "json",
		input,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("ffprobe %s failed: %s", input, detail)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decoding ffprobe output for %s: %w", input, err)
	}
	if out.Format.Duration == "" {
		return nil, fmt.Errorf("source %s reports no duration", input)
	}
	secs, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return nil, fmt.Errorf("source %s reports invalid duration %q", input, out.Format.Duration)
	}

	info := &FormatInfo{
		Duration:   time.Duration(secs * float64(time.Second)),
		FormatName: out.Format.FormatName,
	}
	if out.Format.Size != "" {
		info.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	}
	if out.Format.BitRate != "" {
		if bps, err := strconv.ParseInt(out.Format.BitRate, 10, 64); err == nil {
			info.BitrateKbps = int(bps / 1000)
		}
	}
	return info, nil
}
