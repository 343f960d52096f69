// Package models defines the task and telemetry shapes exchanged with the
// control plane. JSON field names are camelCase to match its wire format.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	StatusWaiting     TaskStatus = "WAITING"
	StatusDownloading TaskStatus = "DOWNLOADING"
	StatusConverting  TaskStatus = "CONVERTING"
	StatusUploading   TaskStatus = "UPLOADING"
	StatusFinished    TaskStatus = "FINISHED"
	StatusFailed      TaskStatus = "FAILED"
	StatusPaused      TaskStatus = "PAUSED"
)

// Terminal reports whether the status is FINISHED or FAILED.
func (s TaskStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Task represents a transcode job as exchanged with the control plane.
type Task struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Status        TaskStatus     `json:"status"`
	Priority      int            `json:"priority"`
	ConvertParams *ConvertParams `json:"convertParams,omitempty"`
	DownloadInfo  *DownloadInfo  `json:"downloadInfo,omitempty"`
	ConvertInfo   *ConvertInfo   `json:"convertInfo,omitempty"`
	UploadInfo    *UploadInfo    `json:"uploadInfo,omitempty"`
	Result        *TaskResult    `json:"result,omitempty"`
	Error         *TaskError     `json:"error,omitempty"`
}

// ConvertParams selects the encoder configuration for a task.
type ConvertParams struct {
	VideoCodec string `json:"videoCodec"`
	AudioCodec string `json:"audioCodec"`
	Preset     string `json:"preset"`
	Resolution string `json:"resolution"` // "WxH", e.g. "1920x1080"
}

// DefaultConvertParams returns the encoder configuration applied when the
// control plane sends a task without one.
func DefaultConvertParams() *ConvertParams {
	return &ConvertParams{
		VideoCodec: "h264",
		AudioCodec: "aac",
		Preset:     "medium",
		Resolution: "1920x1080",
	}
}

// Resolution is a parsed output size.
type Resolution struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// ParseResolution parses a "WxH" string.
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return Resolution{}, fmt.Errorf("invalid resolution width %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return Resolution{}, fmt.Errorf("invalid resolution height %q", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// String renders the resolution back to "WxH".
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// StageProgress is the progress envelope shared by the three stages.
// Timestamps are unix milliseconds; speeds are bytes per second.
type StageProgress struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime,omitempty"`
	// FileSize mirrors TotalSize; the control plane reads either name.
	FileSize     int64   `json:"fileSize"`
	TotalSize    int64   `json:"totalSize"`
	CurrentSize  int64   `json:"currentSize"`
	Progress     float64 `json:"progress"` // 0..100
	CurrentSpeed float64 `json:"currentSpeed"`
	AverageSpeed float64 `json:"averageSpeed"`
	ETA          float64 `json:"eta"` // seconds
}

// NewStageProgress returns an envelope stamped with the current time.
func NewStageProgress(totalSize int64) StageProgress {
	return StageProgress{
		StartTime: time.Now().UnixMilli(),
		FileSize:  totalSize,
		TotalSize: totalSize,
	}
}

// DownloadInfo is the per-task download progress record.
type DownloadInfo struct {
	StageProgress
}

// ConvertInfo is the per-task transcode progress record.
type ConvertInfo struct {
	StageProgress
	CurrentFps     float64        `json:"currentFps"`
	CurrentFrame   int64          `json:"currentFrame"`
	CurrentBitrate float64        `json:"currentBitrate"` // kbps
	Preset         string         `json:"preset,omitempty"`
	Params         *ConvertParams `json:"params,omitempty"`
	Resolution     *Resolution    `json:"resolution,omitempty"`
	// DurationMs is the probed source duration, filled when the encode
	// finishes.
	DurationMs int64 `json:"durationMs,omitempty"`
}

// UploadInfo is the per-task upload progress record.
type UploadInfo struct {
	StageProgress
	TargetURL string `json:"targetUrl,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// TaskResult is populated on successful completion.
type TaskResult struct {
	TotalDuration    int64   `json:"totalDuration"` // milliseconds
	CompressionRatio float64 `json:"compressionRatio"`
	Status           string  `json:"status"` // "success" or "failed"
}

// Clone returns a deep copy safe for use outside the owning goroutine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.ConvertParams != nil {
		p := *t.ConvertParams
		c.ConvertParams = &p
	}
	if t.DownloadInfo != nil {
		d := *t.DownloadInfo
		c.DownloadInfo = &d
	}
	if t.ConvertInfo != nil {
		ci := *t.ConvertInfo
		if t.ConvertInfo.Params != nil {
			p := *t.ConvertInfo.Params
			ci.Params = &p
		}
		if t.ConvertInfo.Resolution != nil {
			r := *t.ConvertInfo.Resolution
			ci.Resolution = &r
		}
		c.ConvertInfo = &ci
	}
	if t.UploadInfo != nil {
		u := *t.UploadInfo
		c.UploadInfo = &u
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		if t.Error.TempFiles != nil {
			tf := *t.Error.TempFiles
			e.TempFiles = &tf
		}
		c.Error = &e
	}
	return &c
}
