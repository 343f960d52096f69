package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/diskspace"
	"github.com/vidfleet/vidfleet-runner/internal/download"
	"github.com/vidfleet/vidfleet-runner/internal/events"
	"github.com/vidfleet/vidfleet-runner/internal/models"
	"github.com/vidfleet/vidfleet-runner/internal/objectstore"
	"github.com/vidfleet/vidfleet-runner/internal/queue"
	"github.com/vidfleet/vidfleet-runner/internal/transcode"
	"github.com/vidfleet/vidfleet-runner/internal/validation"
)

// State is one step of a task's lifecycle. Process returns the next state to
// drive immediately, or nil to yield the task back to the queue. An error
// fails the task.
type State interface {
	Process(ctx context.Context, task *models.Task) (State, error)
	Name() string
}

// Waiting is the entry state of a freshly bound task. It does no work of its
// own and hands straight over to Downloading.
type Waiting struct {
	deps *Deps
}

func (s *Waiting) Name() string { return "waiting" }

func (s *Waiting) Process(ctx context.Context, task *models.Task) (State, error) {
	return &Downloading{deps: s.deps}, nil
}

// Downloading fetches the task's source into its scratch directory, records
// the local path in the carry and notifies the control plane.
type Downloading struct {
	deps *Deps
}

func (s *Downloading) Name() string { return "downloading" }

func (s *Downloading) Process(ctx context.Context, task *models.Task) (State, error) {
	setStatus(s.deps, task, models.StatusDownloading)

	if _, err := s.deps.Workspace.TaskDir(task.ID); err != nil {
		return nil, err
	}
	dest := s.deps.Workspace.SourcePath(task.ID, sourceFileName(task.Source))

	// Sources that answer the size probe get a scratch space check before
	// any bytes move. The margin covers the source plus the converted copy.
	if size, probeErr := s.deps.Downloader.ProbeSize(ctx, task.Source); probeErr == nil && size > 0 {
		if spaceErr := diskspace.CheckAvailableSpace(dest, size, constants.ScratchSpaceFactor); spaceErr != nil {
			return nil, spaceErr
		}
	}

	info := &models.DownloadInfo{StageProgress: models.NewStageProgress(0)}
	task.DownloadInfo = info
	rep := newReporter(constants.ProgressReportInterval)

	downloaded, err := s.deps.Downloader.Download(ctx, task.Source, dest, func(p download.Progress) {
		info.TotalSize = p.TotalSize
		info.FileSize = p.TotalSize
		info.CurrentSize = p.Downloaded
		info.Progress = p.Percent
		info.CurrentSpeed = p.CurrentSpeed
		info.AverageSpeed = p.AverageSpeed
		info.ETA = p.ETASeconds
		if p.Percent >= 100 {
			info.EndTime = time.Now().UnixMilli()
		}
		publishProgress(s.deps, task.ID, string(queue.StageDownload), &info.StageProgress)
		if rep.ready(p.Percent) {
			s.deps.API.ReportDownload(ctx, task.ID, info)
		}
	})
	if err != nil {
		return nil, err
	}

	s.deps.Carry.SetDownloaded(task.ID, downloaded)
	if err := s.deps.API.DownloadComplete(ctx, task.ID, downloaded); err != nil {
		return nil, err
	}

	log.Info().Str("task", task.ID).Str("path", downloaded).Msg("Download stage done")
	return nil, nil
}

// Converting re-encodes the downloaded file into the task's output format
// next to the task directory, records the path and notifies the control
// plane.
type Converting struct {
	deps *Deps
}

func (s *Converting) Name() string { return "converting" }

func (s *Converting) Process(ctx context.Context, task *models.Task) (State, error) {
	setStatus(s.deps, task, models.StatusConverting)

	entry, ok := s.deps.Carry.Get(task.ID)
	if !ok || entry.DownloadedFilePath == "" {
		return nil, fmt.Errorf("no downloaded file recorded for task %s", task.ID)
	}
	input := entry.DownloadedFilePath
	output := s.deps.Workspace.ConvertedPath(task.ID)

	params := task.ConvertParams
	if params == nil {
		params = models.DefaultConvertParams()
		task.ConvertParams = params
	}

	var inputSize int64
	if fi, statErr := os.Stat(input); statErr == nil {
		inputSize = fi.Size()
	}

	info := &models.ConvertInfo{
		StageProgress: models.NewStageProgress(inputSize),
		Preset:        params.Preset,
		Params:        params,
	}
	if res, resErr := models.ParseResolution(params.Resolution); resErr == nil {
		info.Resolution = &res
	}
	task.ConvertInfo = info
	rep := newReporter(constants.ProgressReportInterval)
	start := time.Now()

	result, err := s.deps.Converter.Transcode(ctx, input, output, params, func(p transcode.Progress) {
		info.Progress = p.Percent
		info.CurrentFps = p.FPS
		info.CurrentFrame = p.Frame
		info.CurrentBitrate = p.BitrateKbps
		info.CurrentSize = int64(float64(inputSize) * p.Percent / 100)
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			info.AverageSpeed = float64(info.CurrentSize) / elapsed
			info.CurrentSpeed = info.AverageSpeed
		}
		if p.Percent > 0 && p.Percent < 100 {
			info.ETA = elapsed * (100 - p.Percent) / p.Percent
		} else {
			info.ETA = 0
		}
		publishProgress(s.deps, task.ID, string(queue.StageConvert), &info.StageProgress)
		if rep.ready(p.Percent) {
			s.deps.API.ReportConvert(ctx, task.ID, info)
		}
	})
	if err != nil {
		return nil, err
	}

	info.DurationMs = result.Duration.Milliseconds()
	info.CurrentBitrate = float64(result.BitrateKbps)
	info.Progress = 100
	info.CurrentSize = inputSize
	info.EndTime = time.Now().UnixMilli()

	s.deps.Carry.SetConverted(task.ID, output)
	if err := s.deps.API.ConvertComplete(ctx, task.ID, output); err != nil {
		return nil, err
	}

	log.Info().Str("task", task.ID).Str("path", output).
		Int64("outputSize", result.OutputSize).Msg("Convert stage done")
	return nil, nil
}

// Uploading pushes the converted file to the object store under a fresh set
// of credentials and records the presigned target URL on the task.
type Uploading struct {
	deps *Deps
}

func (s *Uploading) Name() string { return "uploading" }

func (s *Uploading) Process(ctx context.Context, task *models.Task) (State, error) {
	setStatus(s.deps, task, models.StatusUploading)

	entry, ok := s.deps.Carry.Get(task.ID)
	if !ok || entry.ConvertedFilePath == "" {
		return nil, fmt.Errorf("no converted file recorded for task %s", task.ID)
	}
	converted := entry.ConvertedFilePath

	store, err := s.deps.Stores(ctx)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(converted)
	if err != nil {
		return nil, fmt.Errorf("converted output not readable: %w", err)
	}

	info := &models.UploadInfo{StageProgress: models.NewStageProgress(fi.Size())}
	task.UploadInfo = info
	rep := newReporter(constants.ProgressReportInterval)
	start := time.Now()

	result, err := store.Upload(ctx, converted, objectstore.ObjectKey(task.ID), uploadMetadata(task, fi.Size()), func(uploaded, total int64, percent int) {
		info.CurrentSize = uploaded
		info.TotalSize = total
		info.FileSize = total
		info.Progress = float64(percent)
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			info.AverageSpeed = float64(uploaded) / elapsed
			info.CurrentSpeed = info.AverageSpeed
			if info.AverageSpeed > 0 {
				info.ETA = float64(total-uploaded) / info.AverageSpeed
			}
		}
		publishProgress(s.deps, task.ID, string(queue.StageUpload), &info.StageProgress)
		if rep.ready(float64(percent)) {
			s.deps.API.ReportUpload(ctx, task.ID, info)
		}
	})
	if err != nil {
		return nil, err
	}

	info.TargetURL = result.TargetURL
	info.Hash = strings.Trim(result.ETag, `"`)
	info.Progress = 100
	info.EndTime = time.Now().UnixMilli()

	log.Info().Str("task", task.ID).Str("key", result.Key).
		Int64("size", result.Size).Msg("Upload stage done")
	return &Complete{deps: s.deps}, nil
}

// Complete reports success to the control plane and removes the task's
// scratch files.
type Complete struct {
	deps *Deps
}

func (s *Complete) Name() string { return "complete" }

func (s *Complete) Process(ctx context.Context, task *models.Task) (State, error) {
	setStatus(s.deps, task, models.StatusFinished)

	result := buildResult(task)
	task.Result = result

	targetURL := ""
	if task.UploadInfo != nil {
		targetURL = task.UploadInfo.TargetURL
	}
	if err := s.deps.API.Complete(ctx, task.ID, result, targetURL); err != nil {
		return nil, err
	}

	if err := s.deps.Workspace.CleanTask(task.ID); err != nil {
		log.Warn().Err(err).Str("task", task.ID).Msg("Scratch cleanup failed")
	}

	log.Info().Str("task", task.ID).
		Int64("totalMs", result.TotalDuration).
		Float64("ratio", result.CompressionRatio).Msg("Task complete")
	return nil, nil
}

// Failed reports the task's error to the control plane and removes its
// scratch files. The report is best effort; cleanup happens either way.
type Failed struct {
	deps *Deps
	err  *models.TaskError
}

// NewFailed returns a Failed state carrying the error to report. A nil err
// falls back to the error already recorded on the task.
func NewFailed(deps *Deps, err *models.TaskError) *Failed {
	return &Failed{deps: deps, err: err}
}

func (s *Failed) Name() string { return "failed" }

func (s *Failed) Process(ctx context.Context, task *models.Task) (State, error) {
	setStatus(s.deps, task, models.StatusFailed)

	taskErr := s.err
	if taskErr == nil {
		taskErr = task.Error
	}
	if taskErr == nil {
		taskErr = models.TaskErrorf(models.CodeUnexpectedError, "task failed without a recorded error")
	}
	attachTempFiles(s.deps, task.ID, taskErr)
	task.Error = taskErr

	if err := s.deps.API.Fail(ctx, task.ID, taskErr); err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("Failure report did not reach the control plane")
	}
	if err := s.deps.Workspace.CleanTask(task.ID); err != nil {
		log.Warn().Err(err).Str("task", task.ID).Msg("Scratch cleanup failed")
	}

	log.Warn().Str("task", task.ID).Str("code", string(taskErr.Code)).
		Str("error", taskErr.Message).Msg("Task failed")
	return nil, nil
}

func setStatus(deps *Deps, task *models.Task, status models.TaskStatus) {
	if task.Status == status {
		return
	}
	old := task.Status
	task.Status = status
	if deps.Events != nil {
		deps.Events.Publish(&events.TaskStateChangeEvent{
			BaseEvent: events.NewBase(events.EventTaskStateChange),
			TaskID:    task.ID,
			OldStatus: string(old),
			NewStatus: string(status),
		})
	}
}

func publishProgress(deps *Deps, taskID, stage string, p *models.StageProgress) {
	if deps.Events == nil {
		return
	}
	deps.Events.Publish(&events.TaskProgressEvent{
		BaseEvent:   events.NewBase(events.EventTaskProgress),
		TaskID:      taskID,
		Stage:       stage,
		Progress:    p.Progress,
		CurrentSize: p.CurrentSize,
		TotalSize:   p.TotalSize,
		Speed:       p.CurrentSpeed,
		ETA:         p.ETA,
	})
}

// reporter throttles control-plane progress posts. Terminal snapshots always
// pass.
type reporter struct {
	interval time.Duration
	last     time.Time
}

func newReporter(interval time.Duration) *reporter {
	return &reporter{interval: interval}
}

func (r *reporter) ready(percent float64) bool {
	if percent >= 100 {
		return true
	}
	if time.Since(r.last) < r.interval {
		return false
	}
	r.last = time.Now()
	return true
}

// sourceFileName derives a scratch file name from the source URL, falling
// back to a fixed name for opaque or hostile URLs.
func sourceFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "source.mp4"
	}
	name := path.Base(u.Path)
	if validation.ValidateFilename(name) != nil {
		return "source.mp4"
	}
	return name
}

// uploadMetadata assembles the object metadata stored alongside the output.
func uploadMetadata(task *models.Task, size int64) map[string]string {
	meta := map[string]string{
		"taskid":    task.ID,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
		"size":      strconv.FormatInt(size, 10),
	}
	if ci := task.ConvertInfo; ci != nil {
		if ci.DurationMs > 0 {
			meta["duration"] = strconv.FormatFloat(float64(ci.DurationMs)/1000, 'f', 3, 64)
		}
		if ci.CurrentBitrate > 0 {
			meta["bitrate"] = strconv.FormatInt(int64(ci.CurrentBitrate), 10)
		}
		if ci.Resolution != nil {
			meta["width"] = strconv.Itoa(ci.Resolution.Width)
			meta["height"] = strconv.Itoa(ci.Resolution.Height)
		}
	}
	return meta
}

// buildResult derives the completion report from the stage records.
func buildResult(task *models.Task) *models.TaskResult {
	result := &models.TaskResult{Status: "success"}

	var start, end int64
	if task.DownloadInfo != nil {
		start = task.DownloadInfo.StartTime
	}
	if task.UploadInfo != nil {
		end = task.UploadInfo.EndTime
	}
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	if start > 0 && end > start {
		result.TotalDuration = end - start
	}

	if task.DownloadInfo != nil && task.UploadInfo != nil && task.DownloadInfo.TotalSize > 0 {
		result.CompressionRatio = float64(task.UploadInfo.TotalSize) / float64(task.DownloadInfo.TotalSize)
	}
	return result
}

func attachTempFiles(deps *Deps, taskID string, te *models.TaskError) {
	entry, ok := deps.Carry.Get(taskID)
	if !ok {
		return
	}
	if entry.DownloadedFilePath == "" && entry.ConvertedFilePath == "" {
		return
	}
	te.TempFiles = &models.TempFiles{
		DownloadPath:  entry.DownloadedFilePath,
		TranscodePath: entry.ConvertedFilePath,
	}
}
