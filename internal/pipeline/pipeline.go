// Package pipeline drives tasks through the download, convert and upload
// stages as a typed state machine. A Processor runs one task through one
// stage's states on its own goroutine and reports the outcome on an event
// channel; all queue transitions happen in the consumer of that channel.
package pipeline

import (
	"context"
	"errors"

	"github.com/vidfleet/vidfleet-runner/internal/api"
	"github.com/vidfleet/vidfleet-runner/internal/carry"
	"github.com/vidfleet/vidfleet-runner/internal/download"
	"github.com/vidfleet/vidfleet-runner/internal/events"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
	"github.com/vidfleet/vidfleet-runner/internal/objectstore"
	"github.com/vidfleet/vidfleet-runner/internal/queue"
	"github.com/vidfleet/vidfleet-runner/internal/transcode"
	"github.com/vidfleet/vidfleet-runner/internal/workspace"
)

var log = logging.New("pipeline")

// Downloader fetches a source URL into the scratch directory.
// *download.Engine implements it.
type Downloader interface {
	ProbeSize(ctx context.Context, rawURL string) (int64, error)
	Download(ctx context.Context, rawURL, destPath string, onProgress download.ProgressFunc) (string, error)
}

// Converter re-encodes a downloaded source file. *transcode.Transcoder
// implements it.
type Converter interface {
	Transcode(ctx context.Context, input, output string, params *models.ConvertParams, onProgress transcode.ProgressFunc) (*transcode.Result, error)
}

// ObjectStore receives one finished output. *objectstore.Store implements it.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string, onProgress objectstore.ProgressFunc) (*objectstore.UploadResult, error)
}

// StoreBuilder hands the upload stage a store bound to current credentials.
// Building per upload keeps long-lived runners working across credential
// rotations.
type StoreBuilder func(ctx context.Context) (ObjectStore, error)

// Deps bundles the collaborators shared by every state.
type Deps struct {
	API        *api.Client
	Carry      *carry.Store
	Workspace  *workspace.Manager
	Downloader Downloader
	Converter  Converter
	Stores     StoreBuilder
	Events     *events.EventBus
}

// StageEvent reports the outcome of one stage run. Err is nil on success;
// a context cancellation error means the task was abandoned mid-stage, any
// other error means the task failed.
type StageEvent struct {
	Task  *models.Task
	Stage queue.Stage
	Err   error
}

// Processor runs tasks through the states of a single stage.
type Processor struct {
	stage queue.Stage
	deps  *Deps
	out   chan<- StageEvent
}

// NewProcessor returns a processor for one stage. Outcomes are delivered on
// out, which the caller owns and drains.
func NewProcessor(stage queue.Stage, deps *Deps, out chan<- StageEvent) *Processor {
	return &Processor{stage: stage, deps: deps, out: out}
}

// Run drives the task from the stage's entry state until a state yields or
// errors, then reports the outcome. A returned state continues immediately
// within this call; a nil state yields the task back to the caller. Meant to
// run on its own goroutine, one per in-flight task.
func (p *Processor) Run(ctx context.Context, task *models.Task) {
	state := p.entryState()
	var err error
	for state != nil {
		log.Debug().Str("task", task.ID).Str("state", state.Name()).Msg("Entering state")
		var next State
		next, err = state.Process(ctx, task)
		if err != nil {
			break
		}
		state = next
	}

	if err != nil && ctx.Err() == nil {
		task.Status = models.StatusFailed
		task.Error = codeError(p.stage, err)
	}

	// Deliver even after cancellation when there is room; block only while
	// the consumer is alive.
	ev := StageEvent{Task: task, Stage: p.stage, Err: err}
	select {
	case p.out <- ev:
	default:
		select {
		case p.out <- ev:
		case <-ctx.Done():
		}
	}
}

func (p *Processor) entryState() State {
	switch p.stage {
	case queue.StageConvert:
		return &Converting{deps: p.deps}
	case queue.StageUpload:
		return &Uploading{deps: p.deps}
	default:
		return &Waiting{deps: p.deps}
	}
}

// codeError wraps err with the stage's error code. Errors that already carry
// a code pass through unchanged.
func codeError(stage queue.Stage, err error) *models.TaskError {
	var te *models.TaskError
	if errors.As(err, &te) {
		return te
	}
	code := models.CodeUnexpectedError
	switch stage {
	case queue.StageDownload:
		code = models.CodeDownloadError
	case queue.StageConvert:
		code = models.CodeConvertError
	case queue.StageUpload:
		code = models.CodeUploadError
	}
	return models.NewTaskError(code, err)
}
