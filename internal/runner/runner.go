// Package runner owns the worker's long-lived loops: task polling, stage
// dispatch, heartbeats and the event loop that advances the queue. All queue
// and carry transitions happen on the event loop, so stage processors never
// race each other over shared task state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/api"
	"github.com/vidfleet/vidfleet-runner/internal/carry"
	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/download"
	"github.com/vidfleet/vidfleet-runner/internal/events"
	"github.com/vidfleet/vidfleet-runner/internal/http"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
	"github.com/vidfleet/vidfleet-runner/internal/objectstore"
	"github.com/vidfleet/vidfleet-runner/internal/pipeline"
	"github.com/vidfleet/vidfleet-runner/internal/queue"
	"github.com/vidfleet/vidfleet-runner/internal/sysinfo"
	"github.com/vidfleet/vidfleet-runner/internal/transcode"
	"github.com/vidfleet/vidfleet-runner/internal/validation"
	"github.com/vidfleet/vidfleet-runner/internal/workspace"
)

// Config holds the runner loop configuration.
type Config struct {
	// PollInterval is how often to ask the control plane for new tasks.
	PollInterval time.Duration

	// HeartbeatInterval is how often to report liveness and telemetry.
	HeartbeatInterval time.Duration

	// DispatchInterval is how often queued tasks are matched to free
	// stage slots.
	DispatchInterval time.Duration

	// Caps bounds in-flight tasks per stage.
	Caps queue.Caps
}

// DefaultConfig returns a runner configuration with stock intervals.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:      constants.TaskPollInterval,
		HeartbeatInterval: constants.HeartbeatInterval,
		DispatchInterval:  constants.DispatchInterval,
		Caps:              queue.DefaultCaps(),
	}
}

// Status is a point-in-time snapshot of the runner.
type Status struct {
	Running       bool               `json:"running"`
	MachineID     string             `json:"machineId"`
	Encoder       models.Encoder     `json:"encoder"`
	UptimeSeconds int64              `json:"uptimeSeconds"`
	Download      events.StageCounts `json:"download"`
	Convert       events.StageCounts `json:"convert"`
	Upload        events.StageCounts `json:"upload"`
	Completed     int64              `json:"completed"`
	Failed        int64              `json:"failed"`
	LastPoll      int64              `json:"lastPoll,omitempty"`      // unix millis
	LastHeartbeat int64              `json:"lastHeartbeat,omitempty"` // unix millis
}

// Runner is the worker node service.
type Runner struct {
	cfg         *Config
	client      *api.Client
	queue       *queue.Queue
	carry       *carry.Store
	ws          *workspace.Manager
	creds       *objectstore.Cache
	deps        *pipeline.Deps
	eventBus    *events.EventBus
	logger      *logging.Logger
	identity    *config.Identity
	encoderHint string

	machine    *models.Machine
	encoder    models.Encoder
	transcoder *transcode.Transcoder // guarded by mu, swapped on (re-)register

	stageEvents chan pipeline.StageEvent

	// Shutdown coordination
	stopChan  chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex

	startedAt     time.Time
	completed     atomic.Int64
	failed        atomic.Int64
	lastPoll      atomic.Int64
	lastHeartbeat atomic.Int64
}

// New wires a runner from the validated configuration and persisted
// identity. A nil runner config or event bus falls back to defaults and no
// notifications respectively.
func New(cfg *Config, appCfg *config.Config, identity *config.Identity, eventBus *events.EventBus, logger *logging.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client, err := api.NewClient(appCfg, identity, logger)
	if err != nil {
		return nil, err
	}

	transferClient, err := http.CreateTransferClient(appCfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to configure transfer client: %w", err)
	}

	ws := workspace.New()
	carryStore := carry.NewStore()
	creds := objectstore.NewCache(client)
	taskQueue := queue.New(cfg.Caps, eventBus)

	r := &Runner{
		cfg:         cfg,
		client:      client,
		queue:       taskQueue,
		carry:       carryStore,
		ws:          ws,
		creds:       creds,
		eventBus:    eventBus,
		logger:      logger,
		identity:    identity,
		encoderHint: appCfg.EncoderHint,
		transcoder:  transcode.New(models.EncoderCPU, transcode.Options{}),
		stageEvents: make(chan pipeline.StageEvent, constants.StageEventBuffer),
		stopChan:    make(chan struct{}),
	}
	r.deps = &pipeline.Deps{
		API:        client,
		Carry:      carryStore,
		Workspace:  ws,
		Downloader: download.New(transferClient, download.Options{}),
		Converter:  runnerConverter{r},
		Events:     eventBus,
		Stores: func(ctx context.Context) (pipeline.ObjectStore, error) {
			return objectstore.NewFromCache(ctx, creds, transferClient)
		},
	}
	return r, nil
}

// runnerConverter defers to the transcoder built for the probed encoder, so
// a re-register after a hardware probe change takes effect without touching
// in-flight stages.
type runnerConverter struct {
	r *Runner
}

func (c runnerConverter) Transcode(ctx context.Context, input, output string, params *models.ConvertParams, onProgress transcode.ProgressFunc) (*transcode.Result, error) {
	c.r.mu.RLock()
	t := c.r.transcoder
	c.r.mu.RUnlock()
	return t.Transcode(ctx, input, output, params, onProgress)
}

// Start registers with the control plane and kicks off the loops. It returns
// once the runner is live; work continues on background goroutines until
// Stop or context cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner is already running")
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	if err := r.ws.EnsureRoot(); err != nil {
		return err
	}

	// Credentials are fetched ahead of the first upload; not having them
	// yet is not fatal.
	if _, err := r.creds.Get(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Object store credentials not available yet")
	}

	if err := r.register(ctx); err != nil {
		return fmt.Errorf("failed to register with the control plane: %w", err)
	}

	r.logger.Info().
		Str("machine", r.machine.ID).
		Str("encoder", string(r.encoder)).
		Str("scratch", r.ws.Root()).
		Str("poll_interval", r.cfg.PollInterval.String()).
		Msg("Runner online")

	// First poll happens immediately; the loops take over from there.
	r.poll(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel

	r.wg.Add(4)
	go r.pollLoop(runCtx)
	go r.dispatchLoop(runCtx)
	go r.heartbeatLoop(runCtx)
	go r.eventLoop(runCtx)

	return nil
}

// Stop signals all loops, cancels in-flight stages and waits for them to
// wind down. In-flight tasks are abandoned, not failed.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info().Msg("Runner stopping")
	close(r.stopChan)
	if r.runCancel != nil {
		r.runCancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("Runner stopped")
}

// IsRunning reports whether the loops are live.
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// register probes the machine and announces it to the control plane.
func (r *Runner) register(ctx context.Context) error {
	info, encoder := sysinfo.Probe(ctx, r.ws.Root(), r.encoderHint)

	r.mu.Lock()
	r.machine = &models.Machine{
		ID:         r.identity.ID,
		Name:       r.identity.Name,
		DeviceInfo: info,
		Encoder:    encoder,
	}
	if encoder != r.encoder {
		r.transcoder = transcode.New(encoder, transcode.Options{})
	}
	r.encoder = encoder
	machine := r.machine
	r.mu.Unlock()

	return r.client.Online(ctx, machine)
}

// Status returns a snapshot for the status command and tests.
func (r *Runner) Status() Status {
	r.mu.RLock()
	running := r.running
	startedAt := r.startedAt
	machineID := ""
	if r.machine != nil {
		machineID = r.machine.ID
	}
	encoder := r.encoder
	r.mu.RUnlock()

	var uptime int64
	if running {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	dl, cv, up := r.queue.Counts()

	return Status{
		Running:       running,
		MachineID:     machineID,
		Encoder:       encoder,
		UptimeSeconds: uptime,
		Download:      dl,
		Convert:       cv,
		Upload:        up,
		Completed:     r.completed.Load(),
		Failed:        r.failed.Load(),
		LastPoll:      r.lastPoll.Load(),
		LastHeartbeat: r.lastHeartbeat.Load(),
	}
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Poll loop cancelled by context")
			return
		case <-r.stopChan:
			r.logger.Info().Msg("Poll loop stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("Dispatch loop cancelled by context")
			return
		case <-r.stopChan:
			r.logger.Debug().Msg("Dispatch loop stopped")
			return
		case <-ticker.C:
			r.dispatch(ctx)
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Heartbeat loop cancelled by context")
			return
		case <-r.stopChan:
			r.logger.Info().Msg("Heartbeat loop stopped")
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// eventLoop is the single owner of queue and carry transitions.
func (r *Runner) eventLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case ev := <-r.stageEvents:
			r.handleStageEvent(ctx, ev)
		}
	}
}

// poll asks the control plane for a task when the download stage has room,
// binds it and queues it. Losing the bind race or an empty backlog is not an
// error.
func (r *Runner) poll(ctx context.Context) {
	r.lastPoll.Store(time.Now().UnixMilli())

	if !r.queue.HasDownloadCapacity() {
		return
	}

	task, err := r.client.GetTask(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Task poll failed")
		return
	}
	if task == nil {
		r.logger.Debug().Msg("No tasks available")
		return
	}
	if task.Status != models.StatusWaiting {
		r.logger.Warn().
			Str("task", task.ID).
			Str("status", string(task.Status)).
			Msg("Control plane offered a task that is not waiting, skipping")
		return
	}
	if err := validation.ValidateTaskID(task.ID); err != nil {
		r.logger.Warn().Err(err).Str("task", task.ID).Msg("Task rejected, id is not scratch-safe")
		return
	}

	bound, err := r.client.Start(ctx, task.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("task", task.ID).Msg("Task bind failed")
		return
	}
	if !bound {
		r.logger.Info().Str("task", task.ID).Msg("Task bind lost to another runner")
		return
	}

	if task.ConvertParams == nil {
		task.ConvertParams = models.DefaultConvertParams()
	}
	r.carry.Create(task.ID)
	if !r.queue.Add(task) {
		r.logger.Warn().Str("task", task.ID).Msg("Task already tracked, dropping duplicate")
		return
	}

	r.logger.Info().
		Str("task", task.ID).
		Str("source", task.Source).
		Int("priority", task.Priority).
		Msg("Task accepted")
}

// dispatch moves every ready task onto a stage processor goroutine. Stage
// caps are enforced by the queue's pops.
func (r *Runner) dispatch(ctx context.Context) {
	for {
		task := r.queue.NextDownload()
		if task == nil {
			break
		}
		r.launch(ctx, queue.StageDownload, task)
	}
	for {
		task := r.queue.NextConvert()
		if task == nil {
			break
		}
		r.launch(ctx, queue.StageConvert, task)
	}
	for {
		task := r.queue.NextUpload()
		if task == nil {
			break
		}
		r.launch(ctx, queue.StageUpload, task)
	}
}

func (r *Runner) launch(ctx context.Context, stage queue.Stage, task *models.Task) {
	r.logger.Info().
		Str("task", task.ID).
		Str("stage", string(stage)).
		Int("priority", task.Priority).
		Msg("Stage dispatched")

	proc := pipeline.NewProcessor(stage, r.deps, r.stageEvents)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		proc.Run(ctx, task)
	}()
}

// handleStageEvent advances the queue for one finished stage run.
func (r *Runner) handleStageEvent(ctx context.Context, ev pipeline.StageEvent) {
	task := ev.Task

	if ev.Err != nil {
		if ctx.Err() != nil || errors.Is(ev.Err, context.Canceled) || errors.Is(ev.Err, context.DeadlineExceeded) {
			r.logger.Info().
				Str("task", task.ID).
				Str("stage", string(ev.Stage)).
				Msg("Task abandoned mid-stage")
			r.queue.Fail(task.ID, ev.Stage)
			r.carry.Delete(task.ID)
			return
		}
		r.failTask(ctx, ev)
		return
	}

	switch ev.Stage {
	case queue.StageDownload:
		if !r.queue.CompleteDownload(task.ID) {
			r.logger.Warn().Str("task", task.ID).Msg("Download completion for an untracked task")
		}
	case queue.StageConvert:
		if !r.queue.CompleteConvert(task.ID) {
			r.logger.Warn().Str("task", task.ID).Msg("Convert completion for an untracked task")
		}
	case queue.StageUpload:
		r.queue.CompleteUpload(task.ID)
		r.carry.Delete(task.ID)
		r.completed.Add(1)
		if r.eventBus != nil {
			targetURL := ""
			var duration time.Duration
			if task.UploadInfo != nil {
				targetURL = task.UploadInfo.TargetURL
			}
			if task.Result != nil {
				duration = time.Duration(task.Result.TotalDuration) * time.Millisecond
			}
			r.eventBus.Publish(&events.TaskCompletedEvent{
				BaseEvent: events.NewBase(events.EventTaskCompleted),
				TaskID:    task.ID,
				TargetURL: targetURL,
				Duration:  duration,
			})
		}
	}
}

// failTask reports the failure and evicts the task. The Failed state posts
// to the control plane and cleans scratch.
func (r *Runner) failTask(ctx context.Context, ev pipeline.StageEvent) {
	task := ev.Task
	r.failed.Add(1)

	if _, err := pipeline.NewFailed(r.deps, task.Error).Process(ctx, task); err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Failed state did not finish")
	}

	r.queue.Fail(task.ID, ev.Stage)
	r.carry.Delete(task.ID)

	if r.eventBus != nil {
		r.eventBus.Publish(&events.TaskFailedEvent{
			BaseEvent: events.NewBase(events.EventTaskFailed),
			TaskID:    task.ID,
			Stage:     string(ev.Stage),
			Error:     ev.Err,
		})
	}
}

// heartbeat reports liveness with fresh telemetry. Failures only warn; a
// heartbeat that looks like a lost registration triggers one re-register
// attempt.
func (r *Runner) heartbeat(ctx context.Context) {
	info, encoder := sysinfo.Probe(ctx, r.ws.Root(), r.encoderHint)

	if err := r.client.Heartbeat(ctx, info, encoder); err != nil {
		r.logger.Warn().Err(err).Msg("Heartbeat failed")
		if isAuthError(err) {
			r.logger.Info().Msg("Heartbeat rejected, re-registering")
			if err := r.register(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Re-registration failed")
			}
		}
		return
	}
	r.lastHeartbeat.Store(time.Now().UnixMilli())

	st := r.Status()
	r.logger.Debug().
		Int64("uptime_s", st.UptimeSeconds).
		Int("download_waiting", st.Download.Waiting).
		Int("download_active", st.Download.InFlight).
		Int("convert_active", st.Convert.InFlight).
		Int("upload_active", st.Upload.InFlight).
		Int64("completed", st.Completed).
		Int64("failed", st.Failed).
		Msg("Runner status")
}

// isAuthError matches the status line the API client embeds in its errors.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "status 401") || strings.Contains(msg, "status 403")
}

// RunOnce registers, polls once and drives any acquired work to completion
// before returning. Used by the run command's --once flag.
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := r.ws.EnsureRoot(); err != nil {
		return err
	}
	if _, err := r.creds.Get(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Object store credentials not available yet")
	}
	if err := r.register(ctx); err != nil {
		return fmt.Errorf("failed to register with the control plane: %w", err)
	}

	r.poll(ctx)
	if r.queue.Len() == 0 {
		r.logger.Info().Msg("No work available")
		return nil
	}

	for r.queue.Len() > 0 {
		r.dispatch(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.stageEvents:
			r.handleStageEvent(ctx, ev)
		}
	}
	r.wg.Wait()
	return nil
}
