package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/events"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/queue"
	"github.com/vidfleet/vidfleet-runner/internal/runner"
)

// newRunCmd creates the 'run' command: the worker's daemon mode.
func newRunCmd() *cobra.Command {
	var (
		pollInterval      string
		heartbeatInterval string
		runOnce           bool
		logFile           string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker against the control plane",
		Long: `Start the worker in foreground mode. The worker registers with the
control plane (BASE_URL env), then polls for transcode tasks and drives
each one through download, convert and upload.

Press Ctrl+C to stop gracefully; in-flight stages are abandoned and their
tasks returned to the control plane's queue.

Examples:
  # Continuous operation
  BASE_URL=https://fleet.example token=SECRET vidfleet-runner run

  # Poll every 10 seconds
  vidfleet-runner run --poll-interval 10s

  # Process whatever is queued right now, then exit (cron mode)
  vidfleet-runner run --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			if logFile != "" {
				if logFile == config.DefaultLogFile() {
					if err := config.EnsureLogDirectory(); err != nil {
						return fmt.Errorf("cannot create log directory: %w", err)
					}
				}
				logging.TeeFile(logFile)
				logger.Debug().Str("path", logFile).Msg("Mirroring logs to file")
			}

			runnerCfg := runner.DefaultConfig()
			if pollInterval != "" {
				interval, err := time.ParseDuration(pollInterval)
				if err != nil {
					return fmt.Errorf("invalid poll interval %q: %w", pollInterval, err)
				}
				if interval < time.Second {
					return fmt.Errorf("poll interval must be at least 1 second")
				}
				if interval > 10*time.Minute {
					return fmt.Errorf("poll interval must be at most 10 minutes")
				}
				runnerCfg.PollInterval = interval
			}
			if heartbeatInterval != "" {
				interval, err := time.ParseDuration(heartbeatInterval)
				if err != nil {
					return fmt.Errorf("invalid heartbeat interval %q: %w", heartbeatInterval, err)
				}
				if interval < time.Second {
					return fmt.Errorf("heartbeat interval must be at least 1 second")
				}
				runnerCfg.HeartbeatInterval = interval
			}

			cfg := config.FromEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			runnerCfg.Caps = queue.Caps{
				Download: cfg.DownloadCap,
				Convert:  cfg.ConvertCap,
				Upload:   cfg.UploadCap,
			}

			identityPath, err := config.IdentityPath()
			if err != nil {
				return err
			}
			identity, err := config.LoadOrCreateIdentity(identityPath, cfg)
			if err != nil {
				return fmt.Errorf("identity error: %w", err)
			}

			eventBus := events.NewEventBus(constants.EventBusDefaultBuffer)
			defer eventBus.Close()

			w, err := runner.New(runnerCfg, cfg, identity, eventBus, logger)
			if err != nil {
				return fmt.Errorf("failed to create runner: %w", err)
			}

			ctx := GetContext()
			go watchEvents(ctx, eventBus, logger)

			if runOnce {
				return w.RunOnce(ctx)
			}

			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to start runner: %w", err)
			}

			<-ctx.Done()
			w.Stop()
			logger.Info().Msg("Runner stopped")

			return nil
		},
	}

	cmd.Flags().StringVar(&pollInterval, "poll-interval", "", "How often to poll for tasks (e.g. 5s, 1m)")
	cmd.Flags().StringVar(&heartbeatInterval, "heartbeat-interval", "", "How often to post heartbeats (e.g. 20s)")
	cmd.Flags().BoolVar(&runOnce, "once", false, "Drain the queue once and exit (useful for cron jobs)")
	cmd.Flags().StringVar(&logFile, "log-file", config.DefaultLogFile(), "Path to rotating log file (empty disables file logging)")

	return cmd
}

// watchEvents mirrors task lifecycle events into the log until the context
// ends or the bus closes.
func watchEvents(ctx context.Context, eventBus *events.EventBus, logger *logging.Logger) {
	ch := eventBus.SubscribeAll()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			switch ev := event.(type) {
			case *events.TaskStateChangeEvent:
				logger.Info().
					Str("task", ev.TaskID).
					Str("from", ev.OldStatus).
					Str("to", ev.NewStatus).
					Msg("Task state changed")
			case *events.TaskCompletedEvent:
				logger.Info().
					Str("task", ev.TaskID).
					Str("target", ev.TargetURL).
					Dur("took", ev.Duration).
					Msg("Task completed")
			case *events.TaskFailedEvent:
				logger.Warn().
					Str("task", ev.TaskID).
					Str("stage", ev.Stage).
					Err(ev.Error).
					Msg("Task failed")
			case *events.QueueUpdatedEvent:
				logger.Debug().
					Int("download_waiting", ev.Download.Waiting).
					Int("download_active", ev.Download.InFlight).
					Int("convert_waiting", ev.Convert.Waiting).
					Int("convert_active", ev.Convert.InFlight).
					Int("upload_waiting", ev.Upload.Waiting).
					Int("upload_active", ev.Upload.InFlight).
					Msg("Queue updated")
			case *events.TaskProgressEvent:
				logger.Debug().
					Str("task", ev.TaskID).
					Str("stage", ev.Stage).
					Float64("progress", ev.Progress).
					Msg("Stage progress")
			}
		case <-ctx.Done():
			return
		}
	}
}
