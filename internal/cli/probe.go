package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/models"
	"github.com/vidfleet/vidfleet-runner/internal/sysinfo"
)

// newProbeCmd creates the 'probe' command: hardware snapshot + encoder
// decision as JSON.
func newProbeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the hardware snapshot and encoder decision",
		Long: `Probe the host the way the worker does before registering: CPU, memory,
scratch disk and GPU, plus the encoder the worker would pick (hardware
when an NVENC-capable GPU responds, cpu otherwise).

With --watch the probe repeats at the heartbeat interval until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			cfg := config.FromEnv()

			scratch, err := os.Getwd()
			if err != nil {
				scratch = os.TempDir()
			}

			printProbe := func() error {
				info, encoder := sysinfo.Probe(ctx, scratch, cfg.EncoderHint)
				snapshot := struct {
					DeviceInfo *models.DeviceInfo `json:"deviceInfo"`
					Encoder    models.Encoder     `json:"encoder"`
				}{info, encoder}

				out, err := json.MarshalIndent(snapshot, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if err := printProbe(); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			ticker := time.NewTicker(constants.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printProbe(); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Repeat the probe at the heartbeat interval")

	return cmd
}
