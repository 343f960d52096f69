package cli

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/download"
	vfhttp "github.com/vidfleet/vidfleet-runner/internal/http"
	"github.com/vidfleet/vidfleet-runner/internal/models"
	"github.com/vidfleet/vidfleet-runner/internal/objectstore"
	"github.com/vidfleet/vidfleet-runner/internal/progress"
	"github.com/vidfleet/vidfleet-runner/internal/sysinfo"
	"github.com/vidfleet/vidfleet-runner/internal/transcode"
	"github.com/vidfleet/vidfleet-runner/internal/validation"
)

// newLocalCmd creates the 'local' command: one file through the pipeline
// without a control plane.
func newLocalCmd() *cobra.Command {
	var (
		output     string
		codec      string
		preset     string
		resolution string
		upload     bool
	)

	cmd := &cobra.Command{
		Use:   "local <input>",
		Short: "Transcode a single file or URL without a control plane",
		Long: `Run one input through download, convert and (optionally) upload without
registering with a control plane. The input is a local path or an
http(s) URL; URLs are downloaded first with the same chunked engine the
worker uses.

With --upload the converted file is pushed to the S3-compatible store
configured by VIDFLEET_S3_ENDPOINT, VIDFLEET_S3_ACCESS_KEY,
VIDFLEET_S3_SECRET_KEY and VIDFLEET_S3_BUCKET.

Examples:
  # Local file, default output name
  vidfleet-runner local input.mov

  # URL source, explicit output
  vidfleet-runner local https://origin.example/raw.mp4 -o small.mp4

  # Convert and push to the object store
  vidfleet-runner local input.mov --upload`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			input := args[0]

			cfg := config.FromEnv()
			transferClient, err := vfhttp.CreateTransferClient(cfg.Proxy)
			if err != nil {
				return fmt.Errorf("proxy configuration error: %w", err)
			}

			workDir, err := os.MkdirTemp("", "vidfleet-local-")
			if err != nil {
				return fmt.Errorf("failed to create work directory: %w", err)
			}
			defer os.RemoveAll(workDir)

			// Stage 1: acquire the source.
			source := input
			if isURL(input) {
				source, err = fetchSource(ctx, transferClient, input, workDir)
				if err != nil {
					return fmt.Errorf("download failed: %w", err)
				}
			} else if _, err := os.Stat(input); err != nil {
				return fmt.Errorf("input not readable: %w", err)
			}

			// Stage 2: transcode.
			_, encoder := sysinfo.Probe(ctx, workDir, cfg.EncoderHint)
			fmt.Fprintf(os.Stderr, "Encoder: %s\n", encoder)

			if output == "" {
				base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
				output = base + "_converted.mp4"
			}

			params := models.DefaultConvertParams()
			if codec != "" {
				params.VideoCodec = codec
			}
			if preset != "" {
				params.Preset = preset
			}
			if resolution != "" {
				if _, err := models.ParseResolution(resolution); err != nil {
					return err
				}
				params.Resolution = resolution
			}

			result, err := runEncode(ctx, encoder, source, output, params)
			if err != nil {
				return fmt.Errorf("transcode failed: %w", err)
			}

			fi, err := os.Stat(output)
			if err != nil {
				return fmt.Errorf("output not readable: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Wrote %s (%.1f MiB, %d kbit/s, %s)\n",
				output, float64(fi.Size())/(1024*1024), result.BitrateKbps, result.Duration.Round(time.Second))

			// Stage 3: optional upload.
			if upload {
				targetURL, err := pushOutput(ctx, transferClient, output, fi.Size())
				if err != nil {
					return fmt.Errorf("upload failed: %w", err)
				}
				fmt.Printf("%s\n", targetURL)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default: <input>_converted.mp4)")
	cmd.Flags().StringVar(&codec, "codec", "", "Video codec (h264, h265)")
	cmd.Flags().StringVar(&preset, "preset", "", "Encoder preset (e.g. fast, medium, slow)")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Output resolution as WxH (e.g. 1280x720)")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the result to the configured object store")

	return cmd
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// fetchSource downloads a URL into workDir with a live progress bar and
// returns the local path.
func fetchSource(ctx context.Context, client *nethttp.Client, rawURL, workDir string) (string, error) {
	engine := download.New(client, download.Options{})

	name := filepath.Base(strings.SplitN(rawURL, "?", 2)[0])
	if validation.ValidateFilename(name) != nil {
		name = "source.mp4"
	}
	dest := filepath.Join(workDir, name)

	size, err := engine.ProbeSize(ctx, rawURL)
	if err != nil || size <= 0 {
		// No usable content length; stream it in one chunk.
		engine = download.New(client, download.Options{Single: true})
		size = 0
	}

	ui := progress.NewTransferUI()
	bar := ui.AddBar(name+" ← "+progress.ShortPath(rawURL, 2), size)

	path, err := engine.Download(ctx, rawURL, dest, func(p download.Progress) {
		bar.Update(p.Downloaded)
	})
	bar.Complete(err)
	ui.Wait()

	return path, err
}

// runEncode drives the transcoder with a percent bar.
func runEncode(ctx context.Context, encoder models.Encoder, input, output string, params *models.ConvertParams) (*transcode.Result, error) {
	t := transcode.New(encoder, transcode.Options{})

	bar := progress.NewEncodeBar("Transcoding " + filepath.Base(input))
	result, err := t.Transcode(ctx, input, output, params, func(p transcode.Progress) {
		bar.Update(p.Percent, p.FPS)
	})
	if err != nil {
		bar.Fail(err)
		return nil, err
	}
	bar.Finish()

	return result, nil
}

// pushOutput uploads the converted file to the store configured by the
// VIDFLEET_S3_* environment and returns a presigned URL for it.
func pushOutput(ctx context.Context, client *nethttp.Client, localPath string, size int64) (string, error) {
	creds := &models.ObjectStoreCredentials{
		Endpoint:  strings.TrimSpace(os.Getenv("VIDFLEET_S3_ENDPOINT")),
		AccessKey: strings.TrimSpace(os.Getenv("VIDFLEET_S3_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("VIDFLEET_S3_SECRET_KEY")),
		Bucket:    strings.TrimSpace(os.Getenv("VIDFLEET_S3_BUCKET")),
	}
	if !creds.Valid() {
		return "", fmt.Errorf("incomplete object store settings: VIDFLEET_S3_ENDPOINT, VIDFLEET_S3_ACCESS_KEY, VIDFLEET_S3_SECRET_KEY and VIDFLEET_S3_BUCKET are all required")
	}

	store, err := objectstore.New(ctx, creds, client)
	if err != nil {
		return "", err
	}

	key := filepath.Base(localPath)
	ui := progress.NewTransferUI()
	bar := ui.AddBar(creds.Bucket+"/"+key+" ← "+progress.ShortPath(localPath, 2), size)

	result, err := store.Upload(ctx, localPath, key, nil, func(uploaded, total int64, percent int) {
		bar.Update(uploaded)
	})
	bar.Complete(err)
	ui.Wait()
	if err != nil {
		return "", err
	}

	return result.TargetURL, nil
}
