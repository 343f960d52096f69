// Package transcode drives ffmpeg to re-encode downloaded sources into the
// delivery format. It probes the source duration, solves the video bitrate
// that fits the output size ceiling, supervises the encoder process, and
// turns ffmpeg's stderr stats stream into structured progress samples.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

var log = logging.New("transcode")

// execCommandContext allows tests to substitute the spawned process.
var execCommandContext = exec.CommandContext

// stderrTailLines caps the diagnostic tail kept from ffmpeg's stderr.
// Stats lines are excluded from the tail so a failing run surfaces the
// actual encoder complaint instead of progress noise.
const stderrTailLines = 20

// Result describes a finished encode.
type Result struct {
	// Duration is the source duration reported by ffprobe.
	Duration time.Duration
	// BitrateKbps is the measured overall bitrate of the produced file.
	BitrateKbps int
	// OutputSize is the size of the produced file in bytes.
	OutputSize int64
}

// ProgressFunc receives progress samples parsed from the encoder's stderr.
// Callbacks run on the supervision goroutine and must not block.
type ProgressFunc func(Progress)

// Options tune a Transcoder. Zero values fall back to package defaults.
type Options struct {
	// FFmpegPath and FFprobePath name the binaries to spawn. Defaults
	// resolve through PATH.
	FFmpegPath  string
	FFprobePath string
	// MaxFileSize is the output size ceiling fed to the bitrate solver.
	MaxFileSize int64
	// MaxVideoBitrateKbps caps the solved video bitrate.
	MaxVideoBitrateKbps int
}

func (o Options) withDefaults() Options {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = constants.MaxOutputFileSize
	}
	if o.MaxVideoBitrateKbps <= 0 {
		o.MaxVideoBitrateKbps = constants.MaxVideoBitrateKbps
	}
	return o
}

// Transcoder re-encodes video files. It is safe for concurrent use; each
// Transcode call supervises its own process.
type Transcoder struct {
	encoder models.Encoder
	opts    Options
}

// New returns a Transcoder that selects encoder implementations for the
// given encoder class. Hardware selects the NVENC variants of the requested
// codecs; anything else encodes on the CPU.
func New(encoder models.Encoder, opts Options) *Transcoder {
	return &Transcoder{encoder: encoder, opts: opts.withDefaults()}
}

// Transcode re-encodes input into output using params. Progress samples are
// delivered to onProgress as ffmpeg reports them. On failure any partial
// output is removed. Cancelling ctx kills the encoder and returns ctx's
// error.
func (t *Transcoder) Transcode(ctx context.Context, input, output string, params *models.ConvertParams, onProgress ProgressFunc) (*Result, error) {
	if params == nil {
		params = models.DefaultConvertParams()
	}

	info, err := os.Stat(input)
	if err != nil {
		return nil, models.NewTaskError(models.CodeConvertError, fmt.Errorf("source not readable: %w", err))
	}
	if info.Size() == 0 {
		return nil, models.TaskErrorf(models.CodeConvertError, "source %s is empty", input)
	}

	duration, err := t.ProbeDuration(ctx, input)
	if err != nil {
		return nil, models.NewTaskError(models.CodeConvertError, err)
	}

	res, err := models.ParseResolution(params.Resolution)
	if err != nil {
		return nil, models.NewTaskError(models.CodeConvertError, err)
	}

	videoKbps := SolveVideoBitrate(duration, t.opts.MaxFileSize, t.opts.MaxVideoBitrateKbps)
	args := t.buildArgs(input, output, params, videoKbps, res)

	log.Info().
		Str("input", input).
		Str("output", output).
		Str("codec", t.videoEncoder(params.VideoCodec)).
		Str("preset", params.Preset).
		Int("videoKbps", videoKbps).
		Float64("durationSec", duration.Seconds()).
		Msg("Starting transcode")

	if err := t.run(ctx, args, output, duration, onProgress); err != nil {
		return nil, err
	}

	outInfo, err := os.Stat(output)
	if err != nil {
		return nil, models.NewTaskError(models.CodeConvertError, fmt.Errorf("encoder produced no output: %w", err))
	}
	if outInfo.Size() == 0 {
		_ = os.Remove(output)
		return nil, models.TaskErrorf(models.CodeConvertError, "encoder produced an empty output %s", output)
	}

	result := &Result{Duration: duration, OutputSize: outInfo.Size()}
	if secs := duration.Seconds(); secs > 0 {
		result.BitrateKbps = int(float64(outInfo.Size()) * 8 / secs / 1000)
	}

	log.Info().
		Str("output", output).
		Int64("size", outInfo.Size()).
		Int("measuredKbps", result.BitrateKbps).
		Msg("Transcode complete")

	return result, nil
}

// run spawns ffmpeg and supervises it until exit. Stderr is consumed on the
// calling goroutine; ffmpeg rewrites its stats line with bare carriage
// returns, so the scanner splits on both \r and \n.
func (t *Transcoder) run(ctx context.Context, args []string, output string, duration time.Duration, onProgress ProgressFunc) error {
	cmd := execCommandContext(ctx, t.opts.FFmpegPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return models.NewTaskError(models.CodeConvertError, fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return models.NewTaskError(models.CodeConvertError, fmt.Errorf("failed to start %s: %w", t.opts.FFmpegPath, err))
	}

	durationSec := duration.Seconds()
	var tail []string

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 512*1024)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if p := ParseStats(line); p != nil {
			if durationSec > 0 {
				p.Percent = p.Seconds / durationSec * 100
				if p.Percent > 100 {
					p.Percent = 100
				}
			}
			if onProgress != nil {
				onProgress(*p)
			}
			continue
		}
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		_ = os.Remove(output)
		if ctx.Err() != nil {
			// CommandContext already delivered SIGKILL.
			return ctx.Err()
		}
		te := models.TaskErrorf(models.CodeConvertError, "ffmpeg exited: %v: %s", waitErr, strings.Join(tail, "\n"))
		te.Command = t.opts.FFmpegPath + " " + strings.Join(args, " ")
		te.Path = output
		return te
	}

	if onProgress != nil && durationSec > 0 {
		onProgress(Progress{Timemark: formatTimemark(duration), Seconds: durationSec, Percent: 100})
	}
	return nil
}

// buildArgs assembles the ffmpeg command line: VBR at the solved bitrate
// with 1.5x maxrate and 2x bufsize, scaled to the requested resolution,
// AAC audio, and faststart so the moov atom leads the file.
func (t *Transcoder) buildArgs(input, output string, params *models.ConvertParams, videoKbps int, res models.Resolution) []string {
	audioCodec := params.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}
	args := []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-c:v", t.videoEncoder(params.VideoCodec),
	}
	if params.Preset != "" {
		args = append(args, "-preset", params.Preset)
	}
	args = append(args,
		"-b:v", fmt.Sprintf("%dk", videoKbps),
		"-maxrate", fmt.Sprintf("%dk", videoKbps*3/2),
		"-bufsize", fmt.Sprintf("%dk", videoKbps*2),
		"-vf", fmt.Sprintf("scale=%d:%d", res.Width, res.Height),
		"-c:a", audioCodec,
		"-b:a", fmt.Sprintf("%dk", constants.OutputAudioBitrateKbps),
		"-movflags", "+faststart",
		output,
	)
	return args
}

// videoEncoder maps the requested codec onto an ffmpeg encoder name,
// preferring the NVENC variant when the node probed a hardware encoder.
func (t *Transcoder) videoEncoder(codec string) string {
	hw := t.encoder == models.EncoderHardware
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "h264", "avc", "libx264":
		if hw {
			return "h264_nvenc"
		}
		return "libx264"
	case "h265", "hevc", "libx265":
		if hw {
			return "hevc_nvenc"
		}
		return "libx265"
	default:
		// Unknown codecs pass through untouched so the control plane can
		// request anything the local ffmpeg build supports.
		return codec
	}
}

// scanStatusLines is a bufio.SplitFunc that treats both \r and \n as line
// terminators.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// formatTimemark renders a duration as ffmpeg's HH:MM:SS.cc timemark.
func formatTimemark(d time.Duration) string {
	totalCs := d.Milliseconds() / 10
	cs := totalCs % 100
	totalSec := totalCs / 100
	return fmt.Sprintf("%02d:%02d:%02d.%02d", totalSec/3600, (totalSec/60)%60, totalSec%60, cs)
}
