// Package download implements the chunked, resumable transfer engine that
// fetches task sources onto the scratch volume. A download is split into
// ranged GETs, each streamed to a .partN sibling of the destination; parts
// survive interruption and shift the range start on the next attempt.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/http"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
)

var log = logging.New("download")

// copyBufferSize is the read buffer handed to each in-flight chunk.
const copyBufferSize = 256 * 1024

// Buffer pool to reduce GC pressure across chunk transfers.
var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, copyBufferSize)
		return &buf
	},
}

// Progress is a point-in-time snapshot of a running download.
type Progress struct {
	TotalSize    int64
	Downloaded   int64
	Percent      float64 // 0..100
	CurrentSpeed float64 // bytes/sec over the sample window
	AverageSpeed float64 // bytes/sec since start
	ETASeconds   float64
}

// ProgressFunc receives snapshots at one-second intervals and on the
// terminal transition. Calls are serialized on a single goroutine.
type ProgressFunc func(Progress)

// Options tune the chunk plan and retry budget. Zero values fall back to
// the package defaults.
type Options struct {
	ChunkSize   int64
	MinChunks   int
	MaxChunks   int
	MaxInflight int

	// Attempts bounds the tries per chunk before the download fails.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Single forces a one-chunk plan and tolerates sources that do not
	// report a content length.
	Single bool
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = constants.DownloadChunkSize
	}
	if o.MinChunks < 1 {
		o.MinChunks = constants.MinDownloadChunks
	}
	if o.MaxChunks < o.MinChunks {
		o.MaxChunks = constants.MaxDownloadChunks
	}
	if o.MaxInflight < 1 {
		o.MaxInflight = constants.MaxInflightChunks
	}
	if o.Attempts < 1 {
		o.Attempts = constants.ChunkMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = constants.RetryInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = constants.RetryMaxDelay
	}
	return o
}

// Engine downloads sources with ranged GETs over a shared transfer client.
type Engine struct {
	client *nethttp.Client
	opts   Options
}

// New creates an engine on top of the given transfer client.
func New(client *nethttp.Client, opts Options) *Engine {
	return &Engine{client: client, opts: opts.withDefaults()}
}

// chunk is one byte range of the plan. end == -1 means "to EOF", used for
// the single-chunk plan over an unknown length.
type chunk struct {
	index int
	start int64
	end   int64
}

func (c chunk) length() int64 {
	if c.end < 0 {
		return -1
	}
	return c.end - c.start + 1
}

// partPath returns the sibling tempfile holding one chunk.
func partPath(destPath string, index int) string {
	return destPath + constants.PartSuffix + strconv.Itoa(index)
}

// planChunks splits size bytes into contiguous ranges. The chunk count is
// ceil(size/chunkSize) clamped to [MinChunks, MaxChunks]; the clamp
// redistributes bytes evenly rather than growing the chunk count.
func planChunks(size int64, opts Options) []chunk {
	if size <= 0 {
		return []chunk{{index: 0, start: 0, end: -1}}
	}
	if opts.Single {
		return []chunk{{index: 0, start: 0, end: size - 1}}
	}

	n := int((size + opts.ChunkSize - 1) / opts.ChunkSize)
	if n < opts.MinChunks {
		n = opts.MinChunks
	}
	if n > opts.MaxChunks {
		n = opts.MaxChunks
	}
	if int64(n) > size {
		n = int(size)
	}

	per := size / int64(n)
	chunks := make([]chunk, n)
	for i := 0; i < n; i++ {
		start := int64(i) * per
		end := start + per - 1
		if i == n-1 {
			end = size - 1
		}
		chunks[i] = chunk{index: i, start: start, end: end}
	}
	return chunks
}

// Download fetches rawURL into destPath and returns the destination on
// success. Cancellation aborts in-flight bodies but retains part files so a
// later call resumes where this one stopped.
func (e *Engine) Download(ctx context.Context, rawURL, destPath string, onProgress ProgressFunc) (string, error) {
	size, err := e.probeSize(ctx, rawURL)
	if err != nil {
		if !e.opts.Single {
			return "", err
		}
		log.Debug().Err(err).Str("url", rawURL).Msg("Probe failed, streaming without a length")
		size = 0
	}
	if size <= 0 && !e.opts.Single {
		return "", fmt.Errorf("source did not report a content length")
	}

	plan := planChunks(size, e.opts)

	t := &tracker{total: size, start: time.Now()}
	resumed, err := scanParts(destPath, plan)
	if err != nil {
		return "", err
	}
	t.downloaded.Store(resumed)
	if resumed > 0 {
		log.Info().Int64("bytes", resumed).Str("dest", destPath).Msg("Resuming from part files")
	}
	log.Debug().
		Int64("size", size).
		Int("chunks", len(plan)).
		Str("dest", destPath).
		Msg("Download planned")

	done := make(chan struct{})
	var samplerWG sync.WaitGroup
	if onProgress != nil {
		samplerWG.Add(1)
		go func() {
			defer samplerWG.Done()
			runSampler(ctx, t, onProgress, done)
		}()
	}

	err = e.fetchAll(ctx, rawURL, destPath, plan, t)
	close(done)
	samplerWG.Wait()
	if err != nil {
		return "", err
	}

	if err := assemble(destPath, plan); err != nil {
		return "", err
	}

	if size > 0 {
		info, err := os.Stat(destPath)
		if err != nil {
			return "", fmt.Errorf("failed to stat assembled file: %w", err)
		}
		if info.Size() != size {
			return "", fmt.Errorf("size mismatch after download: got %d, want %d", info.Size(), size)
		}
	}

	if onProgress != nil {
		p := t.snapshot(0)
		p.Percent = 100
		p.ETASeconds = 0
		if p.TotalSize == 0 {
			p.TotalSize = p.Downloaded
		}
		onProgress(p)
	}

	return destPath, nil
}

// ProbeSize returns the source's content length without downloading it.
// The pipeline checks scratch space against this before starting.
func (e *Engine) ProbeSize(ctx context.Context, rawURL string) (int64, error) {
	return e.probeSize(ctx, rawURL)
}

// probeSize HEADs the source for its content length.
func (e *Engine) probeSize(ctx context.Context, rawURL string) (int64, error) {
	var size int64
	cfg := http.Config{
		MaxRetries:   e.opts.Attempts,
		InitialDelay: e.opts.InitialDelay,
		MaxDelay:     e.opts.MaxDelay,
	}
	err := http.ExecuteWithRetry(ctx, cfg, func() error {
		req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodHead, rawURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create probe request: %w", err)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("probe failed: status %d", resp.StatusCode)
		}
		size = resp.ContentLength
		return nil
	})
	return size, err
}

// scanParts sums the bytes already on disk for the plan, trimming any part
// that outgrew its chunk under an earlier plan.
func scanParts(destPath string, plan []chunk) (int64, error) {
	var resumed int64
	for _, c := range plan {
		path := partPath(destPath, c.index)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("failed to stat part file: %w", err)
		}
		have := info.Size()
		if cLen := c.length(); cLen >= 0 && have > cLen {
			if err := os.Truncate(path, cLen); err != nil {
				return 0, fmt.Errorf("failed to trim oversized part: %w", err)
			}
			have = cLen
		}
		resumed += have
	}
	return resumed, nil
}

// fetchAll drives the chunk plan with at most MaxInflight transfers at
// once. The first chunk failure cancels the rest; part files are retained.
func (e *Engine) fetchAll(parent context.Context, rawURL, destPath string, plan []chunk, t *tracker) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sem := make(chan struct{}, e.opts.MaxInflight)
	errCh := make(chan error, len(plan))
	var wg sync.WaitGroup

	for _, c := range plan {
		wg.Add(1)
		go func(c chunk) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if err := e.fetchChunk(ctx, rawURL, destPath, c, t); err != nil {
				errCh <- fmt.Errorf("chunk %d: %w", c.index, err)
				cancel()
			}
		}(c)
	}

	wg.Wait()
	close(errCh)

	// Losing chunks report cancellation noise once one of them fails; the
	// root cause is the first error that is not a cancel.
	var firstErr error
	for err := range errCh {
		if errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "context canceled") {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return parent.Err()
}

// fetchChunk brings one part file up to its full range, re-reading the
// bytes already on disk at the start of every attempt.
func (e *Engine) fetchChunk(ctx context.Context, rawURL, destPath string, c chunk, t *tracker) error {
	cfg := http.Config{
		MaxRetries:   e.opts.Attempts,
		InitialDelay: e.opts.InitialDelay,
		MaxDelay:     e.opts.MaxDelay,
		OnRetry: func(attempt int, err error, _ http.ErrorType) {
			log.Warn().Err(err).Int("chunk", c.index).Int("attempt", attempt).Msg("Retrying chunk")
		},
	}
	return http.ExecuteWithRetry(ctx, cfg, func() error {
		return e.fetchChunkOnce(ctx, rawURL, destPath, c, t)
	})
}

func (e *Engine) fetchChunkOnce(ctx context.Context, rawURL, destPath string, c chunk, t *tracker) error {
	path := partPath(destPath, c.index)

	var have int64
	if info, err := os.Stat(path); err == nil {
		have = info.Size()
	}

	cLen := c.length()
	if cLen >= 0 {
		if have > cLen {
			if err := os.Truncate(path, cLen); err != nil {
				return fmt.Errorf("failed to trim part file: %w", err)
			}
			have = cLen
		}
		if have == cLen {
			return nil
		}
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	start := c.start + have
	if c.end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, c.end))
	} else if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		// The server ignored the range header. Acceptable only when the
		// request covered the whole file; resumed bytes must be dropped
		// because the body restarts at zero.
		wholeFile := c.start == 0 && (c.end < 0 || (t.total > 0 && c.end == t.total-1))
		if !wholeFile {
			return fmt.Errorf("server ignored range request: status 200")
		}
		if have > 0 {
			if err := os.Truncate(path, 0); err != nil {
				return fmt.Errorf("failed to reset part file: %w", err)
			}
			t.downloaded.Add(-have)
			have = 0
		}
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}
	defer file.Close()

	var body io.Reader = resp.Body
	if cLen >= 0 {
		body = io.LimitReader(resp.Body, cLen-have)
	}

	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	written := have
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("failed to write part file: %w", writeErr)
			}
			written += int64(n)
			t.downloaded.Add(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("body read failed: %w", readErr)
		}
	}

	if cLen >= 0 && written != cLen {
		// Short body without a read error. Surface it as an unexpected
		// EOF so the retry path picks up the remainder of the range.
		return fmt.Errorf("%w: part has %d of %d bytes", io.ErrUnexpectedEOF, written, cLen)
	}
	return nil
}

// assemble concatenates the part files into destPath in index order,
// unlinking each part as it is consumed.
func assemble(destPath string, plan []chunk) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer out.Close()

	for _, c := range plan {
		path := partPath(destPath, c.index)
		part, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open part %d: %w", c.index, err)
		}
		if _, err := io.Copy(out, part); err != nil {
			part.Close()
			return fmt.Errorf("failed to append part %d: %w", c.index, err)
		}
		part.Close()
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to unlink part %d: %w", c.index, err)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync destination: %w", err)
	}
	return nil
}

// tracker accumulates bytes across chunk goroutines.
type tracker struct {
	total      int64
	downloaded atomic.Int64
	start      time.Time
}

// snapshot builds a Progress from the counters and the sampled speed.
func (t *tracker) snapshot(currentSpeed float64) Progress {
	downloaded := t.downloaded.Load()
	p := Progress{
		TotalSize:    t.total,
		Downloaded:   downloaded,
		CurrentSpeed: currentSpeed,
	}
	if elapsed := time.Since(t.start).Seconds(); elapsed > 0 {
		p.AverageSpeed = float64(downloaded) / elapsed
	}
	if t.total > 0 {
		p.Percent = float64(downloaded) / float64(t.total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
		if currentSpeed > 0 && downloaded < t.total {
			p.ETASeconds = float64(t.total-downloaded) / currentSpeed
		}
	}
	return p
}

// runSampler emits one snapshot per second. Speed is the mean of the last
// SpeedWindowSeconds one-second deltas.
func runSampler(ctx context.Context, t *tracker, onProgress ProgressFunc, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var window []int64
	prev := t.downloaded.Load()

	onProgress(t.snapshot(0))

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := t.downloaded.Load()
			window = append(window, cur-prev)
			prev = cur
			if len(window) > constants.SpeedWindowSeconds {
				window = window[1:]
			}
			var sum int64
			for _, d := range window {
				sum += d
			}
			onProgress(t.snapshot(float64(sum) / float64(len(window))))
		}
	}
}
