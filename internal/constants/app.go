package constants

import (
	"time"
)

// Download engine
const (
	// DownloadChunkSize - size of each download chunk (5 MB)
	// Chunks are fetched with ranged GETs and written to .partN siblings.
	DownloadChunkSize = 5 * 1024 * 1024

	// MaxDownloadChunks - maximum number of chunks per download (32)
	// The chunk plan is ceil(size/chunkSize) clamped to [MinDownloadChunks, MaxDownloadChunks].
	MaxDownloadChunks = 32

	// MinDownloadChunks - minimum number of chunks per download (1)
	MinDownloadChunks = 1

	// MaxInflightChunks - chunks transferred concurrently per download (8)
	MaxInflightChunks = 8

	// ChunkMaxAttempts - attempts per chunk before the download fails (5)
	ChunkMaxAttempts = 5

	// SpeedWindowSeconds - seconds of per-second deltas kept for speed calc (5)
	SpeedWindowSeconds = 5
)

// Upload to object storage
const (
	// MultipartThreshold - files larger than this use multipart upload (10 MB)
	MultipartThreshold = 10 * 1024 * 1024

	// UploadPartSize - size of each multipart part (5 MB, the S3 minimum)
	UploadPartSize = 5 * 1024 * 1024

	// PresignExpiry - validity window for presigned result URLs (7 days)
	PresignExpiry = 7 * 24 * time.Hour

	// UploadPartTimeout - timeout for a single part PUT (10 minutes)
	UploadPartTimeout = 10 * time.Minute
)

// Transcode defaults
const (
	// MaxOutputFileSize - ceiling used by the bitrate solver (3.8 GB)
	MaxOutputFileSize int64 = 38 * 1024 * 1024 * 1024 / 10

	// SolverAudioBitrateKbps - audio bitrate assumed by the solver (192 kbps)
	SolverAudioBitrateKbps = 192

	// OutputAudioBitrateKbps - audio bitrate passed to the encoder (128 kbps)
	OutputAudioBitrateKbps = 128

	// MinVideoBitrateKbps - floor for the solved video bitrate (100 kbps)
	MinVideoBitrateKbps = 100

	// MaxVideoBitrateKbps - default ceiling for the solved video bitrate (8000 kbps)
	MaxVideoBitrateKbps = 8000
)

// Stage queue capacities
const (
	// DefaultDownloadCap - concurrent downloads (1)
	DefaultDownloadCap = 1

	// DefaultConvertCap - concurrent transcodes (1)
	DefaultConvertCap = 1

	// DefaultUploadCap - concurrent uploads (1)
	DefaultUploadCap = 1
)

// Runner loops
const (
	// TaskPollInterval - interval between getTask polls (5 seconds)
	TaskPollInterval = 5 * time.Second

	// HeartbeatInterval - interval between heartbeat posts (20 seconds)
	HeartbeatInterval = 20 * time.Second

	// DispatchInterval - interval between stage dispatch passes (500ms)
	DispatchInterval = 500 * time.Millisecond

	// ProgressReportInterval - minimum interval between progress posts (1 second)
	ProgressReportInterval = 1 * time.Second
)

// Retry configuration
const (
	// MaxStateRetries - retries for state-changing control-plane calls (3)
	MaxStateRetries = 3

	// RetryInitialDelay - initial delay before first retry (1s)
	RetryInitialDelay = 1 * time.Second

	// RetryMaxDelay - maximum delay between retries (30s)
	// Exponential backoff with jitter caps at this value.
	RetryMaxDelay = 30 * time.Second
)

// Probe
const (
	// GPUProbeTimeout - time allowed for the vendor GPU tool to answer (5 seconds)
	GPUProbeTimeout = 5 * time.Second
)

// Disk space safety margin
const (
	// ScratchSpaceFactor - multiple of the source size required free on the
	// scratch volume before a download starts. Covers the source plus the
	// converted output with headroom.
	ScratchSpaceFactor = 2.2
)

// Event system
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// StageEventBuffer - buffer for stage completion events (16)
	StageEventBuffer = 16
)

// API and context timeouts
const (
	// APIRequestTimeout - timeout per control-plane request attempt (30 seconds)
	APIRequestTimeout = 30 * time.Second
)

// HTTP client timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing a connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for the dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)

// Scratch layout
const (
	// ScratchDirName - directory under the system temp root that holds all
	// per-task scratch directories and converted outputs.
	ScratchDirName = "videoconverter"

	// ConvertedSuffix - suffix of transcode outputs next to the task dir.
	ConvertedSuffix = "_converted.mp4"

	// PartSuffix - prefix of download part siblings (.part0, .part1, ...).
	PartSuffix = ".part"
)
