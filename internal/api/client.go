// Package api implements the control-plane client used by the runner.
// State-changing calls (register, bind, stage markers, terminal reports)
// ride a retrying client; per-second progress ticks ride a plain client
// and are fire-and-forget.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/http"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

// retryLogger adapts the component logger to retryablehttp's LeveledLogger.
// Info and debug chatter is dropped; retries surface via the request hook.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

// Client represents the control-plane API client.
type Client struct {
	stateClient    *nethttp.Client
	progressClient *nethttp.Client
	baseURL        string
	token          string
	log            *logging.Logger
}

// NewClient creates a control-plane client from the validated config and
// the persisted runner identity.
func NewClient(cfg *config.Config, identity *config.Identity, logger *logging.Logger) (*Client, error) {
	progressClient, err := http.ConfigureAPIClient(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to configure progress client: %w", err)
	}

	stateBase, err := http.ConfigureAPIClient(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to configure state client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = stateBase
	retryClient.RetryMax = constants.MaxStateRetries
	retryClient.RetryWaitMin = constants.RetryInitialDelay
	retryClient.RetryWaitMax = constants.RetryMaxDelay
	retryClient.CheckRetry = checkRetry
	retryClient.Logger = &retryLogger{log: logger}
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *nethttp.Request, attempt int) {
		if attempt > 0 {
			logger.Warn().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("attempt", attempt).
				Msg("Retrying control-plane call")
		}
	}

	return &Client{
		stateClient:    retryClient.StandardClient(),
		progressClient: progressClient,
		baseURL:        cfg.APIBase(),
		token:          identity.Token,
		log:            logger,
	}, nil
}

// checkRetry retries connectivity failures and 5xx responses. 404 means
// "no task" and 403 is a credential problem; neither is retried.
func checkRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		t := http.ClassifyError(err)
		return t == http.ErrorTypeNetwork || t == http.ErrorTypeRetryable, nil
	}
	if resp == nil {
		return true, nil
	}
	return http.ClassifyStatus(resp.StatusCode) == http.ErrorTypeRetryable, nil
}

// doRequest performs an HTTP request with authentication against the
// control plane.
func (c *Client) doRequest(ctx context.Context, client *nethttp.Client, method, path string, body interface{}) (*nethttp.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doState(ctx context.Context, method, path string, body interface{}) (*nethttp.Response, error) {
	return c.doRequest(ctx, c.stateClient, method, path, body)
}

func (c *Client) doProgress(ctx context.Context, method, path string, body interface{}) (*nethttp.Response, error) {
	return c.doRequest(ctx, c.progressClient, method, path, body)
}

type onlineRequest struct {
	Machine *models.Machine `json:"machine"`
}

type heartbeatRequest struct {
	DeviceInfo *models.DeviceInfo `json:"deviceInfo"`
	Encoder    models.Encoder     `json:"encoder"`
}

type taskResponse struct {
	Task *models.Task `json:"task"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type downloadCompleteRequest struct {
	DownloadedFilePath string `json:"downloadedFilePath"`
}

type convertCompleteRequest struct {
	ConvertedFilePath string `json:"convertedFilePath"`
}

type downloadProgressRequest struct {
	DownloadInfo *models.DownloadInfo `json:"downloadInfo"`
}

type convertProgressRequest struct {
	ConvertInfo *models.ConvertInfo `json:"convertInfo"`
}

type uploadProgressRequest struct {
	UploadInfo *models.UploadInfo `json:"uploadInfo"`
}

type completeRequest struct {
	Result completeResult `json:"result"`
}

type completeResult struct {
	Status           string  `json:"status"`
	Path             string  `json:"path,omitempty"`
	TotalDuration    int64   `json:"totalDuration"`
	CompressionRatio float64 `json:"compressionRatio"`
}

type failRequest struct {
	Error *models.TaskError `json:"error"`
}

// Online registers or re-registers this machine with the control plane.
func (c *Client) Online(ctx context.Context, machine *models.Machine) error {
	resp, err := c.doState(ctx, "POST", "/runner/online", onlineRequest{Machine: machine})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("online failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Heartbeat reports liveness and current device telemetry.
func (c *Client) Heartbeat(ctx context.Context, deviceInfo *models.DeviceInfo, encoder models.Encoder) error {
	resp, err := c.doState(ctx, "POST", "/runner/heartbeat", heartbeatRequest{DeviceInfo: deviceInfo, Encoder: encoder})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("heartbeat failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetTask asks for the next unbound task. Returns (nil, nil) when the
// control plane has nothing to hand out (404).
func (c *Client) GetTask(ctx context.Context) (*models.Task, error) {
	resp, err := c.doState(ctx, "GET", "/runner/getTask", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get task failed: status %d: %s", resp.StatusCode, string(body))
	}

	var result taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode task response: %w", err)
	}
	return result.Task, nil
}

// Start attempts to bind a task to this runner. A false return without an
// error means another runner won the bind race.
func (c *Client) Start(ctx context.Context, taskID string) (bool, error) {
	resp, err := c.doState(ctx, "POST", fmt.Sprintf("/runner/%s/start", taskID), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("start task failed: status %d: %s", resp.StatusCode, string(body))
	}

	var result successResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode start response: %w", err)
	}
	return result.Success, nil
}

// DownloadComplete records the downloaded artifact path with the control
// plane before the task advances to converting.
func (c *Client) DownloadComplete(ctx context.Context, taskID, downloadedFilePath string) error {
	resp, err := c.doState(ctx, "POST", fmt.Sprintf("/runner/%s/downloadComplete", taskID),
		downloadCompleteRequest{DownloadedFilePath: downloadedFilePath})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("download complete failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ConvertComplete records the transcoded artifact path with the control
// plane before the task advances to uploading.
func (c *Client) ConvertComplete(ctx context.Context, taskID, convertedFilePath string) error {
	resp, err := c.doState(ctx, "POST", fmt.Sprintf("/runner/%s/convertComplete", taskID),
		convertCompleteRequest{ConvertedFilePath: convertedFilePath})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("convert complete failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ReportDownload posts a download progress tick.
func (c *Client) ReportDownload(ctx context.Context, taskID string, info *models.DownloadInfo) {
	c.reportProgress(ctx, taskID, "download", downloadProgressRequest{DownloadInfo: info})
}

// ReportConvert posts a transcode progress tick.
func (c *Client) ReportConvert(ctx context.Context, taskID string, info *models.ConvertInfo) {
	c.reportProgress(ctx, taskID, "convert", convertProgressRequest{ConvertInfo: info})
}

// ReportUpload posts an upload progress tick.
func (c *Client) ReportUpload(ctx context.Context, taskID string, info *models.UploadInfo) {
	c.reportProgress(ctx, taskID, "upload", uploadProgressRequest{UploadInfo: info})
}

// reportProgress is best-effort: a lost tick is cheaper than a stalled
// pipeline, so failures are logged at warn and swallowed.
func (c *Client) reportProgress(ctx context.Context, taskID, stage string, body interface{}) {
	resp, err := c.doProgress(ctx, "POST", fmt.Sprintf("/runner/%s/%s", taskID, stage), body)
	if err != nil {
		c.log.Warn().Err(err).Str("task", taskID).Str("stage", stage).Msg("Progress report failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("task", taskID).
			Str("stage", stage).
			Msg("Progress report rejected")
	}
}

// Complete reports terminal success for a task.
func (c *Client) Complete(ctx context.Context, taskID string, result *models.TaskResult, path string) error {
	req := completeRequest{Result: completeResult{
		Status:           "success",
		Path:             path,
		TotalDuration:    result.TotalDuration,
		CompressionRatio: result.CompressionRatio,
	}}

	resp, err := c.doState(ctx, "POST", fmt.Sprintf("/runner/%s/complete", taskID), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("complete failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Fail reports terminal failure for a task.
func (c *Client) Fail(ctx context.Context, taskID string, taskErr *models.TaskError) error {
	resp, err := c.doState(ctx, "POST", fmt.Sprintf("/runner/%s/fail", taskID), failRequest{Error: taskErr})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fail report failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// MinioCredentials fetches object-store credentials for result uploads.
func (c *Client) MinioCredentials(ctx context.Context) (*models.ObjectStoreCredentials, error) {
	resp, err := c.doState(ctx, "GET", "/runner/minio", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get credentials failed: status %d: %s", resp.StatusCode, string(body))
	}

	var creds models.ObjectStoreCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	if !creds.Valid() {
		return nil, fmt.Errorf("control plane returned incomplete credentials")
	}
	return &creds, nil
}
