package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		BaseURL:  srv.URL,
		Hostname: "test-host",
		Proxy:    config.ProxySettings{Mode: "no-proxy"},
	}
	identity := &config.Identity{ID: "machine-1", Token: "test-token", Name: "test-host"}

	logger := logging.New("api")
	logger.SetOutput(io.Discard)

	client, err := NewClient(cfg, identity, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestClientOnline(t *testing.T) {
	var gotPath, gotAuth, gotContentType, gotAccept string
	var gotBody struct {
		Machine *models.Machine `json:"machine"`
	}

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	machine := &models.Machine{ID: "machine-1", Name: "test-host", Encoder: models.EncoderCPU}
	if err := client.Online(context.Background(), machine); err != nil {
		t.Fatalf("Online failed: %v", err)
	}

	if gotPath != "/api/runner/online" {
		t.Errorf("path = %q, want /api/runner/online", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
	if gotBody.Machine == nil || gotBody.Machine.ID != "machine-1" || gotBody.Machine.Encoder != models.EncoderCPU {
		t.Errorf("machine envelope = %+v, want id machine-1 with cpu encoder", gotBody.Machine)
	}
}

func TestClientHeartbeat(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	info := &models.DeviceInfo{CPU: models.CPUInfo{Brand: "test cpu", Cores: 8}}
	if err := client.Heartbeat(context.Background(), info, models.EncoderHardware); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if gotPath != "/api/runner/heartbeat" {
		t.Errorf("path = %q, want /api/runner/heartbeat", gotPath)
	}
	if _, ok := gotBody["deviceInfo"]; !ok {
		t.Error("heartbeat body is missing deviceInfo")
	}
	if string(gotBody["encoder"]) != `"hardware"` {
		t.Errorf("encoder = %s, want \"hardware\"", gotBody["encoder"])
	}
}

func TestClientGetTask(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/runner/getTask" {
			http.NotFound(w, r)
			return
		}
		task := &models.Task{
			ID:       "task-1",
			Source:   "http://origin/task-1.mp4",
			Status:   models.StatusWaiting,
			Priority: 3,
		}
		json.NewEncoder(w).Encode(taskResponse{Task: task})
	}))

	task, err := client.GetTask(context.Background())
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task == nil {
		t.Fatal("GetTask returned nil task")
	}
	if task.ID != "task-1" || task.Priority != 3 || task.Status != models.StatusWaiting {
		t.Errorf("task = %+v, want task-1 prio 3 WAITING", task)
	}
}

func TestClientGetTaskNoWork(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no task available", http.StatusNotFound)
	}))

	task, err := client.GetTask(context.Background())
	if err != nil {
		t.Fatalf("GetTask on empty backlog failed: %v", err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil on 404", task)
	}
}

func TestClientGetTaskRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))

	_, err := client.GetTask(context.Background())
	if err == nil {
		t.Fatal("GetTask succeeded, want error on 400")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error = %v, want status 400 mentioned", err)
	}
}

func TestClientStart(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{"bind won", http.StatusOK, `{"success":true}`, true, false},
		{"bind lost", http.StatusOK, `{"success":false}`, false, false},
		{"rejected", http.StatusBadRequest, `bad request`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))

			got, err := client.Start(context.Background(), "task-9")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Start err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Start = %v, want %v", got, tt.want)
			}
			if gotPath != "/api/runner/task-9/start" {
				t.Errorf("path = %q, want /api/runner/task-9/start", gotPath)
			}
		})
	}
}

func TestClientStageMarkers(t *testing.T) {
	var paths []string
	var bodies []map[string]string

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))

	ctx := context.Background()
	if err := client.DownloadComplete(ctx, "task-1", "/scratch/task-1/in.mp4"); err != nil {
		t.Fatalf("DownloadComplete failed: %v", err)
	}
	if err := client.ConvertComplete(ctx, "task-1", "/scratch/task-1_converted.mp4"); err != nil {
		t.Fatalf("ConvertComplete failed: %v", err)
	}

	if len(paths) != 2 {
		t.Fatalf("got %d requests, want 2", len(paths))
	}
	if paths[0] != "/api/runner/task-1/downloadComplete" {
		t.Errorf("path = %q, want /api/runner/task-1/downloadComplete", paths[0])
	}
	if bodies[0]["downloadedFilePath"] != "/scratch/task-1/in.mp4" {
		t.Errorf("downloadedFilePath = %q", bodies[0]["downloadedFilePath"])
	}
	if paths[1] != "/api/runner/task-1/convertComplete" {
		t.Errorf("path = %q, want /api/runner/task-1/convertComplete", paths[1])
	}
	if bodies[1]["convertedFilePath"] != "/scratch/task-1_converted.mp4" {
		t.Errorf("convertedFilePath = %q", bodies[1]["convertedFilePath"])
	}
}

func TestClientProgressBestEffort(t *testing.T) {
	var paths []string
	var bodies []map[string]json.RawMessage

	// The server rejecting every tick must not surface to the caller.
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			bodies = append(bodies, body)
		}
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))

	ctx := context.Background()
	download := &models.DownloadInfo{StageProgress: models.NewStageProgress(2048)}
	download.CurrentSize = 1024
	download.Progress = 50
	client.ReportDownload(ctx, "task-1", download)
	client.ReportConvert(ctx, "task-1", &models.ConvertInfo{CurrentFps: 24})
	client.ReportUpload(ctx, "task-1", &models.UploadInfo{})

	wantPaths := []string{
		"/api/runner/task-1/download",
		"/api/runner/task-1/convert",
		"/api/runner/task-1/upload",
	}
	if len(paths) != len(wantPaths) {
		t.Fatalf("got %d requests, want %d", len(paths), len(wantPaths))
	}
	for i, want := range wantPaths {
		if paths[i] != want {
			t.Errorf("request %d path = %q, want %q", i, paths[i], want)
		}
	}

	wantKeys := []string{"downloadInfo", "convertInfo", "uploadInfo"}
	if len(bodies) != len(wantKeys) {
		t.Fatalf("decoded %d bodies, want %d", len(bodies), len(wantKeys))
	}
	for i, key := range wantKeys {
		if _, ok := bodies[i][key]; !ok {
			t.Errorf("request %d body is missing %s", i, key)
		}
	}
}

func TestClientComplete(t *testing.T) {
	var gotPath string
	var got struct {
		Result struct {
			Status           string  `json:"status"`
			Path             string  `json:"path"`
			TotalDuration    int64   `json:"totalDuration"`
			CompressionRatio float64 `json:"compressionRatio"`
		} `json:"result"`
	}

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	result := &models.TaskResult{TotalDuration: 95000, CompressionRatio: 0.42}
	if err := client.Complete(context.Background(), "task-1", result, "https://store/task-1.mp4"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if gotPath != "/api/runner/task-1/complete" {
		t.Errorf("path = %q, want /api/runner/task-1/complete", gotPath)
	}
	if got.Result.Status != "success" {
		t.Errorf("status = %q, want success", got.Result.Status)
	}
	if got.Result.Path != "https://store/task-1.mp4" {
		t.Errorf("path = %q, want presigned url", got.Result.Path)
	}
	if got.Result.TotalDuration != 95000 || got.Result.CompressionRatio != 0.42 {
		t.Errorf("result = %+v, want duration 95000 ratio 0.42", got.Result)
	}
}

func TestClientFail(t *testing.T) {
	var gotPath string
	var got struct {
		Error *models.TaskError `json:"error"`
	}

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	taskErr := models.TaskErrorf(models.CodeConvertError, "ffmpeg exited with code 1")
	if err := client.Fail(context.Background(), "task-1", taskErr); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if gotPath != "/api/runner/task-1/fail" {
		t.Errorf("path = %q, want /api/runner/task-1/fail", gotPath)
	}
	if got.Error == nil {
		t.Fatal("fail body is missing error")
	}
	if got.Error.Code != models.CodeConvertError {
		t.Errorf("code = %q, want %q", got.Error.Code, models.CodeConvertError)
	}
	if !strings.Contains(got.Error.Message, "ffmpeg") {
		t.Errorf("message = %q, want ffmpeg mentioned", got.Error.Message)
	}
}

func TestClientMinioCredentials(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/runner/minio" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(models.ObjectStoreCredentials{
			Endpoint:  "http://minio:9000",
			AccessKey: "ak",
			SecretKey: "sk",
			Bucket:    "converted",
		})
	}))

	creds, err := client.MinioCredentials(context.Background())
	if err != nil {
		t.Fatalf("MinioCredentials failed: %v", err)
	}
	if creds.Endpoint != "http://minio:9000" || creds.AccessKey != "ak" ||
		creds.SecretKey != "sk" || creds.Bucket != "converted" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestClientMinioCredentialsIncomplete(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ObjectStoreCredentials{Endpoint: "http://minio:9000"})
	}))

	_, err := client.MinioCredentials(context.Background())
	if err == nil {
		t.Fatal("MinioCredentials accepted incomplete credentials")
	}
	if !strings.Contains(err.Error(), "incomplete") {
		t.Errorf("error = %v, want incomplete credentials mentioned", err)
	}
}

func TestCheckRetry(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	resp := func(code int) *http.Response {
		return &http.Response{StatusCode: code}
	}

	tests := []struct {
		name    string
		ctx     context.Context
		resp    *http.Response
		err     error
		want    bool
		wantErr bool
	}{
		{"cancelled context", cancelled, nil, nil, false, true},
		{"connection refused", context.Background(), nil, errors.New("dial tcp 127.0.0.1:1: connection refused"), true, false},
		{"unrecognized transport error", context.Background(), nil, errors.New("unsupported protocol scheme"), false, false},
		{"server error", context.Background(), resp(http.StatusInternalServerError), nil, true, false},
		{"throttled", context.Background(), resp(http.StatusTooManyRequests), nil, true, false},
		{"no task", context.Background(), resp(http.StatusNotFound), nil, false, false},
		{"bad credentials", context.Background(), resp(http.StatusForbidden), nil, false, false},
		{"ok", context.Background(), resp(http.StatusOK), nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkRetry(tt.ctx, tt.resp, tt.err)
			if got != tt.want {
				t.Errorf("retry = %v, want %v", got, tt.want)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
