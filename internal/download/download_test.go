package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

func testContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func sourceServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "in.mp4", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fastOpts keeps retry backoff out of test time.
func fastOpts(opts Options) Options {
	opts.InitialDelay = time.Millisecond
	opts.MaxDelay = 5 * time.Millisecond
	return opts
}

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		opts     Options
		wantN    int
		wantLast int64
	}{
		{"single byte", 1, Options{}, 1, 0},
		{"exact chunk", constants.DownloadChunkSize, Options{}, 1, constants.DownloadChunkSize - 1},
		{"one over", constants.DownloadChunkSize + 1, Options{}, 2, constants.DownloadChunkSize},
		{"clamped to max", 1 << 30, Options{}, constants.MaxDownloadChunks, 1<<30 - 1},
		{"raised to min", 100, Options{MinChunks: 4, ChunkSize: 100}, 4, 99},
		{"unknown length", 0, Options{}, 1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planChunks(tt.size, tt.opts.withDefaults())
			if len(plan) != tt.wantN {
				t.Fatalf("got %d chunks, want %d", len(plan), tt.wantN)
			}
			if got := plan[len(plan)-1].end; got != tt.wantLast {
				t.Errorf("last end = %d, want %d", got, tt.wantLast)
			}
			if tt.size <= 0 {
				return
			}
			var next int64
			for _, c := range plan {
				if c.start != next {
					t.Fatalf("chunk %d starts at %d, want %d", c.index, c.start, next)
				}
				next = c.end + 1
			}
			if next != tt.size {
				t.Errorf("chunks cover %d bytes, want %d", next, tt.size)
			}
		})
	}
}

func TestDownloadChunked(t *testing.T) {
	content := testContent(100_000)
	srv := sourceServer(t, content)
	dest := filepath.Join(t.TempDir(), "in.mp4")

	engine := New(srv.Client(), fastOpts(Options{ChunkSize: 10_000, MaxInflight: 4, Attempts: 2}))

	var mu sync.Mutex
	var snaps []Progress
	got, err := engine.Download(context.Background(), srv.URL, dest, func(p Progress) {
		mu.Lock()
		snaps = append(snaps, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got != dest {
		t.Errorf("returned path = %q, want %q", got, dest)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("downloaded %d bytes, differs from source (%d bytes)", len(data), len(content))
	}

	parts, _ := filepath.Glob(dest + constants.PartSuffix + "*")
	if len(parts) != 0 {
		t.Errorf("part files left behind: %v", parts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("no progress snapshots")
	}
	last := snaps[len(snaps)-1]
	if last.Percent != 100 || last.Downloaded != int64(len(content)) || last.TotalSize != int64(len(content)) {
		t.Errorf("terminal snapshot = %+v", last)
	}
}

func TestDownloadResume(t *testing.T) {
	content := testContent(1000)
	var mu sync.Mutex
	var ranges []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		http.ServeContent(w, r, "in.mp4", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "in.mp4")

	// Chunk 0 finished in a previous run, chunk 3 got halfway.
	if err := os.WriteFile(dest+constants.PartSuffix+"0", content[0:100], 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest+constants.PartSuffix+"3", content[300:350], 0644); err != nil {
		t.Fatal(err)
	}

	engine := New(srv.Client(), fastOpts(Options{ChunkSize: 100, MaxInflight: 4, Attempts: 2}))
	if _, err := engine.Download(context.Background(), srv.URL, dest, nil); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("resumed download differs from source")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, r := range ranges {
		if r == "bytes=0-99" {
			t.Error("completed chunk 0 was fetched again")
		}
	}
	var resumedMidChunk bool
	for _, r := range ranges {
		if r == "bytes=350-399" {
			resumedMidChunk = true
		}
	}
	if !resumedMidChunk {
		t.Errorf("chunk 3 did not resume at byte 350; ranges: %v", ranges)
	}
}

func TestDownloadRetriesBlip(t *testing.T) {
	content := testContent(50_000)
	var gets atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets.Add(1) == 1 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "in.mp4", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "in.mp4")
	engine := New(srv.Client(), fastOpts(Options{ChunkSize: 10_000, MaxInflight: 2, Attempts: 3}))

	if _, err := engine.Download(context.Background(), srv.URL, dest, nil); err != nil {
		t.Fatalf("Download failed despite retry budget: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("downloaded file differs from source")
	}
}

func TestDownloadCancelKeepsParts(t *testing.T) {
	const size = 64 * 1024

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(size))
			w.WriteHeader(http.StatusOK)
			return
		}
		// Trickle the body so cancellation lands mid-transfer.
		w.WriteHeader(http.StatusPartialContent)
		flusher := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			if _, err := w.Write(make([]byte, 64)); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "in.mp4")
	engine := New(srv.Client(), fastOpts(Options{ChunkSize: 8 * 1024, MaxInflight: 4, Attempts: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	if _, err := engine.Download(ctx, srv.URL, dest, nil); err == nil {
		t.Fatal("Download succeeded despite cancellation")
	}

	parts, _ := filepath.Glob(dest + constants.PartSuffix + "*")
	if len(parts) == 0 {
		t.Error("no part files retained after cancel")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination exists after cancelled download")
	}
}

func TestDownloadEmptySource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "in.mp4")
	engine := New(srv.Client(), fastOpts(Options{Attempts: 1}))

	_, err := engine.Download(context.Background(), srv.URL, dest, nil)
	if err == nil {
		t.Fatal("chunked download of a zero-length source succeeded")
	}
	if !strings.Contains(err.Error(), "content length") {
		t.Errorf("error = %v, want content length mentioned", err)
	}
}

func TestDownloadSingleUnknownLength(t *testing.T) {
	content := testContent(20_000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "in.mp4")
	engine := New(srv.Client(), fastOpts(Options{Single: true, Attempts: 1}))

	var mu sync.Mutex
	var last Progress
	_, err := engine.Download(context.Background(), srv.URL, dest, func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("downloaded file differs from source")
	}

	mu.Lock()
	defer mu.Unlock()
	if last.Percent != 100 || last.TotalSize != int64(len(content)) {
		t.Errorf("terminal snapshot = %+v", last)
	}
}
