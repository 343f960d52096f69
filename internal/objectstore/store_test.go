package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

const testBucket = "outputs"

// fakeS3 is a minimal path-style S3 endpoint covering the calls the store
// makes: PutObject, the multipart trio, HeadObject and DeleteObject.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	metadata    map[string]map[string]string
	uploads     map[string]map[int][]byte
	puts        int
	putAttempts int
	creates     int
	aborted     []string
	deleted     []string
	failPuts    int   // next N PutObject calls answer 403
	headLie     int64 // when set, HeadObject reports this size
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		uploads:  make(map[string]map[int][]byte),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) handle(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.mu.Lock()
		f.creates++
		id := fmt.Sprintf("upload-%d", f.creates)
		f.uploads[id] = make(map[int][]byte)
		f.metadata[key] = metaHeaders(r)
		f.mu.Unlock()
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, testBucket, key, id)

	case r.Method == http.MethodPut && q.Get("partNumber") != "":
		body, _ := io.ReadAll(r.Body)
		id := q.Get("uploadId")
		n, _ := strconv.Atoi(q.Get("partNumber"))
		f.mu.Lock()
		parts, ok := f.uploads[id]
		if !ok {
			f.mu.Unlock()
			writeS3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		parts[n] = body
		f.mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf(`"etag-part-%d"`, n))

	case r.Method == http.MethodPost && q.Get("uploadId") != "":
		id := q.Get("uploadId")
		f.mu.Lock()
		parts, ok := f.uploads[id]
		if !ok {
			f.mu.Unlock()
			writeS3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		nums := make([]int, 0, len(parts))
		for n := range parts {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var buf bytes.Buffer
		for _, n := range nums {
			buf.Write(parts[n])
		}
		f.objects[key] = buf.Bytes()
		delete(f.uploads, id)
		f.mu.Unlock()
		fmt.Fprintf(w, `<CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>"etag-complete"</ETag></CompleteMultipartUploadResult>`, testBucket, key)

	case r.Method == http.MethodDelete && q.Get("uploadId") != "":
		f.mu.Lock()
		f.aborted = append(f.aborted, q.Get("uploadId"))
		delete(f.uploads, q.Get("uploadId"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.putAttempts++
		if f.failPuts > 0 {
			f.failPuts--
			f.mu.Unlock()
			writeS3Error(w, http.StatusForbidden, "InvalidAccessKeyId")
			return
		}
		f.puts++
		f.objects[key] = body
		f.metadata[key] = metaHeaders(r)
		f.mu.Unlock()
		w.Header().Set("ETag", `"etag-single"`)

	case r.Method == http.MethodHead:
		f.mu.Lock()
		body, ok := f.objects[key]
		lie := f.headLie
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		size := int64(len(body))
		if lie != 0 {
			size = lie
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Content-Type", uploadContentType)

	case r.Method == http.MethodDelete:
		f.mu.Lock()
		delete(f.objects, key)
		f.deleted = append(f.deleted, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "not implemented", http.StatusNotImplemented)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func metaHeaders(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return meta
}

func storeCreds(endpoint string) *models.ObjectStoreCredentials {
	return &models.ObjectStoreCredentials{
		Endpoint:  endpoint,
		AccessKey: "test-access",
		SecretKey: "test-secret",
		Bucket:    testBucket,
	}
}

func writeFileOfSize(t *testing.T, size int) string {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 249)
	}
	path := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type progressSnap struct {
	uploaded, total int64
	percent         int
}

func TestUploadSinglePart(t *testing.T) {
	fake, srv := newFakeS3(t)
	store, err := New(context.Background(), storeCreds(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	path := writeFileOfSize(t, 1024)
	meta := map[string]string{"taskid": "t1", "duration": "10"}

	var mu sync.Mutex
	var snaps []progressSnap
	result, err := store.Upload(context.Background(), path, "t1.mp4", meta, func(uploaded, total int64, percent int) {
		mu.Lock()
		snaps = append(snaps, progressSnap{uploaded, total, percent})
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if fake.puts != 1 || fake.creates != 0 {
		t.Errorf("puts=%d creates=%d, want a single PutObject", fake.puts, fake.creates)
	}
	want, _ := os.ReadFile(path)
	if !bytes.Equal(fake.objects["t1.mp4"], want) {
		t.Error("stored object differs from source")
	}
	if fake.metadata["t1.mp4"]["taskid"] != "t1" {
		t.Errorf("metadata not stored: %v", fake.metadata["t1.mp4"])
	}

	if result.Size != 1024 || result.Key != "t1.mp4" {
		t.Errorf("result = %+v", result)
	}
	if !strings.Contains(result.TargetURL, "/"+testBucket+"/t1.mp4") {
		t.Errorf("TargetURL %q does not address the object", result.TargetURL)
	}
	if !strings.Contains(result.TargetURL, "X-Amz-Expires=604800") {
		t.Errorf("TargetURL %q does not carry the 7 day expiry", result.TargetURL)
	}
	if !strings.Contains(result.TargetURL, "X-Amz-Signature=") {
		t.Errorf("TargetURL %q is not signed", result.TargetURL)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) < 2 {
		t.Fatalf("got %d progress snapshots, want start and finish", len(snaps))
	}
	if snaps[0].percent != 0 || snaps[len(snaps)-1].percent != 100 {
		t.Errorf("progress percents = %v", snaps)
	}
}

func TestUploadExactlyThresholdStaysSingle(t *testing.T) {
	fake, srv := newFakeS3(t)
	store, err := New(context.Background(), storeCreds(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	path := writeFileOfSize(t, constants.MultipartThreshold)
	if _, err := store.Upload(context.Background(), path, "edge.mp4", nil, nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if fake.puts != 1 || fake.creates != 0 {
		t.Errorf("puts=%d creates=%d, threshold-sized file must stay single-shot", fake.puts, fake.creates)
	}
}

func TestUploadMultipart(t *testing.T) {
	fake, srv := newFakeS3(t)
	store, err := New(context.Background(), storeCreds(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	size := constants.MultipartThreshold + 1
	path := writeFileOfSize(t, size)

	var mu sync.Mutex
	var snaps []progressSnap
	result, err := store.Upload(context.Background(), path, "big.mp4", map[string]string{"taskid": "t2"}, func(uploaded, total int64, percent int) {
		mu.Lock()
		snaps = append(snaps, progressSnap{uploaded, total, percent})
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if fake.creates != 1 || fake.puts != 0 {
		t.Errorf("creates=%d puts=%d, want one multipart upload", fake.creates, fake.puts)
	}
	want, _ := os.ReadFile(path)
	if !bytes.Equal(fake.objects["big.mp4"], want) {
		t.Fatal("reassembled object differs from source")
	}
	if fake.metadata["big.mp4"]["taskid"] != "t2" {
		t.Errorf("metadata not stored on create: %v", fake.metadata["big.mp4"])
	}
	if len(fake.aborted) != 0 {
		t.Errorf("successful upload aborted %v", fake.aborted)
	}
	if result.Size != int64(size) {
		t.Errorf("result.Size = %d, want %d", result.Size, size)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("no progress snapshots")
	}
	lastPercent := -1
	for _, s := range snaps {
		if s.percent <= lastPercent && s.uploaded < s.total {
			t.Errorf("percent did not advance: %v", snaps)
			break
		}
		lastPercent = s.percent
	}
	final := snaps[len(snaps)-1]
	if final.percent != 100 || final.uploaded != int64(size) {
		t.Errorf("final snapshot = %+v", final)
	}
}

func TestUploadVerifyMismatchDeletes(t *testing.T) {
	fake, srv := newFakeS3(t)
	store, err := New(context.Background(), storeCreds(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fake.headLie = 7

	path := writeFileOfSize(t, 2048)
	_, err = store.Upload(context.Background(), path, "short.mp4", nil, nil)
	if err == nil {
		t.Fatal("Upload succeeded despite size mismatch")
	}
	if !strings.Contains(err.Error(), "want 2048") {
		t.Errorf("err = %v, want size mismatch detail", err)
	}

	found := false
	for _, key := range fake.deleted {
		if key == "short.mp4" {
			found = true
		}
	}
	if !found {
		t.Error("mismatched object was not deleted")
	}
}

func TestUploadEmptySource(t *testing.T) {
	_, srv := newFakeS3(t)
	store, err := New(context.Background(), storeCreds(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "empty.mp4")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Upload(context.Background(), path, "empty.mp4", nil, nil); err == nil {
		t.Fatal("Upload accepted an empty source")
	}
}

func TestUploadRefreshesCredentialsOn403(t *testing.T) {
	fake, srv := newFakeS3(t)
	fake.failPuts = 1

	source := &fakeSource{creds: *storeCreds(srv.URL)}
	cache := NewCache(source)
	store, err := NewFromCache(context.Background(), cache, srv.Client())
	if err != nil {
		t.Fatalf("NewFromCache failed: %v", err)
	}

	path := writeFileOfSize(t, 512)
	if _, err := store.Upload(context.Background(), path, "auth.mp4", nil, nil); err != nil {
		t.Fatalf("Upload failed despite refresh path: %v", err)
	}

	if fake.putAttempts != 2 || fake.puts != 1 {
		t.Errorf("putAttempts=%d puts=%d, want one failed and one successful attempt", fake.putAttempts, fake.puts)
	}
	if got := source.count(); got != 2 {
		t.Errorf("credential fetches = %d, want initial fetch plus refresh", got)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"store.example.com:9000", "https://store.example.com:9000"},
		{"http://127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"https://minio.internal/", "https://minio.internal"},
		{"  host:9000  ", "https://host:9000"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("task-123"); got != "task-123.mp4" {
		t.Errorf("ObjectKey = %q", got)
	}
}
