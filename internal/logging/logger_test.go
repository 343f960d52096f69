package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestResolveLevel(t *testing.T) {
	tests := []struct {
		name     string
		nodeEnv  string
		override string
		want     zerolog.Level
	}{
		{"production gets info", "production", "", zerolog.InfoLevel},
		{"production case-insensitive", "PRODUCTION", "", zerolog.InfoLevel},
		{"development gets debug", "development", "", zerolog.DebugLevel},
		{"empty gets debug", "", "", zerolog.DebugLevel},
		{"override wins over environment", "production", "trace", zerolog.TraceLevel},
		{"override is normalized", "", "WARN", zerolog.WarnLevel},
		{"bad override falls through", "production", "shouty", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveLevel(tt.nodeEnv, tt.override); got != tt.want {
				t.Errorf("ResolveLevel(%q, %q) = %v, want %v", tt.nodeEnv, tt.override, got, tt.want)
			}
		})
	}
}

// swapSink silences the shared sink for the duration of the test and undoes
// any tee the test installs.
func swapSink(t *testing.T, w io.Writer) {
	t.Helper()
	sink.mu.Lock()
	saved := sink.w
	sink.w = w
	sink.mu.Unlock()
	t.Cleanup(func() {
		sink.mu.Lock()
		sink.w = saved
		sink.mu.Unlock()
	})
}

// Loggers created before TeeFile still reach the file because every logger
// writes through the shared sink.
func TestTeeFileCoversExistingLoggers(t *testing.T) {
	logger := New("teetest")
	swapSink(t, io.Discard)

	path := filepath.Join(t.TempDir(), "runner.log")
	TeeFile(path)

	logger.Info().Str("task", "t1").Msg("tee check")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"component":"teetest"`, `"task":"t1"`, `"message":"tee check"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log file missing %s in %q", want, line)
		}
	}
}

func TestSetOutputDetachesFromSink(t *testing.T) {
	logger := New("detach")
	swapSink(t, io.Discard)

	var buf strings.Builder
	logger.SetOutput(&buf)

	path := filepath.Join(t.TempDir(), "runner.log")
	TeeFile(path)

	logger.Info().Msg("stays local")

	if !strings.Contains(buf.String(), "stays local") {
		t.Errorf("redirected logger did not write to its own output: %q", buf.String())
	}
	if data, err := os.ReadFile(path); err == nil && strings.Contains(string(data), "stays local") {
		t.Error("redirected logger leaked into the tee file")
	}
}
