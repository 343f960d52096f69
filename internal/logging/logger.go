// Package logging provides structured logging for the runner.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog with a per-component context.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
}

// New creates a logger tagged with the given component name. Output goes to
// stderr: human-readable console format when stderr is a terminal, JSON
// otherwise (stdout is reserved for command output).
func New(component string) *Logger {
	logger := zerolog.New(sink).
		With().
		Timestamp().
		Str("component", component).
		Logger()

	return &Logger{
		zlog:   logger,
		output: sink,
	}
}

func defaultWriter() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}
	return os.Stderr
}

// sink is the shared default output. Loggers write through it, so a file tee
// installed at startup also covers package-level loggers created before flag
// parsing.
var sink = &switchWriter{w: defaultWriter()}

type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) tee(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = zerolog.MultiLevelWriter(s.w, w)
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Fatal returns a fatal level event.
func (l *Logger) Fatal() *zerolog.Event {
	return l.zlog.Fatal()
}

// With creates a child logger context.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// SetOutput redirects the logger, preserving formatting. Used to route logs
// through a progress-bar container so lines do not tear the bars.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.zlog = l.zlog.Output(w)
}

// TeeFile mirrors every logger still on the default output into a
// size-rotated file at path. The file receives plain JSON lines regardless
// of console formatting.
func TeeFile(path string) {
	sink.tee(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// Debugf logs a debug message with printf-style formatting.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ResolveLevel maps the NODE_ENV convention and an optional LOG_LEVEL
// override to a zerolog level. Anything but production defaults to debug.
func ResolveLevel(nodeEnv, override string) zerolog.Level {
	if override != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(override)); err == nil {
			return lvl
		}
	}
	if strings.EqualFold(nodeEnv, "production") {
		return zerolog.InfoLevel
	}
	return zerolog.DebugLevel
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
