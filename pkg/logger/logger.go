// Package logger provides the key-value logging interface used across the
// module, with log/slog and zerolog backends.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger logs a message followed by alternating keys and values.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop discards everything.
func Nop() Logger {
	return nop{}
}

// LogBuild configures a zerolog backed Logger.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

func NewBuild() *LogBuild {
	return &LogBuild{writer: os.Stderr, level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// WithLevel takes a zerolog level name such as "debug" or "warn".
func (build *LogBuild) WithLevel(level string) *LogBuild {
	if l, err := zerolog.ParseLevel(level); err == nil && l != zerolog.NoLevel {
		build.level = l
	}
	return build
}

// Make opens the log file if a path was set and returns the logger together
// with the file, which the caller closes. The file is nil otherwise.
func (build *LogBuild) Make() (*ZerologHandler, *os.File, error) {
	writer := build.writer
	var file *os.File
	if build.path != "" {
		var err error
		file, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, nil, err
		}
		writer = zerolog.SyncWriter(file)
	}
	zl := zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	return &ZerologHandler{logger: zl}, file, nil
}

// NewZerolog logs JSON lines to w at info level.
func NewZerolog(w io.Writer) *ZerologHandler {
	h, _, _ := NewBuild().FromBuffer(w).Make()
	return h
}

type ZerologHandler struct {
	logger zerolog.Logger
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	handler.logger.Error().Fields(args).Msg(msg)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	handler.logger.Warn().Fields(args).Msg(msg)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	handler.logger.Info().Fields(args).Msg(msg)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	handler.logger.Debug().Fields(args).Msg(msg)
}
