// Package logging configures slog for the pipeline and holds the shared
// job, stage and tile log helpers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"merfish3d/internal/config"
)

const (
	filePrefix  = "merfish3d"
	currentLink = filePrefix + "-current.log"
)

// Setup builds the process logger from cfg.Logging, installs it as the slog
// default and returns it. Output always goes to stdout; with file output
// enabled it is also appended to a dated file in LogDir.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	lc := cfg.Logging
	level := parseLevel(lc.Level)

	w, err := sink(lc)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handlerFor(lc.Format, w, level))
	slog.SetDefault(logger)

	logger.Info("merfish3d logging initialized",
		"level", level.String(),
		"format", lc.Format,
		"file_output", lc.FileOutput,
		"log_dir", lc.LogDir,
	)
	return logger, nil
}

func sink(lc config.Logging) (io.Writer, error) {
	if !lc.FileOutput {
		return os.Stdout, nil
	}
	f, err := openDated(lc.LogDir, time.Now())
	if err != nil {
		return nil, err
	}
	return io.MultiWriter(os.Stdout, f), nil
}

// openDated opens the day's log file for appending and points the
// current-log symlink at it.
func openDated(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", filePrefix, day.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	link := filepath.Join(dir, currentLink)
	os.Remove(link)
	// Best effort; some filesystems refuse symlinks.
	_ = os.Symlink(name, link)
	return f, nil
}

func handlerFor(format string, w io.Writer, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

// TraditionalHandler writes `[LEVEL] message [k=v ...]` lines through a
// standard library logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	prefix string
	attrs  []string
}

// NewTraditionalHandler writes to w at the named level.
func NewTraditionalHandler(w io.Writer, level string) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: parseLevel(level)}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendAttr(fields, h.prefix, a)
		return true
	})
	line := "[" + strings.ToUpper(r.Level.String()) + "] " + r.Message
	if len(fields) > 0 {
		line += " [" + strings.Join(fields, " ") + "]"
	}
	h.logger.Print(line)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.prefix, a)
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, g := range v.Group() {
			dst = appendAttr(dst, prefix+a.Key+".", g)
		}
		return dst
	}
	if a.Key == "" {
		return dst
	}
	return append(dst, fmt.Sprintf("%s%s=%v", prefix, a.Key, v.Any()))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err == nil {
		return l
	}
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// LogJobStart logs a job leaving the queue.
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	args := []any{"type", jobType, "id", jobID}
	if inputPath != "" {
		args = append(args, "input", inputPath)
	}
	if outputPath != "" {
		args = append(args, "output", outputPath)
	}
	if len(options) > 0 {
		args = append(args, "options", options)
	}
	logger.Info("job started", args...)
}

// LogJobComplete logs a job that finished without error.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, meta map[string]any) {
	logger.Info("job completed",
		"type", jobType,
		"id", jobID,
		"elapsed", duration.Round(time.Millisecond).String(),
		"result", meta,
	)
}

// LogJobError logs a failed job with whatever partial metadata it produced.
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, meta map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"elapsed", duration.Round(time.Millisecond).String(),
		"error", err.Error(),
		"result", meta,
	)
}

// LogTileFailure logs a tile abandoned inside a batch stage. The batch
// continues with the remaining tiles.
func LogTileFailure(logger *slog.Logger, stage string, tile int, err error) {
	logger.Error("tile failed", "stage", stage, "tile", tile, "error", err.Error())
}

// LogStage logs a pipeline stage transition.
func LogStage(logger *slog.Logger, stage, status string, start time.Time, details map[string]any) {
	logger.Info("pipeline stage",
		"stage", stage,
		"status", status,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
		"details", details,
	)
}

// LogStored logs a persisted array with its encoded size.
func LogStored(logger *slog.Logger, what string, bytes int) {
	logger.Debug("stored", "what", what, "size", humanize.Bytes(uint64(bytes)))
}
