package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"merfish3d/internal/config"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "info")).With("stage", "decode")
	logger.Info("tile decoded", "tile", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] tile decoded [stage=decode tile=3]") {
		t.Fatalf("unexpected log line %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug line to be filtered")
	}
}

func TestLogTileFailure(t *testing.T) {
	var buf bytes.Buffer
	LogTileFailure(slog.New(NewTraditionalHandler(&buf, "debug")), "localregister", 7, errors.New("shape mismatch"))
	if !strings.Contains(buf.String(), "[ERROR] tile failed [stage=localregister tile=7 error=shape mismatch]") {
		t.Fatalf("unexpected log line %q", buf.String())
	}
}

func TestLogStoredUsesHumanSizes(t *testing.T) {
	var buf bytes.Buffer
	LogStored(slog.New(NewTraditionalHandler(&buf, "debug")), "fused", 2_000_000)
	if !strings.Contains(buf.String(), "size=2.0 MB") {
		t.Fatalf("expected humanized size, got %q", buf.String())
	}
	buf.Reset()
	LogStage(slog.New(NewTraditionalHandler(&buf, "info")), "fuse", "done", time.Now(), nil)
	if !strings.Contains(buf.String(), "stage=fuse status=done") {
		t.Fatalf("unexpected stage line %q", buf.String())
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogDir = t.TempDir()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("expected setup to succeed, got %v", err)
	}
	logger.Info("hello")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "merfish3d-current.log"))
	if err != nil {
		t.Fatalf("expected current log symlink, got %v", err)
	}
	if !strings.Contains(string(data), "[INFO] hello") {
		t.Fatalf("expected log line in file, got %q", string(data))
	}
}
