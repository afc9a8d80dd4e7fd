package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fintrack.log")
	logger, closer, err := New(Options{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("sync done", "pulled", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"sync done"`) || !strings.Contains(out, `"pulled":3`) {
		t.Errorf("log file = %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New() accepted an unknown format")
	}
}

func TestContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext() without logger did not return the default")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := ToContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext() did not return the stored logger")
	}
}
