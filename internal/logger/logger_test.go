package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Run("Formats", func(t *testing.T) {
		for _, format := range []string{"json", "console"} {
			l, err := New(Config{Level: "info", Format: format})
			if err != nil {
				t.Fatalf("Failed to create %s logger: %v", format, err)
			}
			l.WithComponent("test").WithJob("job-1").Info("hello")
		}
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		if _, err := New(Config{Level: "loud", Format: "json"}); err == nil {
			t.Error("Expected error for invalid level")
		}
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "app.log")
		l, err := New(Config{Level: "debug", Format: "json", File: &FileConfig{Enabled: true, Path: path}})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		l.LogRequest("POST", "/v1/embed", map[string][]string{
			"Authorization": {"Bearer secret"},
			"Content-Type":  {"application/json"},
		}, 200, 15*time.Millisecond)
		_ = l.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		content := string(data)
		if !strings.Contains(content, "/v1/embed") {
			t.Errorf("Request not logged: %s", content)
		}
		if strings.Contains(content, "secret") {
			t.Errorf("Authorization header leaked: %s", content)
		}
	})
}

func TestIsSensitiveHeader(t *testing.T) {
	for _, h := range []string{"Authorization", "X-Api-Key", "Cookie"} {
		if !isSensitiveHeader(h) {
			t.Errorf("%s should be sensitive", h)
		}
	}
	if isSensitiveHeader("Content-Type") {
		t.Error("Content-Type should not be sensitive")
	}
}

func TestSetLevel(t *testing.T) {
	l, err := New(Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	child := l.WithComponent("server")

	if child.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("Debug should be disabled at info level")
	}
	if err := l.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	if !child.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Derived logger should follow the new level")
	}
	if err := l.SetLevel("loud"); err == nil {
		t.Error("Expected error for invalid level")
	}

	fixed := &Logger{Logger: zap.NewNop()}
	if err := fixed.SetLevel("debug"); err == nil {
		t.Error("Expected error for a logger without an atomic level")
	}
}
