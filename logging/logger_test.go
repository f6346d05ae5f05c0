package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncLogger ignores the "invalid argument" Linux returns when syncing stdout.
func syncLogger(t testing.TB, logger *Logger) {
	t.Helper()
	if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
		t.Logf("Sync() warning: %v", err)
	}
}

type bufferSyncer struct{ bytes.Buffer }

func (b *bufferSyncer) Sync() error { return nil }

func decodeLines(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger_WritesJSONFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "picgo.log")

	logger, err := NewLogger(false, logPath)
	if err != nil {
		t.Fatalf("NewLogger() returned error: %v", err)
	}
	logger.Info("model loaded", zap.String("family", "large"))
	syncLogger(t, logger)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entries := decodeLines(t, data)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0][FieldMessage] != "model loaded" || entries[0]["family"] != "large" {
		t.Errorf("entry = %v", entries[0])
	}
	if _, ok := entries[0][FieldTimestamp]; !ok {
		t.Error("timestamp missing")
	}
}

func TestNewLogger_RequiresPath(t *testing.T) {
	if _, err := NewLogger(true, ""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestLogger_RedactsTokens(t *testing.T) {
	console := &bufferSyncer{}
	file := &bufferSyncer{}
	logger := NewLoggerWithWriters(false, console, file)

	token := "hf_" + strings.Repeat("a", 30)
	logger.Info("fetching component",
		zap.String("url", "https://huggingface.co/x?token="+token),
		zap.String("hf_token", token),
		zap.String("tokenizer", "tokenizer_2"),
		zap.Error(errors.New("401 for Bearer "+token)),
	)
	logger.Infow("sugared", "authorization", "Bearer abc", "component", "vae")

	out := file.String()
	if strings.Contains(out, token) {
		t.Errorf("token leaked into log: %s", out)
	}
	if !strings.Contains(out, "tokenizer_2") {
		t.Error("tokenizer field should not be redacted")
	}
	if !strings.Contains(out, RedactedPlaceholder) {
		t.Error("placeholder missing")
	}
	if strings.Contains(out, "Bearer abc") {
		t.Error("sensitive sugared key not redacted")
	}
}

func TestIsSensitiveField(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"HF_TOKEN", true},
		{"token", true},
		{"Authorization", true},
		{"tokenizer", false},
		{"tokenizer_2", false},
		{"prompt", false},
	}
	for _, tt := range tests {
		if got := IsSensitiveField(tt.name); got != tt.want {
			t.Errorf("IsSensitiveField(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGenerationFields(t *testing.T) {
	file := &bufferSyncer{}
	logger := NewLoggerWithWriters(false, &bufferSyncer{}, file)

	logger.Info("generated", GenerationFields(GenerationMetrics{
		RequestID:     "req-1",
		Steps:         30,
		GuidanceScale: 7.5,
		Seed:          42,
		Width:         1024,
		Height:        1024,
		Device:        "cuda:0",
		Duration:      1500 * time.Millisecond,
	}), LoadFields(LoadMetrics{Source: "/m/x.safetensors", Family: "large", Repaired: []string{"vae"}, Success: true}))

	entries := decodeLines(t, file.Bytes())
	gen, ok := entries[0]["generation"].(map[string]interface{})
	if !ok {
		t.Fatalf("generation object missing: %v", entries[0])
	}
	if gen["steps"].(float64) != 30 || gen["duration_ms"].(float64) != 1500 {
		t.Errorf("generation = %v", gen)
	}
	load := entries[0]["load"].(map[string]interface{})
	if repaired := load["repaired"].([]interface{}); len(repaired) != 1 || repaired[0] != "vae" {
		t.Errorf("repaired = %v", load["repaired"])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zapcore.DebugLevel {
		t.Error("debug not parsed")
	}
	if ParseLevel("nonsense") != zapcore.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
