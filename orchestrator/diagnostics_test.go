package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDiagnostics_AppendsReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picgo_error.log")
	d := NewDiagnostics(path)
	defer d.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reports := []Report{
		{Operation: "generation", RequestID: "req-1", Source: "sd15.safetensors", Device: "cpu", Code: "generation_failed", Err: errors.New("nan in latents"), Stack: []byte("goroutine 7 [running]:"), At: at},
		{Operation: "load", Err: errors.New("large (SDXL) error: x\nsmall (SD1.x/2.x) error: y"), At: at},
	}
	for _, r := range reports {
		if err := d.Write(r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		"=== 2026-03-01T12:00:00Z generation failed ===",
		"request: req-1\nmodel: sd15.safetensors\ndevice: cpu\ncode: generation_failed\n",
		"error: nan in latents\nstack:\ngoroutine 7 [running]:\n",
		"=== 2026-03-01T12:00:00Z load failed ===\nerror: large (SDXL) error: x\nsmall (SD1.x/2.x) error: y\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("diagnostics missing %q\n%s", want, text)
		}
	}
}

func TestDiagnostics_Nil(t *testing.T) {
	var d *Diagnostics
	if err := d.Write(Report{Operation: "generation"}); err != nil {
		t.Errorf("Write() on nil = %v", err)
	}
	if d.Path() != "" || d.Close() != nil {
		t.Error("nil Diagnostics not inert")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
		busy  bool
	}{
		{StateIdle, "idle", false},
		{StateLoading, "loading", true},
		{StateLoaded, "loaded", false},
		{StateLoadFailed, "load_failed", false},
		{StateGenerating, "generating", true},
		{StateGenerationFailed, "generation_failed", false},
		{State(99), "unknown", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if got := tt.state.Busy(); got != tt.busy {
			t.Errorf("State(%d).Busy() = %v", tt.state, got)
		}
	}
}
