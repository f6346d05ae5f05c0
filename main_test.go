package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"picgo/checkpoint"
	"picgo/core"
	"picgo/db"
)

func init() {
	color.NoColor = true
}

func TestWriteInspection(t *testing.T) {
	tests := []struct {
		name string
		in   checkpoint.Inspection
		want []string
	}{
		{
			name: "complete small",
			in:   checkpoint.Inspection{Format: checkpoint.FormatSafetensors, TensorCount: 1131, Family: checkpoint.FamilySmall, HasUNet: true, HasVAE: true, TextEncoders: 1},
			want: []string{"safetensors, 1,131 tensors", "small (SD1.x/2.x), single file", "status:   complete"},
		},
		{
			name: "large without encoders",
			in:   checkpoint.Inspection{Format: checkpoint.FormatSafetensors, TensorCount: 1680, Family: checkpoint.FamilyLarge, HasUNet: true},
			want: []string{"large (SDXL)", "missing text_encoder, tokenizer, text_encoder_2, tokenizer_2, vae"},
		},
		{
			name: "small without vae",
			in:   checkpoint.Inspection{Format: checkpoint.FormatCkpt, Family: checkpoint.FamilySmall, HasUNet: true, TextEncoders: 1},
			want: []string{"not loadable"},
		},
		{
			name: "unknown",
			in:   checkpoint.Inspection{Format: checkpoint.FormatGGUF, TensorCount: 12},
			want: []string{"unrecognized"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writeInspection(&buf, "/models/x.safetensors", 2<<30, tt.in)
			out := buf.String()
			if !strings.Contains(out, "2.0 GiB") {
				t.Errorf("size missing:\n%s", out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestWriteHistory(t *testing.T) {
	now := time.Now()
	loads := []db.LoadEvent{
		{Source: "/models/unet.safetensors", Family: "large", Device: "cuda:0", Success: true, Repaired: []string{"vae", "text_encoder_2"}, At: now},
		{Source: "/models/lora.safetensors", Device: "cpu", At: now},
	}
	gens := []db.GenerationEvent{
		{Prompt: strings.Repeat("a very long prompt ", 10), Width: 1024, Height: 1024, Device: "cuda:0", Status: db.StatusSuccess, At: now},
		{Prompt: "a cat", Device: "cpu", Status: db.StatusFailed, ErrorCode: "out_of_vram", At: now},
	}

	var buf bytes.Buffer
	writeHistory(&buf, db.Stats{Loads: 2, FailedLoads: 1, Generations: 2, FailedGenerations: 1}, loads, gens)
	out := buf.String()

	for _, want := range []string{
		"Loads (2, 1 failed)",
		"+vae,text_encoder_2",
		"FAIL",
		"Generations (2, 1 failed)",
		"1024x1024",
		"[out_of_vram]",
		"...",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer prompt", 8, "a lon..."},
		{"고양이 그림을 그려줘", 6, "고양이..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestDownloadProgress(t *testing.T) {
	var buf bytes.Buffer
	p := newDownloadProgress(&buf)

	p.Update(core.ProgressInfo{Name: "vae/diffusion_pytorch_model.fp16.safetensors", Total: 1000, Downloaded: 500})
	p.Update(core.ProgressInfo{Name: "vae/diffusion_pytorch_model.fp16.safetensors", Total: 1000, Downloaded: 1000})
	p.Update(core.ProgressInfo{Name: "scheduler/scheduler_config.json", Total: 0, Downloaded: 479})
	p.Finish()
	p.Finish()

	if !strings.Contains(buf.String(), "vae/diffusion_pytorch_model.fp16.safetensors") {
		t.Errorf("progress output missing file name:\n%s", buf.String())
	}
	if p.bar != nil {
		t.Error("bar not released by Finish")
	}
}
