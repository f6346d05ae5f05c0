package sdruntime

import (
	"errors"
	"strings"
	"testing"

	"picgo/device"
)

func validParams() GenerateParams {
	return GenerateParams{
		Prompt:   "a lighthouse at dusk",
		Width:    1024,
		Height:   1024,
		Steps:    DefaultSteps,
		CFGScale: DefaultGuidanceScale,
		Seed:     -1,
	}
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GenerateParams)
		want   error
	}{
		{"defaults", func(*GenerateParams) {}, nil},
		{"blank prompt", func(p *GenerateParams) { p.Prompt = " \t" }, ErrInvalidPrompt},
		{"width too small", func(p *GenerateParams) { p.Width = 64 }, ErrInvalidParams},
		{"height not multiple of 8", func(p *GenerateParams) { p.Height = 516 }, ErrInvalidParams},
		{"zero steps", func(p *GenerateParams) { p.Steps = 0 }, ErrInvalidParams},
		{"too many steps", func(p *GenerateParams) { p.Steps = MaxSteps + 1 }, ErrInvalidParams},
		{"cfg too low", func(p *GenerateParams) { p.CFGScale = 0.5 }, ErrInvalidParams},
		{"long negative", func(p *GenerateParams) { p.NegativePrompt = strings.Repeat("n", MaxPromptLength+1) }, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := ValidateParams(p)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("ValidateParams() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateParams() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPrecisionFor(t *testing.T) {
	if got := PrecisionFor(device.CPU()); got != PrecisionFP32 {
		t.Errorf("cpu precision = %s, want fp32", got)
	}
	gpu := device.Device{Kind: device.KindCUDA, Name: "RTX 4090"}
	if got := PrecisionFor(gpu); got != PrecisionFP16 {
		t.Errorf("cuda precision = %s, want fp16", got)
	}
	if PrecisionFP16.VariantSuffix() != ".fp16" || PrecisionFP32.VariantSuffix() != "" {
		t.Error("unexpected variant suffixes")
	}
}
