package sdruntime

import (
	"fmt"
	"image"
	"time"

	"picgo/checkpoint"
	"picgo/device"
)

// GenerateParams holds parameters for a single text-to-image call.
type GenerateParams struct {
	Prompt         string  // required, non-blank
	NegativePrompt string  // optional
	Width          int     // pixels, 128-2048, multiple of 8
	Height         int     // pixels, 128-2048, multiple of 8
	Steps          int     // denoising steps, 1-100
	CFGScale       float64 // classifier-free guidance, 1.0-30.0
	Seed           int64   // -1 picks a random seed
}

const (
	MinImageSize      = 128
	MaxImageSize      = 2048
	ImageSizeMultiple = 8

	MinSteps = 1
	MaxSteps = 100

	MinCFGScale = 1.0
	MaxCFGScale = 30.0

	MaxPromptLength = 1000

	// DefaultSteps and DefaultGuidanceScale are the fixed values used by
	// the desktop generator.
	DefaultSteps         = 30
	DefaultGuidanceScale = 7.5
)

// ValidateParams reports the first invalid field of p.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}
	if err := validateEdge("width", p.Width); err != nil {
		return err
	}
	if err := validateEdge("height", p.Height); err != nil {
		return err
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d must be between %d and %d",
			ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}
	if p.CFGScale < MinCFGScale || p.CFGScale > MaxCFGScale {
		return fmt.Errorf("%w: CFG scale %.2f must be between %.1f and %.1f",
			ErrInvalidParams, p.CFGScale, MinCFGScale, MaxCFGScale)
	}
	return checkCText("negative prompt", p.NegativePrompt, ErrInvalidParams)
}

func validateEdge(name string, v int) error {
	if v < MinImageSize || v > MaxImageSize {
		return fmt.Errorf("%w: %s %d must be between %d and %d",
			ErrInvalidParams, name, v, MinImageSize, MaxImageSize)
	}
	if v%ImageSizeMultiple != 0 {
		return fmt.Errorf("%w: %s %d must be divisible by %d",
			ErrInvalidParams, name, v, ImageSizeMultiple)
	}
	return nil
}

// Precision is the numeric precision weights are run at.
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
)

// PrecisionFor returns fp16 for accelerators and fp32 for CPU.
func PrecisionFor(d device.Device) Precision {
	if d.IsAccelerator() {
		return PrecisionFP16
	}
	return PrecisionFP32
}

// VariantSuffix is the file-name infix used by registry weight variants.
func (p Precision) VariantSuffix() string {
	if p == PrecisionFP16 {
		return ".fp16"
	}
	return ""
}

// PipelineSpec describes everything needed to construct a Pipeline.
type PipelineSpec struct {
	// CheckpointPath is a single-file checkpoint, or a snapshot directory
	// holding model_index.json when Family is FamilyAuto.
	CheckpointPath string
	Family         checkpoint.Family
	// ComponentPaths supplies sub-components the checkpoint does not bundle.
	// Values are component directories as laid out in a registry snapshot.
	ComponentPaths map[checkpoint.Component]string
	Device         device.Device
	Precision      Precision
	// MemorySaving enables VAE tiling and keeps the text encoders on the CPU.
	MemorySaving bool
}

// GenerateResult is one generated image.
type GenerateResult struct {
	Image    *image.RGBA
	PNG      []byte
	Width    int
	Height   int
	Seed     int64
	Duration time.Duration
}
