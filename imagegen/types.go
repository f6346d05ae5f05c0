// Package imagegen resolves model sources into loaded pipelines and runs
// text-to-image generation on them.
//
// The Loader walks an ordered list of family probes, repairing checkpoints
// that lack companion components by fetching them from a pinned canonical
// source. The Engine owns the single active pipeline handle.
package imagegen

import (
	"context"
	"errors"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"

	"picgo/checkpoint"
	"picgo/device"
	"picgo/sdruntime"
)

var (
	// ErrModelNotLoaded is returned by Generate before any successful load.
	ErrModelNotLoaded = errors.New("imagegen: no model loaded")
	// ErrClassificationFailed means no family probe could construct a pipeline.
	ErrClassificationFailed = errors.New("imagegen: checkpoint matches no supported family")
	// ErrInvalidPrompt is returned for blank prompts.
	ErrInvalidPrompt = sdruntime.ErrInvalidPrompt
)

// PipelineHandle is a loaded model. Exactly one is active per Engine;
// replacing it closes the previous one.
type PipelineHandle interface {
	Family() checkpoint.Family
	Generate(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error)
	SetDevice(dev device.Device) error
	Close() error
}

// Constructor builds a pipeline from a spec.
type Constructor func(spec sdruntime.PipelineSpec) (PipelineHandle, error)

// NewRuntimePipeline is the Constructor backed by the native runtime.
func NewRuntimePipeline(spec sdruntime.PipelineSpec) (PipelineHandle, error) {
	p, err := sdruntime.NewPipeline(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GenerationRequest is one prompt submitted for generation.
type GenerationRequest struct {
	ID             uuid.UUID
	Prompt         string
	NegativePrompt string
	Steps          int
	GuidanceScale  float64
	CreatedAt      time.Time
}

// NewGenerationRequest builds a request with the fixed step count and
// guidance scale. The prompt is trimmed.
func NewGenerationRequest(prompt, negative string) GenerationRequest {
	return GenerationRequest{
		ID:             uuid.New(),
		Prompt:         strings.TrimSpace(prompt),
		NegativePrompt: strings.TrimSpace(negative),
		Steps:          sdruntime.DefaultSteps,
		GuidanceScale:  sdruntime.DefaultGuidanceScale,
		CreatedAt:      time.Now(),
	}
}

// GenerationResult is one generated image. The caller owns it until it is
// saved or discarded.
type GenerationResult struct {
	RequestID uuid.UUID
	Image     image.Image
	Preview   image.Image
	PNG       []byte
	Width     int
	Height    int
	Seed      int64
	Device    device.Device
	Duration  time.Duration
}

// LoadOutcome reports a load attempt. Detail always carries the failure
// text when Success is false.
type LoadOutcome struct {
	Success  bool
	Detail   string
	Family   checkpoint.Family
	Source   string
	Repaired []checkpoint.Component
	Device   device.Device
	Duration time.Duration
	Err      error
}
