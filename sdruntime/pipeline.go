package sdruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"picgo/checkpoint"
	"picgo/device"
)

// Pipeline is a loaded diffusion model bound to a device. It owns the
// native weight memory until Close.
type Pipeline struct {
	mu     sync.Mutex
	spec   PipelineSpec
	plan   *Plan
	native *nativeContext
	closed bool
}

// NewPipeline validates spec with Prepare and constructs the native pipeline.
func NewPipeline(spec PipelineSpec) (*Pipeline, error) {
	if spec.Precision == "" {
		spec.Precision = PrecisionFor(spec.Device)
	}
	plan, err := Prepare(spec)
	if err != nil {
		return nil, err
	}
	spec.Family = plan.Family

	native, err := newNativeContext(spec, plan)
	if err != nil {
		return nil, err
	}
	return &Pipeline{spec: spec, plan: plan, native: native}, nil
}

// Family returns the resolved architecture family.
func (p *Pipeline) Family() checkpoint.Family {
	return p.plan.Family
}

// Device returns the device the pipeline is currently bound to.
func (p *Pipeline) Device() device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec.Device
}

// Plan returns the files the pipeline was built from.
func (p *Pipeline) Plan() *Plan {
	return p.plan
}

// Generate runs one text-to-image call.
func (p *Pipeline) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}

	params.Seed = ResolveSeed(params.Seed)
	start := time.Now()

	out, err := p.native.txt2img(params, p.plan.Sampler())
	if err != nil {
		return nil, err
	}
	img, err := PixelsToRGBA(out.pixels, out.width, out.height, out.channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	data, err := EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	return &GenerateResult{
		Image:    img,
		PNG:      data,
		Width:    out.width,
		Height:   out.height,
		Seed:     params.Seed,
		Duration: time.Since(start),
	}, nil
}

// SetDevice moves the pipeline to dev. Resolved component files are reused;
// nothing is re-classified or re-downloaded.
func (p *Pipeline) SetDevice(dev device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}

	spec := p.spec
	spec.Device = dev
	spec.Precision = PrecisionFor(dev)
	spec.MemorySaving = dev.MemoryConstrained
	if err := p.native.rebind(spec, p.plan); err != nil {
		return err
	}
	p.spec = spec
	return nil
}

// Close releases the native weights. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.native.free()
	return nil
}
