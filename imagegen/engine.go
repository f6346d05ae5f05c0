package imagegen

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"picgo/checkpoint"
	"picgo/core"
	"picgo/device"
	"picgo/logging"
	"picgo/metrics"
	"picgo/sdruntime"
)

// Engine owns the active pipeline and runs generations on it. Calls are
// serialized; the orchestrator is expected to be the only caller.
type Engine struct {
	loader *Loader

	mu     sync.Mutex
	handle PipelineHandle
	source checkpoint.Source
	family checkpoint.Family
	device device.Device

	negativePrompt string
	previewSize    int
	logger         *zap.Logger
	metrics        *metrics.Collector
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDefaultNegativePrompt sets the negative prompt used when a request
// leaves it blank.
func WithDefaultNegativePrompt(p string) EngineOption {
	return func(e *Engine) { e.negativePrompt = p }
}

// WithPreviewSize sets the preview box edge.
func WithPreviewSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.previewSize = n
		}
	}
}

func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

func WithEngineMetrics(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine with no model loaded.
func NewEngine(loader *Loader, opts ...EngineOption) *Engine {
	e := &Engine{
		loader:         loader,
		device:         device.CPU(),
		negativePrompt: core.DefaultNegativePrompt,
		previewSize:    DefaultPreviewSize,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load resolves src on dev. Success installs the new pipeline and releases
// the previous one; failure leaves the previous pipeline in place.
func (e *Engine) Load(ctx context.Context, src checkpoint.Source, dev device.Device) LoadOutcome {
	h, out := e.loader.Load(ctx, src, dev)
	if !out.Success {
		return out
	}

	e.mu.Lock()
	old := e.handle
	e.handle = h
	e.source = src
	e.family = out.Family
	e.device = dev
	e.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			e.logger.Warn("Failed to release previous pipeline", zap.Error(err))
		}
	}
	return out
}

// Generate runs one generation with the fixed step count and guidance scale.
func (e *Engine) Generate(ctx context.Context, prompt, negative string) (*GenerationResult, error) {
	return e.GenerateRequest(ctx, NewGenerationRequest(prompt, negative))
}

// GenerateRequest runs req on the installed pipeline. The output edge is
// the family's native size and the seed is drawn fresh for every call.
func (e *Engine) GenerateRequest(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrInvalidPrompt
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return nil, ErrModelNotLoaded
	}

	negative := req.NegativePrompt
	if strings.TrimSpace(negative) == "" {
		negative = e.negativePrompt
	}
	steps := req.Steps
	if steps <= 0 {
		steps = sdruntime.DefaultSteps
	}
	cfg := req.GuidanceScale
	if cfg <= 0 {
		cfg = sdruntime.DefaultGuidanceScale
	}
	size := e.family.NativeSize()

	start := time.Now()
	res, err := e.handle.Generate(ctx, sdruntime.GenerateParams{
		Prompt:         req.Prompt,
		NegativePrompt: negative,
		Width:          size,
		Height:         size,
		Steps:          steps,
		CFGScale:       cfg,
		Seed:           -1,
	})
	elapsed := time.Since(start)
	e.metrics.ObserveGeneration(err == nil, elapsed)

	gm := logging.GenerationMetrics{
		RequestID:     req.ID.String(),
		Steps:         steps,
		GuidanceScale: cfg,
		Width:         size,
		Height:        size,
		Device:        e.device.String(),
		Duration:      elapsed,
	}
	if err != nil {
		e.logger.Error("Generation failed", logging.GenerationFields(gm), zap.Int("prompt_len", len(req.Prompt)), zap.Error(err))
		return nil, err
	}
	gm.Seed = res.Seed
	e.logger.Info("Generation complete", logging.GenerationFields(gm), zap.Int("prompt_len", len(req.Prompt)))

	return &GenerationResult{
		RequestID: req.ID,
		Image:     res.Image,
		Preview:   Preview(res.Image, e.previewSize),
		PNG:       res.PNG,
		Width:     res.Width,
		Height:    res.Height,
		Seed:      res.Seed,
		Device:    e.device,
		Duration:  elapsed,
	}, nil
}

// SetDevice rebinds the installed pipeline to dev. With no pipeline the
// device is remembered for the next load.
func (e *Engine) SetDevice(dev device.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil {
		if err := e.handle.SetDevice(dev); err != nil {
			return err
		}
		e.logger.Info("Pipeline moved", zap.String("device", dev.String()))
	}
	e.device = dev
	return nil
}

// Unload releases the installed pipeline.
func (e *Engine) Unload() error {
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.family = checkpoint.FamilyUnknown
	e.source = checkpoint.Source{}
	e.mu.Unlock()

	if h == nil {
		return nil
	}
	e.metrics.ModelUnloaded()
	return h.Close()
}

// Loaded reports whether a pipeline is installed.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

// Source returns the source of the installed pipeline.
func (e *Engine) Source() checkpoint.Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

// Family returns the family of the installed pipeline.
func (e *Engine) Family() checkpoint.Family {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.family
}

// Device returns the device generations run on.
func (e *Engine) Device() device.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}
