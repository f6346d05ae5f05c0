package device

import (
	"context"
	"errors"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DefaultLowVRAMBytes is the threshold below which an accelerator is memory-constrained.
const DefaultLowVRAMBytes uint64 = 8 << 30

// Resolver maps a Selection to a Device. The host probe runs once and is
// cached; Refresh forces a new probe.
type Resolver struct {
	prober       Prober
	lowVRAMBytes uint64
	logger       *zap.Logger

	mu     sync.Mutex
	probed bool
	accels []Accelerator
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLowVRAMThreshold overrides DefaultLowVRAMBytes.
func WithLowVRAMThreshold(bytes uint64) Option {
	return func(r *Resolver) { r.lowVRAMBytes = bytes }
}

// WithLogger sets the resolver's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a Resolver over prober.
func NewResolver(prober Prober, opts ...Option) *Resolver {
	r := &Resolver{
		prober:       prober,
		lowVRAMBytes: DefaultLowVRAMBytes,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Accelerators returns the cached probe result, probing on first use.
// A failing probe is treated as "no accelerator".
func (r *Resolver) Accelerators() []Accelerator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.probed {
		r.accels = r.probe()
		r.probed = true
	}
	return r.accels
}

// Refresh discards the cached probe result.
func (r *Resolver) Refresh() {
	r.mu.Lock()
	r.probed = false
	r.accels = nil
	r.mu.Unlock()
}

func (r *Resolver) probe() []Accelerator {
	if r.prober == nil {
		return nil
	}
	accels, err := r.prober.Probe(context.Background())
	if err != nil {
		r.logger.Warn("accelerator probe failed", zap.Error(err))
		return nil
	}
	for _, a := range accels {
		r.logger.Info("accelerator detected",
			zap.Int("index", a.Index),
			zap.String("name", a.Name),
			zap.String("vram", humanize.IBytes(a.VRAMBytes)))
	}
	return accels
}

// Resolve maps sel to a concrete device.
//
// auto picks the first accelerator and otherwise CPU. gpu never degrades
// silently: without an accelerator it returns ErrAcceleratorUnavailable and
// the caller decides whether to fall back (see ResolveOrFallback).
func (r *Resolver) Resolve(sel Selection) (Device, error) {
	switch sel {
	case SelectCPU:
		return CPU(), nil
	case SelectAuto, SelectGPU:
		accels := r.Accelerators()
		if len(accels) == 0 {
			if sel == SelectGPU {
				return Device{}, ErrAcceleratorUnavailable
			}
			return CPU(), nil
		}
		return r.fromAccelerator(accels[0]), nil
	default:
		return Device{}, ErrUnknownSelection
	}
}

// ResolveOrFallback resolves sel and, when the accelerator is missing,
// returns CPU together with a notice for the operator. The notice is nil
// when no downgrade happened.
func (r *Resolver) ResolveOrFallback(sel Selection) (Device, *Notice) {
	dev, err := r.Resolve(sel)
	if err == nil {
		return dev, nil
	}
	if errors.Is(err, ErrAcceleratorUnavailable) {
		r.logger.Warn("gpu requested but no accelerator found, using cpu")
		return CPU(), &Notice{
			Title:   "GPU Not Found",
			Message: "No compatible GPU was detected. Falling back to CPU.",
		}
	}
	return CPU(), &Notice{Title: "Invalid Device", Message: err.Error()}
}

func (r *Resolver) fromAccelerator(a Accelerator) Device {
	return Device{
		Kind:      KindCUDA,
		Index:     a.Index,
		Name:      a.Name,
		VRAMBytes: a.VRAMBytes,
		// Unknown VRAM (unified memory) is not treated as constrained.
		MemoryConstrained: a.VRAMBytes > 0 && a.VRAMBytes < r.lowVRAMBytes,
		Threads:           PhysicalCores(),
	}
}
