package imagegen

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"picgo/checkpoint"
	"picgo/device"
	"picgo/sdruntime"
)

// fakeHandle records how it is used. Generate returns a blank image of the
// requested size and flags overlapping calls.
type fakeHandle struct {
	family checkpoint.Family
	spec   sdruntime.PipelineSpec

	mu         sync.Mutex
	closed     bool
	generated  int
	lastParams sdruntime.GenerateParams
	device     device.Device
	genErr     error
	panicMsg   string

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (h *fakeHandle) Family() checkpoint.Family { return h.family }

func (h *fakeHandle) Generate(ctx context.Context, p sdruntime.GenerateParams) (*sdruntime.GenerateResult, error) {
	if h.inFlight.Add(1) > 1 {
		h.overlap.Store(true)
	}
	defer h.inFlight.Add(-1)

	if h.panicMsg != "" {
		panic(h.panicMsg)
	}

	h.mu.Lock()
	h.generated++
	h.lastParams = p
	err := h.genErr
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	png, err := sdruntime.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	return &sdruntime.GenerateResult{
		Image:  img,
		PNG:    png,
		Width:  p.Width,
		Height: p.Height,
		Seed:   sdruntime.ResolveSeed(p.Seed),
	}, nil
}

func (h *fakeHandle) SetDevice(dev device.Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.device = dev
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) generateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generated
}

// fakeRuntime stands in for the native constructor. The checkpoint's base
// name decides how it behaves:
//
//	sdxl*        complete large checkpoint
//	unet-only*   large denoiser without text encoder 2, tokenizer 2 and decoder;
//	             a repaired decoder under an "empty" directory still fails
//	textonly*    large checkpoint whose failure only names the text encoder in prose
//	sd15*        small checkpoint
//	nothere*     missing file
//	anything else matches neither family
type fakeRuntime struct {
	mu      sync.Mutex
	specs   []sdruntime.PipelineSpec
	handles []*fakeHandle
}

func (r *fakeRuntime) construct(spec sdruntime.PipelineSpec) (PipelineHandle, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()

	name := filepath.Base(spec.CheckpointPath)
	var family checkpoint.Family
	switch {
	case strings.HasPrefix(name, "nothere"):
		return nil, fmt.Errorf("%w: %s", sdruntime.ErrModelNotFound, spec.CheckpointPath)
	case spec.Family == checkpoint.FamilyAuto:
		family = checkpoint.FamilyLarge
	case strings.HasPrefix(name, "sdxl"):
		if spec.Family != checkpoint.FamilyLarge {
			return nil, fmt.Errorf("%w: checkpoint carries the SDXL conditioner", checkpoint.ErrFamilyMismatch)
		}
		family = checkpoint.FamilyLarge
	case strings.HasPrefix(name, "unet-only"):
		if spec.Family != checkpoint.FamilyLarge {
			return nil, fmt.Errorf("%w: checkpoint carries the SDXL conditioner", checkpoint.ErrFamilyMismatch)
		}
		var missing []checkpoint.Component
		for _, c := range []checkpoint.Component{checkpoint.ComponentTextEncoder2, checkpoint.ComponentTokenizer2, checkpoint.ComponentVAE} {
			if _, ok := spec.ComponentPaths[c]; !ok {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %w", sdruntime.ErrModelLoadFailed,
				&checkpoint.MissingComponentError{Family: checkpoint.FamilyLarge, Components: missing})
		}
		if vae := spec.ComponentPaths[checkpoint.ComponentVAE]; strings.Contains(vae, "empty") {
			return nil, fmt.Errorf("%w: vae: no safetensors weights in %s", sdruntime.ErrModelLoadFailed, vae)
		}
		family = checkpoint.FamilyLarge
	case strings.HasPrefix(name, "textonly"):
		if spec.Family != checkpoint.FamilyLarge {
			return nil, fmt.Errorf("%w: no SD1.x/2.x signature", checkpoint.ErrFamilyMismatch)
		}
		if _, ok := spec.ComponentPaths[checkpoint.ComponentTextEncoder]; !ok {
			return nil, fmt.Errorf("cannot instantiate pipeline: Text Encoder weights could not be read")
		}
		family = checkpoint.FamilyLarge
	case strings.HasPrefix(name, "sd15"):
		if spec.Family != checkpoint.FamilySmall {
			return nil, fmt.Errorf("%w: no SDXL signature (label_emb or dual conditioner) among 1100 tensors", checkpoint.ErrFamilyMismatch)
		}
		family = checkpoint.FamilySmall
	default:
		return nil, fmt.Errorf("%w: no %s signature among 12 tensors", checkpoint.ErrFamilyMismatch, spec.Family.Label())
	}

	h := &fakeHandle{family: family, spec: spec, device: spec.Device}
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return h, nil
}

func (r *fakeRuntime) constructCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func (r *fakeRuntime) lastSpec() sdruntime.PipelineSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[len(r.specs)-1]
}

type fakeRepairer struct {
	// dir is where fetched components land; "/cache" when empty.
	dir string

	mu         sync.Mutex
	calls      int
	family     checkpoint.Family
	components []checkpoint.Component
	precision  sdruntime.Precision
	err        error
}

func (f *fakeRepairer) Fetch(_ context.Context, family checkpoint.Family, components []checkpoint.Component, precision sdruntime.Precision) (map[checkpoint.Component]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.family = family
	f.components = components
	f.precision = precision
	if f.err != nil {
		return nil, f.err
	}
	dir := f.dir
	if dir == "" {
		dir = "/cache"
	}
	out := make(map[checkpoint.Component]string, len(components))
	for _, c := range components {
		out[c] = filepath.Join(dir, string(c))
	}
	return out, nil
}

type fakeSnapshots struct {
	dir  string
	err  error
	repo string
}

func (f *fakeSnapshots) Snapshot(_ context.Context, repo string, _ sdruntime.Precision) (string, error) {
	f.repo = repo
	return f.dir, f.err
}

func newTestLoader(rt *fakeRuntime, rep Repairer, opts ...LoaderOption) *Loader {
	opts = append([]LoaderOption{WithConstructor(rt.construct), WithRepairer(rep), WithNativeCheck(linked)}, opts...)
	return NewLoader(nil, opts...)
}

func linked() bool { return true }

func gpu(vram uint64, constrained bool) device.Device {
	return device.Device{Kind: device.KindCUDA, Name: "Test GPU", VRAMBytes: vram, MemoryConstrained: constrained}
}
