package imagegen

import (
	"context"
	"errors"
	"testing"

	"picgo/checkpoint"
	"picgo/core"
	"picgo/device"
	"picgo/sdruntime"
)

func newTestEngine(rt *fakeRuntime, opts ...EngineOption) *Engine {
	return NewEngine(newTestLoader(rt, &fakeRepairer{}), opts...)
}

func mustLoad(t *testing.T, e *Engine, path string) {
	t.Helper()
	if out := e.Load(context.Background(), checkpoint.LocalSource(path), device.CPU()); !out.Success {
		t.Fatalf("Load(%s) failed: %s", path, out.Detail)
	}
}

func TestEngine_GenerateBeforeLoad(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)

	res, err := e.Generate(context.Background(), "a red cube", "")
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("Generate() error = %v, want ErrModelNotLoaded", err)
	}
	if res != nil {
		t.Error("Generate() returned a result without a model")
	}
	if rt.constructCount() != 0 {
		t.Error("Generate() constructed a pipeline")
	}
}

func TestEngine_BlankPromptNeverReachesPipeline(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)
	mustLoad(t, e, "/models/sd15.safetensors")

	for _, prompt := range []string{"", "   ", "\t\n"} {
		if _, err := e.Generate(context.Background(), prompt, ""); !errors.Is(err, ErrInvalidPrompt) {
			t.Errorf("Generate(%q) error = %v, want ErrInvalidPrompt", prompt, err)
		}
	}
	if n := rt.handles[0].generateCount(); n != 0 {
		t.Errorf("pipeline ran %d times for blank prompts", n)
	}
}

func TestEngine_BlankPromptWithoutModelIsInvalidPrompt(t *testing.T) {
	e := newTestEngine(&fakeRuntime{})
	if _, err := e.Generate(context.Background(), " ", ""); !errors.Is(err, ErrInvalidPrompt) {
		t.Errorf("Generate() error = %v, want ErrInvalidPrompt", err)
	}
}

func TestEngine_SmallFamilyScenario(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)
	mustLoad(t, e, "/models/sd15.safetensors")

	res, err := e.Generate(context.Background(), "a red cube", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b := res.Preview.Bounds()
	if b.Dx() != DefaultPreviewSize || b.Dy() != DefaultPreviewSize {
		t.Errorf("preview = %dx%d, want %dx%d", b.Dx(), b.Dy(), DefaultPreviewSize, DefaultPreviewSize)
	}
	if !sdruntime.IsPNG(res.PNG) {
		t.Error("result PNG is not a PNG")
	}
	if res.Seed < 0 {
		t.Errorf("Seed = %d, want a drawn seed", res.Seed)
	}

	p := rt.handles[0].lastParams
	if p.Steps != 30 || p.CFGScale != 7.5 {
		t.Errorf("steps/cfg = %d/%v, want 30/7.5", p.Steps, p.CFGScale)
	}
	if p.Seed != -1 {
		t.Errorf("Seed param = %d, want -1 (random)", p.Seed)
	}
	if p.NegativePrompt != core.DefaultNegativePrompt {
		t.Errorf("NegativePrompt = %q, want default", p.NegativePrompt)
	}
	if p.Width != 512 || p.Height != 512 {
		t.Errorf("size = %dx%d, want 512x512", p.Width, p.Height)
	}
}

func TestEngine_LargeFamilyNativeSize(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt, WithDefaultNegativePrompt("blurry"))
	mustLoad(t, e, "/models/sdxl.safetensors")

	res, err := e.Generate(context.Background(), "a lighthouse", "  ")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Width != 1024 || res.Height != 1024 {
		t.Errorf("image = %dx%d, want 1024x1024", res.Width, res.Height)
	}
	if res.Preview.Bounds().Dx() != 512 {
		t.Errorf("preview width = %d, want 512", res.Preview.Bounds().Dx())
	}
	if got := rt.handles[0].lastParams.NegativePrompt; got != "blurry" {
		t.Errorf("NegativePrompt = %q", got)
	}
}

func TestEngine_MissingPathLeavesNoModel(t *testing.T) {
	e := newTestEngine(&fakeRuntime{})

	out := e.Load(context.Background(), checkpoint.LocalSource("/models/nothere.safetensors"), device.CPU())
	if out.Success {
		t.Fatal("Load() succeeded for a missing file")
	}
	if e.Loaded() {
		t.Error("Loaded() = true after a failed load")
	}
	if _, err := e.Generate(context.Background(), "a red cube", ""); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Generate() error = %v, want ErrModelNotLoaded", err)
	}
}

func TestEngine_FailedLoadKeepsPrevious(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)
	mustLoad(t, e, "/models/sd15.safetensors")
	first := rt.handles[0]

	out := e.Load(context.Background(), checkpoint.LocalSource("/models/lora.safetensors"), device.CPU())
	if out.Success {
		t.Fatal("Load() succeeded for an unsupported file")
	}
	if first.isClosed() {
		t.Error("failed load released the installed pipeline")
	}
	if e.Source().String() != "/models/sd15.safetensors" || e.Family() != checkpoint.FamilySmall {
		t.Errorf("engine state changed: %s %s", e.Source(), e.Family())
	}

	mustLoad(t, e, "/models/sdxl.safetensors")
	if !first.isClosed() {
		t.Error("replacing the pipeline did not release the previous one")
	}
	if e.Family() != checkpoint.FamilyLarge {
		t.Errorf("Family() = %s", e.Family())
	}
}

func TestEngine_SetDevice(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)

	dev := gpu(12<<30, false)
	if err := e.SetDevice(dev); err != nil {
		t.Fatalf("SetDevice() without a model: %v", err)
	}
	if e.Device() != dev {
		t.Errorf("Device() = %v", e.Device())
	}

	mustLoad(t, e, "/models/sdxl.safetensors")
	if err := e.SetDevice(device.CPU()); err != nil {
		t.Fatalf("SetDevice() error = %v", err)
	}
	if rt.handles[0].device != device.CPU() {
		t.Errorf("handle device = %v, want cpu", rt.handles[0].device)
	}
	if rt.constructCount() != 1 {
		t.Errorf("SetDevice reloaded weights: %d constructs", rt.constructCount())
	}
}

func TestEngine_GenerationErrorKeepsModel(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)
	mustLoad(t, e, "/models/sd15.safetensors")
	rt.handles[0].genErr = sdruntime.ErrOutOfVRAM

	if _, err := e.Generate(context.Background(), "a red cube", ""); !errors.Is(err, sdruntime.ErrOutOfVRAM) {
		t.Fatalf("Generate() error = %v", err)
	}
	if !e.Loaded() {
		t.Error("generation failure unloaded the model")
	}
}

func TestEngine_Unload(t *testing.T) {
	rt := &fakeRuntime{}
	e := newTestEngine(rt)
	if err := e.Unload(); err != nil {
		t.Fatalf("Unload() with nothing loaded: %v", err)
	}

	mustLoad(t, e, "/models/sd15.safetensors")
	if err := e.Unload(); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if !rt.handles[0].isClosed() {
		t.Error("Unload() did not release the pipeline")
	}
	if e.Loaded() {
		t.Error("Loaded() = true after Unload")
	}
}
