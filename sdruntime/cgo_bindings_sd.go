//go:build sd && cgo && !stub

// Native runtime backed by stable-diffusion.cpp.
// Build with: CGO_ENABLED=1 go build -tags sd
//
// Prerequisites:
//   1. stable-diffusion.cpp built as a library (with -DSD_CUDA=ON for GPUs)
//   2. CGO_CFLAGS pointing at stable-diffusion.h
//   3. CGO_LDFLAGS linking -lstable-diffusion

package sdruntime

/*
#cgo CFLAGS: -I${SRCDIR}/../vendor/stable-diffusion.cpp
#cgo LDFLAGS: -L${SRCDIR}/../vendor/stable-diffusion.cpp/build -lstable-diffusion -lstdc++ -lm

#include <stdlib.h>
#include <stdbool.h>
#include <stdint.h>
#include <stable-diffusion.h>

static sd_ctx_t* picgo_new_ctx(const char* model, const char* clip_l, const char* clip_g,
                               const char* vae, int threads, int fp16, int memory_saving) {
	return new_sd_ctx(model, clip_l, clip_g, "", "", vae, "", "", "", "", "",
	                  true,                        // vae_decode_only
	                  memory_saving != 0,          // vae_tiling
	                  false,                       // free_params_immediately
	                  threads,
	                  fp16 ? SD_TYPE_F16 : SD_TYPE_F32,
	                  CUDA_RNG,
	                  DEFAULT,
	                  memory_saving != 0,          // keep_clip_on_cpu
	                  false,                       // keep_control_net_cpu
	                  false);                      // keep_vae_on_cpu
}

static sd_image_t* picgo_txt2img(sd_ctx_t* ctx, const char* prompt, const char* negative,
                                 float cfg, int width, int height, int method, int steps, int64_t seed) {
	return txt2img(ctx, prompt, negative, -1, cfg, 3.5f, width, height,
	               (enum sample_method_t)method, steps, seed, 1, NULL, 0.9f, 20.0f, false, "");
}

static void picgo_free_image(sd_image_t* img) {
	if (img == NULL) {
		return;
	}
	free(img->data);
	free(img);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"picgo/device"
)

const nativeAvailable = true

type nativeContext struct {
	ctx *C.sd_ctx_t
}

var samplerMethods = map[string]C.int{
	"euler_a": C.EULER_A,
	"euler":   C.EULER,
	"heun":    C.HEUN,
	"dpm++2m": C.DPMPP2M,
	"lcm":     C.LCM,
}

func newNativeContext(spec PipelineSpec, plan *Plan) (*nativeContext, error) {
	c := &nativeContext{}
	if err := c.load(spec, plan); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *nativeContext) load(spec PipelineSpec, plan *Plan) error {
	cModel := C.CString(plan.Model)
	defer C.free(unsafe.Pointer(cModel))
	cClipL := C.CString(plan.ClipL)
	defer C.free(unsafe.Pointer(cClipL))
	cClipG := C.CString(plan.ClipG)
	defer C.free(unsafe.Pointer(cClipG))
	cVAE := C.CString(plan.VAE)
	defer C.free(unsafe.Pointer(cVAE))

	threads := spec.Device.Threads
	if threads <= 0 {
		threads = device.PhysicalCores()
	}
	fp16 := 0
	if spec.Precision == PrecisionFP16 {
		fp16 = 1
	}
	memorySaving := 0
	if spec.MemorySaving {
		memorySaving = 1
	}

	ctx := C.picgo_new_ctx(cModel, cClipL, cClipG, cVAE, C.int(threads), C.int(fp16), C.int(memorySaving))
	if ctx == nil {
		return fmt.Errorf("%w: stable-diffusion.cpp could not construct a %s pipeline from %s",
			ErrModelLoadFailed, plan.Family.Label(), plan.Model)
	}
	c.ctx = ctx
	return nil
}

func (c *nativeContext) txt2img(params GenerateParams, sampler string) (*nativeImage, error) {
	if c.ctx == nil {
		return nil, fmt.Errorf("%w: no native context", ErrGenerationFailed)
	}

	cPrompt := C.CString(params.Prompt)
	defer C.free(unsafe.Pointer(cPrompt))
	cNegative := C.CString(params.NegativePrompt)
	defer C.free(unsafe.Pointer(cNegative))

	method, ok := samplerMethods[sampler]
	if !ok {
		method = C.EULER_A
	}

	img := C.picgo_txt2img(c.ctx, cPrompt, cNegative, C.float(params.CFGScale),
		C.int(params.Width), C.int(params.Height), method, C.int(params.Steps), C.int64_t(params.Seed))
	if img == nil || img.data == nil {
		return nil, fmt.Errorf("%w: txt2img returned no image (possible %v)", ErrGenerationFailed, ErrOutOfVRAM)
	}
	defer C.picgo_free_image(img)

	w, h, ch := int(img.width), int(img.height), int(img.channel)
	pixels := C.GoBytes(unsafe.Pointer(img.data), C.int(w*h*ch))
	return &nativeImage{pixels: pixels, width: w, height: h, channels: ch}, nil
}

// rebind rebuilds the native context for the new device. The runtime has no
// in-place device move, so the already-resolved files are loaded again.
func (c *nativeContext) rebind(spec PipelineSpec, plan *Plan) error {
	old := c.ctx
	if err := c.load(spec, plan); err != nil {
		return err
	}
	if old != nil {
		C.free_sd_ctx(old)
	}
	return nil
}

func (c *nativeContext) free() {
	if c.ctx != nil {
		C.free_sd_ctx(c.ctx)
		c.ctx = nil
	}
}

func backendInfo() string {
	info := C.sd_get_system_info()
	if info == nil {
		return "stable-diffusion.cpp"
	}
	return "stable-diffusion.cpp: " + C.GoString(info)
}
