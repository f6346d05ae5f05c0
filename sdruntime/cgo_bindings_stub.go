//go:build !sd || stub

// Stub runtime used when stable-diffusion.cpp is not linked.
// Build with: go build (or go build -tags stub)

package sdruntime

import "fmt"

const nativeAvailable = false

type nativeContext struct{}

func newNativeContext(spec PipelineSpec, plan *Plan) (*nativeContext, error) {
	return nil, fmt.Errorf("%w: stable-diffusion.cpp is not linked into this build "+
		"(rebuild with CGO_ENABLED=1 and -tags sd); %s checkpoint %s passed all checks",
		ErrNativeUnavailable, plan.Family.Label(), spec.CheckpointPath)
}

func (c *nativeContext) txt2img(GenerateParams, string) (*nativeImage, error) {
	return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, ErrNativeUnavailable)
}

func (c *nativeContext) rebind(PipelineSpec, *Plan) error {
	return ErrNativeUnavailable
}

func (c *nativeContext) free() {}

func backendInfo() string {
	return "stub (no stable-diffusion.cpp library linked)"
}
