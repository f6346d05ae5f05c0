package sdruntime

import "errors"

var (
	// Model errors
	ErrModelNotFound   = errors.New("sdruntime: model file not found")
	ErrModelLoadFailed = errors.New("sdruntime: failed to load model")
	ErrModelCorrupted  = errors.New("sdruntime: model file is corrupted or invalid")

	// Generation errors
	ErrGenerationFailed = errors.New("sdruntime: image generation failed")
	ErrInvalidPrompt    = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams    = errors.New("sdruntime: invalid generation parameters")

	// Runtime errors
	ErrNativeUnavailable = errors.New("sdruntime: native diffusion runtime not available")
	ErrOutOfVRAM         = errors.New("sdruntime: out of VRAM")
	ErrPipelineClosed    = errors.New("sdruntime: pipeline is closed")
)

// IsModelCorrupted reports whether err indicates a checksum mismatch.
func IsModelCorrupted(err error) bool {
	return errors.Is(err, ErrModelCorrupted)
}

// IsModelNotFound reports whether err indicates a missing model file.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
