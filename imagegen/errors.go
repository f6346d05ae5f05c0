package imagegen

import (
	"context"
	"errors"
	"fmt"

	"picgo/sdruntime"
)

// Error codes carried to the interface.
const (
	CodeInvalidPrompt        = "invalid_prompt"
	CodeModelNotLoaded       = "model_not_loaded"
	CodeClassificationFailed = "classification_failed"
	CodeOutOfVRAM            = "out_of_vram"
	CodeNativeUnavailable    = "native_unavailable"
	CodeCanceled             = "canceled"
	CodeGenerationFailed     = "generation_failed"
)

// GenerationError is a classified failure. Message is the one line shown to
// the operator; Cause keeps the full chain for diagnostics.
type GenerationError struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// ClassifyError maps err to a GenerationError. A GenerationError is
// returned unchanged; nil maps to nil.
func ClassifyError(err error) *GenerationError {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}

	switch {
	case errors.Is(err, ErrInvalidPrompt):
		return &GenerationError{Code: CodeInvalidPrompt, Message: "Please enter a prompt.", Cause: err}
	case errors.Is(err, ErrModelNotLoaded):
		return &GenerationError{Code: CodeModelNotLoaded, Message: "Load a model before generating.", Cause: err}
	case errors.Is(err, ErrClassificationFailed):
		return &GenerationError{Code: CodeClassificationFailed, Message: "The checkpoint could not be loaded as SDXL or SD1.x/2.x.", Cause: err}
	case errors.Is(err, sdruntime.ErrOutOfVRAM):
		return &GenerationError{Code: CodeOutOfVRAM, Message: "The GPU ran out of memory. Try the CPU device.", Retryable: true, Cause: err}
	case errors.Is(err, sdruntime.ErrNativeUnavailable):
		return &GenerationError{Code: CodeNativeUnavailable, Message: "The diffusion runtime is not installed.", Cause: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &GenerationError{Code: CodeCanceled, Message: "Generation was canceled.", Retryable: true, Cause: err}
	default:
		return &GenerationError{Code: CodeGenerationFailed, Message: "Image generation failed. See the diagnostics file for details.", Retryable: true, Cause: err}
	}
}
