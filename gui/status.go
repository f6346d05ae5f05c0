package gui

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"picgo/imagegen"
	"picgo/orchestrator"
)

var (
	colorRed    = color.NRGBA{R: 0xd3, G: 0x2f, B: 0x2f, A: 0xff}
	colorOrange = color.NRGBA{R: 0xf5, G: 0x7c, B: 0x00, A: 0xff}
	colorGreen  = color.NRGBA{R: 0x2e, G: 0x7d, B: 0x32, A: 0xff}
)

// Button captions.
const (
	generateText   = "Generate Image"
	generatingText = "Generating..."
)

// Status is the model label's text and color.
type Status struct {
	Text  string
	Color color.NRGBA
}

// StatusFor returns the model label for state. model is the display name of
// the loaded checkpoint.
func StatusFor(state orchestrator.State, model string) Status {
	switch state {
	case orchestrator.StateLoading:
		return Status{Text: "Loading...", Color: colorOrange}
	case orchestrator.StateLoadFailed:
		return Status{Text: "Load Failed", Color: colorRed}
	case orchestrator.StateLoaded, orchestrator.StateGenerating, orchestrator.StateGenerationFailed:
		return Status{Text: "Loaded: " + model, Color: colorGreen}
	default:
		return Status{Text: "No model loaded", Color: colorRed}
	}
}

// SubmitWarning turns a rejected submission into the dialog text shown to
// the operator.
func SubmitWarning(err error) string {
	switch {
	case errors.Is(err, imagegen.ErrInvalidPrompt):
		return "Please enter a prompt."
	case errors.Is(err, imagegen.ErrModelNotLoaded):
		return "Please load a model first!"
	case errors.Is(err, orchestrator.ErrBusy):
		return "Still working on the previous request. Please wait."
	default:
		return err.Error()
	}
}

// EnsureModelDir creates dir when missing and returns its absolute path.
func EnsureModelDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create model directory: %w", err)
	}
	return abs, nil
}
