// Package device resolves an operator's compute selection (auto, cpu, gpu)
// into a concrete backend.
package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAcceleratorUnavailable is returned when gpu is requested on a host without one.
	ErrAcceleratorUnavailable = errors.New("device: no accelerator available")
	// ErrUnknownSelection is returned for selections other than auto, cpu and gpu.
	ErrUnknownSelection = errors.New("device: unknown selection")
)

// Selection is the operator's requested compute target.
type Selection string

const (
	SelectAuto Selection = "auto"
	SelectCPU  Selection = "cpu"
	SelectGPU  Selection = "gpu"
)

// ParseSelection normalizes s into a Selection.
func ParseSelection(s string) (Selection, error) {
	switch sel := Selection(strings.ToLower(strings.TrimSpace(s))); sel {
	case SelectAuto, SelectCPU, SelectGPU:
		return sel, nil
	case "":
		return SelectAuto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSelection, s)
	}
}

// Kind is the backend class of a resolved device.
type Kind string

const (
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
)

// Device is a resolved compute backend.
type Device struct {
	Kind      Kind
	Index     int
	Name      string
	VRAMBytes uint64
	// MemoryConstrained marks accelerators below the low-VRAM threshold;
	// pipelines bound to them tile the VAE and keep the text encoders on the CPU.
	MemoryConstrained bool
	// Threads is the native worker count used on CPU.
	Threads int
}

// CPU returns the general-purpose compute device.
func CPU() Device {
	return Device{Kind: KindCPU, Name: "cpu", Threads: PhysicalCores()}
}

// IsAccelerator reports whether d is a GPU-class device.
func (d Device) IsAccelerator() bool {
	return d.Kind == KindCUDA
}

// String returns "cpu" or "cuda:<index>".
func (d Device) String() string {
	if d.Kind == KindCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return "cpu"
}

// Notice is an operator-visible message produced when a selection had to be downgraded.
type Notice struct {
	Title   string
	Message string
}
