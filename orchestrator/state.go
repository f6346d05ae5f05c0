package orchestrator

import (
	"picgo/device"
	"picgo/imagegen"
)

// State is the orchestrator's position in the load/generate lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateLoadFailed
	StateGenerating
	StateGenerationFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateLoadFailed:
		return "load_failed"
	case StateGenerating:
		return "generating"
	case StateGenerationFailed:
		return "generation_failed"
	default:
		return "unknown"
	}
}

// Busy reports whether an operation is in flight.
func (s State) Busy() bool {
	return s == StateLoading || s == StateGenerating
}

// EventKind says which task produced an Event.
type EventKind int

const (
	EventLoad EventKind = iota
	EventGenerate
	EventDevice
)

func (k EventKind) String() string {
	switch k {
	case EventLoad:
		return "load"
	case EventGenerate:
		return "generate"
	case EventDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Event is the result of one dispatched task. Events arrive in the order
// their tasks were submitted; Ticket matches the value Submit returned.
type Event struct {
	Kind   EventKind
	Ticket uint64
	// State is the state entered when the task finished.
	State State

	Load    *imagegen.LoadOutcome
	Request imagegen.GenerationRequest
	Result  *imagegen.GenerationResult

	// Device is the device in effect after the task.
	Device device.Device
	// Notice is set when a device selection had to be downgraded.
	Notice *device.Notice

	// Err is nil on success. Message is the one-line text for the operator.
	Err     *imagegen.GenerationError
	Message string
}

// OK reports whether the task succeeded.
func (e Event) OK() bool {
	if e.Kind == EventLoad {
		return e.Load != nil && e.Load.Success
	}
	return e.Err == nil
}
