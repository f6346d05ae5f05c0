package checkpoint

// Family is an architecture family. The two local families need different
// pipeline wiring and cannot be loaded interchangeably.
type Family string

const (
	// FamilyLarge is the SDXL class: dual text encoder, 1024px native.
	FamilyLarge Family = "large"
	// FamilySmall is the SD 1.x / 2.x class: single text encoder, 512/768px native.
	FamilySmall Family = "small"
	// FamilyAuto is used for registry sources, whose model_index.json decides.
	FamilyAuto    Family = "auto"
	FamilyUnknown Family = ""
)

// Label is the operator-facing family name used in load failure detail.
func (f Family) Label() string {
	switch f {
	case FamilyLarge:
		return "large (SDXL)"
	case FamilySmall:
		return "small (SD1.x/2.x)"
	case FamilyAuto:
		return "auto (registry)"
	default:
		return "unknown"
	}
}

// NativeSize returns the default output edge length in pixels.
func (f Family) NativeSize() int {
	if f == FamilyLarge {
		return 1024
	}
	return 512
}

// Component is a pipeline sub-component that a checkpoint may or may not bundle.
type Component string

const (
	ComponentTextEncoder  Component = "text_encoder"
	ComponentTextEncoder2 Component = "text_encoder_2"
	ComponentTokenizer    Component = "tokenizer"
	ComponentTokenizer2   Component = "tokenizer_2"
	ComponentVAE          Component = "vae"
	ComponentScheduler    Component = "scheduler"
	ComponentUNet         Component = "unet"
)

// RepairableComponents lists, per family, the components that can be
// fetched from the family's canonical source. The denoiser is never
// repairable: it is the checkpoint.
var RepairableComponents = map[Family][]Component{
	FamilyLarge: {
		ComponentTextEncoder,
		ComponentTextEncoder2,
		ComponentTokenizer,
		ComponentTokenizer2,
		ComponentVAE,
		ComponentScheduler,
	},
}

// IsRepairable reports whether c can be fetched for family f.
func IsRepairable(f Family, c Component) bool {
	for _, rc := range RepairableComponents[f] {
		if rc == c {
			return true
		}
	}
	return false
}
