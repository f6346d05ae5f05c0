package sdruntime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"picgo/checkpoint"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SchedulerConfig is the subset of a registry scheduler_config.json the
// runtime honors.
type SchedulerConfig struct {
	ClassName         string `json:"_class_name"`
	NumTrainTimesteps int    `json:"num_train_timesteps"`
	BetaSchedule      string `json:"beta_schedule"`
	PredictionType    string `json:"prediction_type"`
	TimestepSpacing   string `json:"timestep_spacing"`
	UseKarrasSigmas   bool   `json:"use_karras_sigmas"`
}

// Sampler maps the scheduler class to a native sampling method name.
func (s *SchedulerConfig) Sampler() string {
	if s == nil {
		return defaultSampler
	}
	switch s.ClassName {
	case "EulerDiscreteScheduler":
		return "euler"
	case "EulerAncestralDiscreteScheduler":
		return "euler_a"
	case "HeunDiscreteScheduler":
		return "heun"
	case "DPMSolverMultistepScheduler":
		return "dpm++2m"
	case "LCMScheduler":
		return "lcm"
	default:
		return defaultSampler
	}
}

const defaultSampler = "euler_a"

// Plan is the result of the checks NewPipeline runs before touching the
// native runtime: resolved family and the files handed to the runtime.
type Plan struct {
	Family     checkpoint.Family
	Inspection *checkpoint.Inspection // nil for snapshot directories
	// Model is the single-file checkpoint or the snapshot's denoiser weights.
	Model     string
	ClipL     string
	ClipG     string
	VAE       string
	Scheduler *SchedulerConfig
}

// Sampler returns the sampling method for the plan's scheduler.
func (p *Plan) Sampler() string {
	return p.Scheduler.Sampler()
}

// Prepare validates spec without loading weights. A checkpoint lacking
// components that spec.ComponentPaths does not supply fails with a wrapped
// *checkpoint.MissingComponentError.
func Prepare(spec PipelineSpec) (*Plan, error) {
	info, err := os.Stat(spec.CheckpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, spec.CheckpointPath)
		}
		return nil, fmt.Errorf("%w: unable to access %s: %v", ErrModelLoadFailed, spec.CheckpointPath, err)
	}
	if info.IsDir() {
		return prepareSnapshot(spec)
	}
	return prepareFile(spec)
}

func prepareFile(spec PipelineSpec) (*Plan, error) {
	idx, err := checkpoint.ReadIndex(spec.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}
	in := checkpoint.Inspect(idx)

	missing, err := in.MissingFor(spec.Family)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}

	var unresolved []checkpoint.Component
	for _, c := range missing {
		if _, ok := spec.ComponentPaths[c]; !ok {
			unresolved = append(unresolved, c)
		}
	}
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed,
			&checkpoint.MissingComponentError{Family: spec.Family, Components: unresolved})
	}

	plan := &Plan{Family: spec.Family, Inspection: &in, Model: spec.CheckpointPath}
	if err := plan.applyComponents(spec.ComponentPaths, spec.Precision); err != nil {
		return nil, err
	}
	return plan, nil
}

func prepareSnapshot(spec PipelineSpec) (*Plan, error) {
	mi, err := checkpoint.ReadModelIndex(spec.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}
	family := mi.Family()
	if family == checkpoint.FamilyUnknown {
		return nil, fmt.Errorf("%w: %w: pipeline class %s", ErrModelLoadFailed, checkpoint.ErrFamilyMismatch, mi.ClassName)
	}
	if spec.Family != checkpoint.FamilyAuto && spec.Family != family {
		return nil, fmt.Errorf("%w: %w: snapshot is %s, requested %s",
			ErrModelLoadFailed, checkpoint.ErrFamilyMismatch, family.Label(), spec.Family.Label())
	}

	unet, err := componentWeights(filepath.Join(spec.CheckpointPath, string(checkpoint.ComponentUNet)), spec.Precision)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}

	required := []checkpoint.Component{
		checkpoint.ComponentTextEncoder, checkpoint.ComponentTokenizer,
		checkpoint.ComponentVAE, checkpoint.ComponentScheduler,
	}
	if family == checkpoint.FamilyLarge {
		required = append(required, checkpoint.ComponentTextEncoder2, checkpoint.ComponentTokenizer2)
	}

	paths := map[checkpoint.Component]string{}
	var absent []checkpoint.Component
	for _, c := range required {
		if dir, ok := spec.ComponentPaths[c]; ok {
			paths[c] = dir
			continue
		}
		dir := filepath.Join(spec.CheckpointPath, string(c))
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			absent = append(absent, c)
			continue
		}
		paths[c] = dir
	}
	if len(absent) > 0 {
		sort.Slice(absent, func(i, j int) bool { return absent[i] < absent[j] })
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed,
			&checkpoint.MissingComponentError{Family: family, Components: absent})
	}

	plan := &Plan{Family: family, Model: unet}
	if err := plan.applyComponents(paths, spec.Precision); err != nil {
		return nil, err
	}
	return plan, nil
}

// applyComponents resolves component directories to the files the native
// runtime takes. Tokenizers are embedded in the runtime, so their
// directories are only checked for the vocabulary files.
func (p *Plan) applyComponents(paths map[checkpoint.Component]string, precision Precision) error {
	for c, dir := range paths {
		var err error
		switch c {
		case checkpoint.ComponentTextEncoder:
			p.ClipL, err = componentWeights(dir, precision)
		case checkpoint.ComponentTextEncoder2:
			p.ClipG, err = componentWeights(dir, precision)
		case checkpoint.ComponentVAE:
			p.VAE, err = componentWeights(dir, precision)
		case checkpoint.ComponentTokenizer, checkpoint.ComponentTokenizer2:
			err = requireFiles(dir, "vocab.json", "merges.txt")
		case checkpoint.ComponentScheduler:
			p.Scheduler, err = ReadSchedulerConfig(dir)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrModelLoadFailed, c, err)
		}
	}
	return nil
}

// componentWeights finds the safetensors file in a component directory,
// preferring the precision variant.
func componentWeights(dir string, precision Precision) (string, error) {
	variant := precision.VariantSuffix()
	candidates := []string{
		"model" + variant + ".safetensors",
		"diffusion_pytorch_model" + variant + ".safetensors",
		"model.safetensors",
		"diffusion_pytorch_model.safetensors",
	}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, nil
		}
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if len(matches) > 0 {
		sort.Strings(matches)
		return matches[0], nil
	}
	return "", fmt.Errorf("no safetensors weights in %s", dir)
}

func requireFiles(dir string, names ...string) error {
	var errs []error
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ReadSchedulerConfig parses scheduler_config.json in dir.
func ReadSchedulerConfig(dir string) (*SchedulerConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, "scheduler_config.json"))
	if err != nil {
		return nil, err
	}
	var cfg SchedulerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	return &cfg, nil
}
