// Package sdruntime binds diffusion pipelines to the stable-diffusion.cpp
// native runtime.
//
// A Pipeline is built from a PipelineSpec: the checkpoint path, its
// architecture family, explicit paths for any sub-components the checkpoint
// does not bundle, and the target device. NewPipeline performs every check it
// can without the native library (file presence, tensor index, family
// signature, component inventory, scheduler config) before handing the spec
// to the runtime, so a missing component is reported as a
// *checkpoint.MissingComponentError whether or not the runtime is linked.
//
// # Build Tags
//
//   - Stub mode (default): go build
//     Preflight checks run; native construction fails with ErrNativeUnavailable.
//
//   - Native mode: CGO_ENABLED=1 go build -tags sd
//     Requires stable-diffusion.cpp built as a library:
//
//     CGO_CFLAGS="-I${SD_CPP_PATH}" \
//     CGO_LDFLAGS="-L${SD_CPP_PATH}/build -lstable-diffusion" \
//     go build -tags sd
//
// # Usage
//
//	p, err := sdruntime.NewPipeline(sdruntime.PipelineSpec{
//	    CheckpointPath: "/models/sd_xl_base_1.0.safetensors",
//	    Family:         checkpoint.FamilyLarge,
//	    Device:         dev,
//	    Precision:      sdruntime.PrecisionFor(dev),
//	})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	res, err := p.Generate(ctx, sdruntime.GenerateParams{
//	    Prompt: "a lighthouse at dusk", Width: 1024, Height: 1024,
//	    Steps: sdruntime.DefaultSteps, CFGScale: sdruntime.DefaultGuidanceScale, Seed: -1,
//	})
//
// A Pipeline is safe for concurrent use; calls are serialized.
package sdruntime
