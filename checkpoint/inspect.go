package checkpoint

import (
	"fmt"
)

// Tensor-name prefixes of the single-file (original repository) layout.
const (
	prefixUNet          = "model.diffusion_model."
	prefixLabelEmb      = "model.diffusion_model.label_emb."
	prefixVAE           = "first_stage_model."
	prefixCondStage     = "cond_stage_model."
	prefixConditioner   = "conditioner.embedders."
	prefixConditionerL  = "conditioner.embedders.0."
	prefixConditionerG  = "conditioner.embedders.1."
	prefixDiffusersUNet = "down_blocks."
	// SDXL denoisers in diffusers layout carry the additional time/text embedding.
	prefixDiffusersAddEmbed = "add_embedding."
)

// Inspection summarizes the tensor signatures found in a checkpoint.
type Inspection struct {
	Format      Format
	TensorCount int
	// Family is the family whose signature was found, or FamilyUnknown.
	Family Family
	// Diffusers is true for a bare denoiser saved in diffusers naming.
	Diffusers bool
	HasUNet   bool
	HasVAE    bool
	// TextEncoders counts bundled text encoders (0, 1 or 2).
	TextEncoders int
	// For the large family: CLIP-L (first embedder) and OpenCLIP bigG (second).
	HasTextEncoderL bool
	HasTextEncoderG bool
	Metadata        map[string]string
}

// Inspect classifies idx by tensor signature.
//
// The large signature (label_emb or the dual conditioner) is checked first:
// a large checkpoint also contains every prefix the small family needs, so
// the small test alone would misclassify it.
func Inspect(idx *TensorIndex) Inspection {
	in := Inspection{
		Format:      idx.Format,
		TensorCount: len(idx.Names),
		Metadata:    idx.Metadata,
		HasVAE:      idx.HasPrefix(prefixVAE),
	}

	switch {
	case idx.HasPrefix(prefixLabelEmb) || idx.HasPrefix(prefixConditioner):
		in.Family = FamilyLarge
		in.HasUNet = idx.HasPrefix(prefixUNet)
		in.HasTextEncoderL = idx.HasPrefix(prefixConditionerL)
		in.HasTextEncoderG = idx.HasPrefix(prefixConditionerG)
		if in.HasTextEncoderL {
			in.TextEncoders++
		}
		if in.HasTextEncoderG {
			in.TextEncoders++
		}
	case idx.HasPrefix(prefixDiffusersAddEmbed) && idx.HasPrefix(prefixDiffusersUNet):
		in.Family = FamilyLarge
		in.Diffusers = true
		in.HasUNet = true
	case idx.HasPrefix(prefixUNet) && idx.HasPrefix(prefixCondStage):
		in.Family = FamilySmall
		in.HasUNet = true
		in.TextEncoders = 1
	default:
		in.HasUNet = idx.HasPrefix(prefixUNet) || idx.HasPrefix(prefixDiffusersUNet)
	}
	return in
}

// MissingFor returns the components family f needs that the checkpoint does
// not bundle, or an error when the checkpoint cannot be that family at all.
func (in Inspection) MissingFor(f Family) ([]Component, error) {
	switch f {
	case FamilyLarge:
		if in.Family != FamilyLarge {
			return nil, fmt.Errorf("%w: no SDXL signature (label_emb or dual conditioner) among %d tensors",
				ErrFamilyMismatch, in.TensorCount)
		}
		if !in.HasUNet {
			return nil, fmt.Errorf("%w: SDXL conditioner present but no denoiser weights", ErrFamilyMismatch)
		}
		var missing []Component
		if in.Diffusers {
			return append(missing, RepairableComponents[FamilyLarge]...), nil
		}
		if !in.HasTextEncoderL {
			missing = append(missing, ComponentTextEncoder, ComponentTokenizer)
		}
		if !in.HasTextEncoderG {
			missing = append(missing, ComponentTextEncoder2, ComponentTokenizer2)
		}
		if !in.HasVAE {
			missing = append(missing, ComponentVAE)
		}
		return missing, nil

	case FamilySmall:
		if in.Family == FamilyLarge {
			return nil, fmt.Errorf("%w: checkpoint carries the SDXL conditioner, not an SD1.x/2.x text encoder", ErrFamilyMismatch)
		}
		if in.Family != FamilySmall {
			return nil, fmt.Errorf("%w: no SD1.x/2.x signature (cond_stage_model with model.diffusion_model) among %d tensors",
				ErrFamilyMismatch, in.TensorCount)
		}
		if !in.HasVAE {
			return nil, fmt.Errorf("%w: SD1.x/2.x checkpoint has no first_stage_model weights", ErrFamilyMismatch)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: family %q cannot be checked locally", ErrFamilyMismatch, f)
	}
}
