package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestReadIndex_Formats(t *testing.T) {
	dir := t.TempDir()
	names := join(sdxlUNet, sdxlClipL, sdxlClipG, vaeNames)

	tests := []struct {
		name   string
		path   string
		format Format
	}{
		{"safetensors", writeSafetensors(t, dir, "a.safetensors", names), FormatSafetensors},
		{"ckpt", writeCkpt(t, dir, "a.ckpt", names), FormatCkpt},
		{"gguf", writeGGUF(t, dir, "a.gguf", names), FormatGGUF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := ReadIndex(tt.path)
			if err != nil {
				t.Fatalf("ReadIndex() error = %v", err)
			}
			if idx.Format != tt.format {
				t.Errorf("Format = %q, want %q", idx.Format, tt.format)
			}
			if len(idx.Names) != len(names) {
				t.Errorf("got %d names, want %d: %v", len(idx.Names), len(names), idx.Names)
			}
			if !idx.HasPrefix("conditioner.embedders.1.") {
				t.Error("HasPrefix(conditioner.embedders.1.) = false")
			}
			if got := idx.CountPrefix("first_stage_model."); got != 2 {
				t.Errorf("CountPrefix(first_stage_model.) = %d, want 2", got)
			}
		})
	}
}

func TestReadIndex_SafetensorsMetadata(t *testing.T) {
	path := writeSafetensors(t, t.TempDir(), "m.safetensors", sd15UNet)
	idx, err := ReadIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Metadata["format"] != "pt" {
		t.Errorf("Metadata = %v", idx.Metadata)
	}
	for _, n := range idx.Names {
		if n == "__metadata__" {
			t.Error("__metadata__ listed as a tensor")
		}
	}
}

func TestReadIndex_Rejects(t *testing.T) {
	dir := t.TempDir()

	tiny := filepath.Join(dir, "tiny.safetensors")
	os.WriteFile(tiny, []byte{1, 2, 3}, 0644)

	garbage := filepath.Join(dir, "garbage.safetensors")
	os.WriteFile(garbage, []byte("this is definitely not a checkpoint file at all"), 0644)

	truncated := filepath.Join(dir, "truncated.safetensors")
	os.WriteFile(truncated, []byte{0x40, 0, 0, 0, 0, 0, 0, 0, '{', '"'}, 0644)

	tests := []struct {
		name string
		path string
		want error
	}{
		{"too short", tiny, ErrCorruptHeader},
		{"huge header length", garbage, ErrUnsupportedFormat},
		{"truncated header", truncated, ErrCorruptHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadIndex(tt.path); !errors.Is(err, tt.want) {
				t.Errorf("ReadIndex() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := ReadIndex(filepath.Join(dir, "missing.safetensors")); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v, want not-exist", err)
	}
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name      string
		tensors   []string
		family    Family
		missing   []Component
		largeErr  bool
		smallErr  bool
		diffusers bool
	}{
		{
			name:     "complete sdxl",
			tensors:  join(sdxlUNet, sdxlClipL, sdxlClipG, vaeNames),
			family:   FamilyLarge,
			smallErr: true,
		},
		{
			name:     "sdxl without vae",
			tensors:  join(sdxlUNet, sdxlClipL, sdxlClipG),
			family:   FamilyLarge,
			missing:  []Component{ComponentVAE},
			smallErr: true,
		},
		{
			name:     "sdxl unet only",
			tensors:  sdxlUNet,
			family:   FamilyLarge,
			missing:  []Component{ComponentTextEncoder, ComponentTokenizer, ComponentTextEncoder2, ComponentTokenizer2, ComponentVAE},
			smallErr: true,
		},
		{
			name:     "sdxl missing only bigG",
			tensors:  join(sdxlUNet, sdxlClipL, vaeNames),
			family:   FamilyLarge,
			missing:  []Component{ComponentTextEncoder2, ComponentTokenizer2},
			smallErr: true,
		},
		{
			name:      "diffusers sdxl unet",
			tensors:   diffusersSDXLUNet,
			family:    FamilyLarge,
			missing:   RepairableComponents[FamilyLarge],
			smallErr:  true,
			diffusers: true,
		},
		{
			name:     "sd15",
			tensors:  join(sd15UNet, sd15Clip, vaeNames),
			family:   FamilySmall,
			largeErr: true,
		},
		{
			name:     "sd15 without vae",
			tensors:  join(sd15UNet, sd15Clip),
			family:   FamilySmall,
			largeErr: true,
			smallErr: true,
		},
		{
			name:     "lora",
			tensors:  []string{"lora_unet_down_blocks_0_attentions_0_proj_in.lora_down.weight"},
			family:   FamilyUnknown,
			largeErr: true,
			smallErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Inspect(newIndex(FormatSafetensors, append([]string(nil), tt.tensors...), nil))
			if in.Family != tt.family {
				t.Errorf("Family = %q, want %q", in.Family, tt.family)
			}
			if in.Diffusers != tt.diffusers {
				t.Errorf("Diffusers = %v, want %v", in.Diffusers, tt.diffusers)
			}

			missing, err := in.MissingFor(FamilyLarge)
			if (err != nil) != tt.largeErr {
				t.Errorf("MissingFor(large) error = %v, wantErr %v", err, tt.largeErr)
			}
			if err == nil && !reflect.DeepEqual(missing, tt.missing) {
				t.Errorf("MissingFor(large) = %v, want %v", missing, tt.missing)
			}
			if err != nil && !errors.Is(err, ErrFamilyMismatch) {
				t.Errorf("large error %v does not wrap ErrFamilyMismatch", err)
			}

			if _, err := in.MissingFor(FamilySmall); (err != nil) != tt.smallErr {
				t.Errorf("MissingFor(small) error = %v, wantErr %v", err, tt.smallErr)
			}
		})
	}
}

func TestMissingComponentError_TextIsRecognizable(t *testing.T) {
	err := &MissingComponentError{
		Family:     FamilyLarge,
		Components: []Component{ComponentTextEncoder2, ComponentTokenizer2, ComponentVAE},
	}
	got := ComponentsInText(err.Error())
	want := []Component{ComponentTextEncoder2, ComponentTokenizer2, ComponentVAE}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ComponentsInText(%q) = %v, want %v", err.Error(), got, want)
	}
	if !strings.Contains(err.Error(), "large (SDXL)") {
		t.Errorf("message lacks family label: %q", err.Error())
	}
}

func TestComponentsInText(t *testing.T) {
	tests := []struct {
		text string
		want []Component
	}{
		{"Cannot load text encoder weights", []Component{ComponentTextEncoder}},
		{"The scheduler config is missing", []Component{ComponentScheduler}},
		{"failed to build image decoder", []Component{ComponentVAE}},
		{"tokenizer_2 not found and Tokenizer missing", []Component{ComponentTokenizer, ComponentTokenizer2}},
		{"unexpected EOF while reading header", []Component{}},
	}
	for _, tt := range tests {
		if got := ComponentsInText(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ComponentsInText(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMissingComponents_PrefersTypedError(t *testing.T) {
	wrapped := errors.Join(errors.New("construct large pipeline"),
		&MissingComponentError{Family: FamilyLarge, Components: []Component{ComponentVAE}})
	if got := MissingComponents(wrapped); !reflect.DeepEqual(got, []Component{ComponentVAE}) {
		t.Errorf("MissingComponents() = %v", got)
	}
	if MissingComponents(nil) != nil {
		t.Error("MissingComponents(nil) should be nil")
	}
}

func TestParseSource(t *testing.T) {
	dir := t.TempDir()
	existing := writeSafetensors(t, dir, "model.safetensors", sd15UNet)

	tests := []struct {
		raw     string
		kind    SourceKind
		wantErr error
	}{
		{existing, SourceLocalFile, nil},
		{filepath.Join(dir, "nope.ckpt"), SourceLocalFile, nil},
		{"./relative/model.bin", SourceLocalFile, nil},
		{"stabilityai/sdxl-turbo", SourceRemote, nil},
		{"runwayml/stable-diffusion-v1-5", SourceRemote, nil},
		{"   ", 0, ErrEmptySource},
		{"just words here", 0, ErrInvalidSource},
	}
	for _, tt := range tests {
		src, err := ParseSource(tt.raw)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("ParseSource(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
			continue
		}
		if err == nil && src.Kind() != tt.kind {
			t.Errorf("ParseSource(%q) kind = %v, want %v", tt.raw, src.Kind(), tt.kind)
		}
	}

	src, _ := ParseSource(existing)
	if src.DisplayName() != "model.safetensors" || src.Path() != existing {
		t.Errorf("DisplayName/Path = %q/%q", src.DisplayName(), src.Path())
	}
	remote, _ := ParseSource("stabilityai/sdxl-turbo")
	if remote.Path() != "" || remote.IsLocal() {
		t.Error("remote source reports a local path")
	}
}

func TestIsRepairable(t *testing.T) {
	if !IsRepairable(FamilyLarge, ComponentVAE) {
		t.Error("vae should be repairable for large")
	}
	if IsRepairable(FamilyLarge, ComponentUNet) {
		t.Error("unet must never be repairable")
	}
	if IsRepairable(FamilySmall, ComponentVAE) {
		t.Error("small family has no repair source")
	}
}
