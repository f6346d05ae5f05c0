package checkpoint

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Tensor name sets for synthetic checkpoints.
var (
	sdxlUNet = []string{
		"model.diffusion_model.input_blocks.0.0.weight",
		"model.diffusion_model.label_emb.0.0.weight",
		"model.diffusion_model.out.2.weight",
	}
	sdxlClipL         = []string{"conditioner.embedders.0.transformer.text_model.embeddings.position_ids"}
	sdxlClipG         = []string{"conditioner.embedders.1.model.ln_final.weight"}
	vaeNames          = []string{"first_stage_model.decoder.conv_in.weight", "first_stage_model.encoder.conv_out.bias"}
	sd15UNet          = []string{"model.diffusion_model.input_blocks.0.0.weight", "model.diffusion_model.out.2.bias"}
	sd15Clip          = []string{"cond_stage_model.transformer.text_model.final_layer_norm.weight"}
	diffusersSDXLUNet = []string{
		"add_embedding.linear_1.weight",
		"down_blocks.0.resnets.0.conv1.weight",
		"mid_block.attentions.0.proj_in.weight",
	}
)

func join(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// writeSafetensors writes a minimal safetensors file with one 2-byte F16 tensor per name.
func writeSafetensors(t *testing.T, dir, name string, tensors []string) string {
	t.Helper()
	var hdr strings.Builder
	hdr.WriteString(`{"__metadata__":{"format":"pt"}`)
	for i, tensor := range tensors {
		fmt.Fprintf(&hdr, `,%q:{"dtype":"F16","shape":[1],"data_offsets":[%d,%d]}`, tensor, i*2, i*2+2)
	}
	hdr.WriteString("}")

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(hdr.Len()))
	buf.WriteString(hdr.String())
	buf.Write(make([]byte, len(tensors)*2))

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeCkpt writes a zip-format torch checkpoint whose data.pkl holds the
// names as SHORT_BINUNICODE strings between unrelated opcodes.
func writeCkpt(t *testing.T, dir, name string, tensors []string) string {
	t.Helper()
	var pkl bytes.Buffer
	pkl.Write([]byte{0x80, 0x02, '}', 'q', 0x00})
	for _, tensor := range tensors {
		pkl.WriteByte(opShortBinUnicode)
		pkl.WriteByte(byte(len(tensor)))
		pkl.WriteString(tensor)
		pkl.Write([]byte{0x8c, 0x05, 'H', 'a', 'l', 'f', 'S', 0x94}) // storage type noise
	}
	pkl.WriteByte('.')

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("archive/data.pkl")
	if err != nil {
		t.Fatal(err)
	}
	w.Write(pkl.Bytes())
	if w, err = zw.Create("archive/data/0"); err == nil {
		w.Write([]byte{0, 0})
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

// writeGGUF writes a GGUF v3 file with one F32 scalar tensor per name.
func writeGGUF(t *testing.T, dir, name string, tensors []string) string {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian
	str := func(s string) {
		_ = binary.Write(&buf, le, uint64(len(s)))
		buf.WriteString(s)
	}

	buf.WriteString("GGUF")
	_ = binary.Write(&buf, le, uint32(3))
	_ = binary.Write(&buf, le, uint64(len(tensors)))
	_ = binary.Write(&buf, le, uint64(1))

	str("general.architecture")
	_ = binary.Write(&buf, le, uint32(8)) // string
	str("stable-diffusion")

	for i, tensor := range tensors {
		str(tensor)
		_ = binary.Write(&buf, le, uint32(1))
		_ = binary.Write(&buf, le, uint64(1))
		_ = binary.Write(&buf, le, uint32(0)) // F32
		_ = binary.Write(&buf, le, uint64(i*32))
	}
	for buf.Len()%32 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(make([]byte, len(tensors)*32))

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
