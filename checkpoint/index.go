package checkpoint

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	gguf "github.com/gpustack/gguf-parser-go"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format is the on-disk container of a checkpoint.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatGGUF        Format = "gguf"
	FormatCkpt        Format = "ckpt"
)

const (
	maxSafetensorsHeader = 100 << 20
	maxPickleSize        = 64 << 20
)

// TensorIndex is the set of tensor names stored in a checkpoint.
type TensorIndex struct {
	Format   Format
	Names    []string // sorted
	Metadata map[string]string
}

// HasPrefix reports whether any tensor name starts with prefix.
func (idx *TensorIndex) HasPrefix(prefix string) bool {
	i := sort.SearchStrings(idx.Names, prefix)
	return i < len(idx.Names) && strings.HasPrefix(idx.Names[i], prefix)
}

// CountPrefix returns the number of tensor names starting with prefix.
func (idx *TensorIndex) CountPrefix(prefix string) int {
	n := 0
	for i := sort.SearchStrings(idx.Names, prefix); i < len(idx.Names) && strings.HasPrefix(idx.Names[i], prefix); i++ {
		n++
	}
	return n
}

func newIndex(format Format, names []string, meta map[string]string) *TensorIndex {
	sort.Strings(names)
	if meta == nil {
		meta = map[string]string{}
	}
	return &TensorIndex{Format: format, Names: names, Metadata: meta}
}

// ReadIndex reads the tensor-name index of the checkpoint at path. The
// container is detected from its magic bytes, not its extension.
func ReadIndex(path string) (*TensorIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, 8)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: %s: file too short", ErrCorruptHeader, filepath.Base(path))
	}
	magic = magic[:n]

	switch {
	case bytes.HasPrefix(magic, []byte("GGUF")):
		return readGGUF(path)
	case bytes.HasPrefix(magic, []byte("PK\x03\x04")):
		return readCkpt(path)
	case n < 8:
		return nil, fmt.Errorf("%w: %s: file too short", ErrCorruptHeader, filepath.Base(path))
	default:
		return readSafetensors(f, binary.LittleEndian.Uint64(magic), path)
	}
}

// readSafetensors parses the JSON header that follows the 8-byte length prefix.
func readSafetensors(r io.Reader, headerLen uint64, path string) (*TensorIndex, error) {
	if headerLen < 2 || headerLen > maxSafetensorsHeader {
		return nil, fmt.Errorf("%w: %s: header length %d", ErrUnsupportedFormat, filepath.Base(path), headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, filepath.Base(path), err)
	}
	if header[0] != '{' {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}

	var entries map[string]jsoniter.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, filepath.Base(path), err)
	}

	meta := map[string]string{}
	names := make([]string, 0, len(entries))
	for name, raw := range entries {
		if name == "__metadata__" {
			_ = json.Unmarshal(raw, &meta)
			continue
		}
		names = append(names, name)
	}
	return newIndex(FormatSafetensors, names, meta), nil
}

func readGGUF(path string) (*TensorIndex, error) {
	f, err := gguf.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, filepath.Base(path), err)
	}

	names := make([]string, 0, len(f.TensorInfos))
	for _, ti := range f.TensorInfos {
		names = append(names, ti.Name)
	}
	meta := map[string]string{}
	if kv, ok := f.Header.MetadataKV.Get("general.architecture"); ok {
		meta["general.architecture"] = kv.ValueString()
	}
	return newIndex(FormatGGUF, names, meta), nil
}

// readCkpt scans the pickled state dict of a zip-format torch checkpoint for
// tensor keys. Only the key strings are needed, so the pickle is not executed.
func readCkpt(path string) (*TensorIndex, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, filepath.Base(path), err)
	}
	defer zr.Close()

	var pkl *zip.File
	for _, f := range zr.File {
		if f.Name == "data.pkl" || strings.HasSuffix(f.Name, "/data.pkl") {
			pkl = f
			break
		}
	}
	if pkl == nil {
		return nil, fmt.Errorf("%w: %s: no data.pkl in archive", ErrUnsupportedFormat, filepath.Base(path))
	}

	rc, err := pkl.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, filepath.Base(path), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxPickleSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, filepath.Base(path), err)
	}
	return newIndex(FormatCkpt, pickleKeys(data), nil), nil
}

// Pickle opcodes carrying unicode strings.
const (
	opShortBinUnicode = 0x8c // 1-byte length
	opBinUnicode      = 'X'  // 4-byte little-endian length
)

// pickleKeys extracts string constants that look like tensor names.
func pickleKeys(data []byte) []string {
	seen := map[string]bool{}
	for i := 0; i < len(data); i++ {
		var start, length int
		switch data[i] {
		case opShortBinUnicode:
			if i+1 >= len(data) {
				continue
			}
			start, length = i+2, int(data[i+1])
		case opBinUnicode:
			if i+4 >= len(data) {
				continue
			}
			start, length = i+5, int(binary.LittleEndian.Uint32(data[i+1:i+5]))
			if length > 1024 {
				continue
			}
		default:
			continue
		}
		if length == 0 || start+length > len(data) {
			continue
		}
		s := data[start : start+length]
		if utf8.Valid(s) && looksLikeTensorName(string(s)) {
			seen[string(s)] = true
			i = start + length - 1
		}
	}

	names := make([]string, 0, len(seen))
	for s := range seen {
		names = append(names, s)
	}
	return names
}

func looksLikeTensorName(s string) bool {
	if !strings.Contains(s, ".") || strings.ContainsAny(s, " /\\") {
		return false
	}
	return strings.HasSuffix(s, ".weight") || strings.HasSuffix(s, ".bias") ||
		strings.HasPrefix(s, "model.") || strings.HasPrefix(s, "first_stage_model.") ||
		strings.HasPrefix(s, "cond_stage_model.") || strings.HasPrefix(s, "conditioner.")
}
