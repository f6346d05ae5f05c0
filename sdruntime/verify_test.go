package sdruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifyModelChecksum(t *testing.T) {
	dir := t.TempDir()
	content := []byte("not really a model")
	sum := sha256.Sum256(content)

	good := filepath.Join(dir, "good-model.safetensors")
	bad := filepath.Join(dir, "bad-model.safetensors")
	unknown := filepath.Join(dir, "unknown.safetensors")
	for _, p := range []string{good, bad, unknown} {
		if err := os.WriteFile(p, content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	RegisterModelChecksum("good-model.safetensors", hex.EncodeToString(sum[:]))
	RegisterModelChecksum("bad-model.safetensors", "0000000000000000000000000000000000000000000000000000000000000000")

	tests := []struct {
		name        string
		path        string
		wantChecked bool
		corrupted   bool
		notFound    bool
	}{
		{"match", good, true, false, false},
		{"mismatch", bad, true, true, false},
		{"unregistered", unknown, false, false, false},
		{"missing", filepath.Join(dir, "missing.safetensors"), false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checked, err := VerifyModelChecksum(tt.path)
			if checked != tt.wantChecked {
				t.Errorf("checked = %v, want %v", checked, tt.wantChecked)
			}
			if IsModelCorrupted(err) != tt.corrupted {
				t.Errorf("IsModelCorrupted(%v) = %v, want %v", err, !tt.corrupted, tt.corrupted)
			}
			if IsModelNotFound(err) != tt.notFound {
				t.Errorf("IsModelNotFound(%v) = %v, want %v", err, !tt.notFound, tt.notFound)
			}
			if !tt.corrupted && !tt.notFound && err != nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestExpectedChecksum_KnownModels(t *testing.T) {
	sum, ok := ExpectedChecksum("sd_xl_base_1.0.safetensors")
	if !ok || len(sum) != 64 {
		t.Errorf("ExpectedChecksum(sd_xl_base_1.0) = %q, %v", sum, ok)
	}
}
