package sdruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"picgo/core"
)

var (
	checksumsMu sync.RWMutex
	// modelChecksums maps well-known checkpoint file names to their SHA-256.
	modelChecksums = map[string]string{
		"sd_xl_base_1.0.safetensors":      "31e35c80fc4829d14f90153f4c74cd59c90b779f6afe05a74cd6120b893f7e5b",
		"v1-5-pruned-emaonly.safetensors": "6ce0161689b3853acaa03779ec93eafe75a02f4ced659bee03f50797806fa2fa",
	}
)

// ExpectedChecksum returns the registered SHA-256 for a checkpoint file name.
func ExpectedChecksum(name string) (string, bool) {
	checksumsMu.RLock()
	defer checksumsMu.RUnlock()
	sum, ok := modelChecksums[name]
	return sum, ok
}

// RegisterModelChecksum adds or replaces a known checksum.
func RegisterModelChecksum(name, sha256 string) {
	checksumsMu.Lock()
	defer checksumsMu.Unlock()
	modelChecksums[name] = sha256
}

// VerifyModelChecksum compares a checkpoint against its registered checksum.
// Files with no registered checksum pass; the result is reported as
// (checked, err) so callers can tell the two apart.
func VerifyModelChecksum(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return false, fmt.Errorf("failed to access model file: %w", err)
	}

	expected, ok := ExpectedChecksum(filepath.Base(path))
	if !ok {
		return false, nil
	}

	match, err := core.VerifyChecksum(path, expected)
	if err != nil {
		return true, fmt.Errorf("failed to calculate checksum: %w", err)
	}
	if !match {
		return true, fmt.Errorf("%w: %s does not match the published SHA-256", ErrModelCorrupted, filepath.Base(path))
	}
	return true, nil
}
