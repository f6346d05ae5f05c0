package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ComputeSHA256 returns the lowercase hex SHA-256 of a file.
func ComputeSHA256(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file %q: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum hashes a file and compares it against expectedHash.
// The comparison is case-insensitive.
func VerifyChecksum(path string, expectedHash string) (bool, error) {
	if expectedHash == "" {
		return false, fmt.Errorf("expected hash cannot be empty")
	}
	if len(expectedHash) != 64 {
		return false, fmt.Errorf("invalid SHA256 hash length: expected 64 characters, got %d", len(expectedHash))
	}
	if _, err := hex.DecodeString(expectedHash); err != nil {
		return false, fmt.Errorf("invalid SHA256 hash: %w", err)
	}

	actual, err := ComputeSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == strings.ToLower(expectedHash), nil
}
