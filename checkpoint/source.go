// Package checkpoint classifies diffusion checkpoints.
//
// It reads the tensor-name index from a checkpoint header (safetensors, GGUF
// or zip-pickled .ckpt) without loading weights, and recognizes the two
// supported architecture families from their tensor signatures.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SourceKind distinguishes local checkpoint files from registry identifiers.
type SourceKind int

const (
	SourceLocalFile SourceKind = iota
	SourceRemote
)

func (k SourceKind) String() string {
	if k == SourceRemote {
		return "remote"
	}
	return "local"
}

// Source is an immutable model source: a local checkpoint path or a
// registry identifier such as "stabilityai/sdxl-turbo".
type Source struct {
	raw  string
	kind SourceKind
}

// CheckpointExtensions are the file extensions treated as local checkpoints.
var CheckpointExtensions = []string{".safetensors", ".ckpt", ".gguf"}

var remoteIDPattern = regexp.MustCompile(`^[A-Za-z0-9][\w.-]*/[\w.-]+$`)

// ParseSource classifies raw. Existing files, and anything that looks like a
// path (checkpoint extension, absolute, or relative with a leading dot), are
// local; a missing local file fails later at load time. Everything else must
// look like "owner/name".
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, ErrEmptySource
	}

	if info, err := os.Stat(raw); err == nil && !info.IsDir() {
		return Source{raw: raw, kind: SourceLocalFile}, nil
	}
	if looksLikePath(raw) {
		return Source{raw: raw, kind: SourceLocalFile}, nil
	}
	if remoteIDPattern.MatchString(raw) {
		return Source{raw: raw, kind: SourceRemote}, nil
	}
	return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// LocalSource returns a Source for a path without touching the filesystem.
func LocalSource(path string) Source {
	return Source{raw: path, kind: SourceLocalFile}
}

func looksLikePath(s string) bool {
	if HasCheckpointExtension(s) || filepath.IsAbs(s) {
		return true
	}
	return strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") ||
		strings.HasPrefix(s, ".\\") || strings.Contains(s, "\\")
}

// HasCheckpointExtension reports whether path ends with a known checkpoint extension.
func HasCheckpointExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range CheckpointExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (s Source) String() string   { return s.raw }
func (s Source) Kind() SourceKind { return s.kind }
func (s Source) IsLocal() bool    { return s.kind == SourceLocalFile }

// DisplayName is the file base name for local sources and the id otherwise.
func (s Source) DisplayName() string {
	if s.kind == SourceLocalFile {
		return filepath.Base(s.raw)
	}
	return s.raw
}

// Path returns the local file path. It is empty for remote sources.
func (s Source) Path() string {
	if s.kind == SourceLocalFile {
		return s.raw
	}
	return ""
}
