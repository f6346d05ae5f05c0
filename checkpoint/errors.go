package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptySource       = errors.New("checkpoint: empty model source")
	ErrInvalidSource     = errors.New("checkpoint: not a checkpoint path or registry id")
	ErrUnsupportedFormat = errors.New("checkpoint: unsupported file format")
	ErrCorruptHeader     = errors.New("checkpoint: corrupt header")
	ErrFamilyMismatch    = errors.New("checkpoint: architecture family mismatch")
)

// MissingComponentError reports components a family needs but the checkpoint
// does not bundle. Its text names every component, so callers that only
// see the message can still recognize it (see ComponentsInText).
type MissingComponentError struct {
	Family     Family
	Components []Component
}

func (e *MissingComponentError) Error() string {
	names := make([]string, len(e.Components))
	for i, c := range e.Components {
		names[i] = componentPhrase(c)
	}
	return fmt.Sprintf("%s checkpoint is missing required components: %s",
		e.Family.Label(), strings.Join(names, ", "))
}

func componentPhrase(c Component) string {
	switch c {
	case ComponentTextEncoder:
		return "text_encoder (text encoder)"
	case ComponentTextEncoder2:
		return "text_encoder_2 (text encoder 2)"
	case ComponentTokenizer:
		return "tokenizer"
	case ComponentTokenizer2:
		return "tokenizer_2"
	case ComponentVAE:
		return "vae (image decoder)"
	case ComponentScheduler:
		return "scheduler"
	default:
		return string(c)
	}
}

// componentMarkers maps lowercase substrings to the components they name.
// Longer markers come first so "text_encoder_2" is not read as "text_encoder".
var componentMarkers = []struct {
	marker     string
	components []Component
}{
	{"text_encoder_2", []Component{ComponentTextEncoder2}},
	{"text encoder 2", []Component{ComponentTextEncoder2}},
	{"tokenizer_2", []Component{ComponentTokenizer2}},
	{"text_encoder", []Component{ComponentTextEncoder}},
	{"text encoder", []Component{ComponentTextEncoder}},
	{"textencoder", []Component{ComponentTextEncoder}},
	{"tokenizer", []Component{ComponentTokenizer}},
	{"image decoder", []Component{ComponentVAE}},
	{"vae", []Component{ComponentVAE}},
	{"scheduler", []Component{ComponentScheduler}},
}

// ComponentsInText returns the components named in an error message by
// case-insensitive substring match. An empty result means the error is not
// about a missing component.
func ComponentsInText(text string) []Component {
	lower := strings.ToLower(text)
	seen := map[Component]bool{}
	for _, m := range componentMarkers {
		if !strings.Contains(lower, m.marker) {
			continue
		}
		// Drop the matched text so shorter markers do not match it again.
		lower = strings.ReplaceAll(lower, m.marker, " ")
		for _, c := range m.components {
			seen[c] = true
		}
	}

	out := make([]Component, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MissingComponents extracts the missing components from err, preferring a
// wrapped *MissingComponentError and falling back to ComponentsInText.
func MissingComponents(err error) []Component {
	if err == nil {
		return nil
	}
	var mce *MissingComponentError
	if errors.As(err, &mce) {
		return mce.Components
	}
	return ComponentsInText(err.Error())
}
