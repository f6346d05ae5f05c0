package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ModelIndexFile is the manifest at the root of a registry snapshot.
const ModelIndexFile = "model_index.json"

// ModelIndex is the parsed registry manifest of a multi-folder model.
type ModelIndex struct {
	ClassName        string
	DiffusersVersion string
	// Components maps a sub-folder name to its [library, class] pair.
	Components map[string][2]string
}

// ReadModelIndex parses the model_index.json in dir.
func ReadModelIndex(dir string) (*ModelIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, ModelIndexFile))
	if err != nil {
		return nil, err
	}

	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, ModelIndexFile, err)
	}

	mi := &ModelIndex{Components: map[string][2]string{}}
	for key, value := range raw {
		switch key {
		case "_class_name":
			_ = json.Unmarshal(value, &mi.ClassName)
		case "_diffusers_version":
			_ = json.Unmarshal(value, &mi.DiffusersVersion)
		default:
			if strings.HasPrefix(key, "_") {
				continue
			}
			var pair []any
			if json.Unmarshal(value, &pair) != nil || len(pair) != 2 {
				continue
			}
			lib, _ := pair[0].(string)
			class, _ := pair[1].(string)
			if lib == "" && class == "" {
				// null entries mark optional components that are absent
				continue
			}
			mi.Components[key] = [2]string{lib, class}
		}
	}
	if mi.ClassName == "" {
		return nil, fmt.Errorf("%w: %s has no _class_name", ErrUnsupportedFormat, ModelIndexFile)
	}
	return mi, nil
}

// Family maps the pipeline class to an architecture family.
func (mi *ModelIndex) Family() Family {
	switch {
	case strings.Contains(mi.ClassName, "XL"):
		return FamilyLarge
	case strings.HasPrefix(mi.ClassName, "StableDiffusion"):
		return FamilySmall
	default:
		return FamilyUnknown
	}
}

// Folders returns the component sub-folders named by the manifest, sorted.
func (mi *ModelIndex) Folders() []string {
	out := make([]string, 0, len(mi.Components))
	for k := range mi.Components {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
