package prompt

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mapeval-cli/internal/model"
)

// Overrides carries operator-supplied system prompt replacements, keyed by
// strategy, loaded from a prompts.yaml file.
type Overrides struct {
	System map[string]string `yaml:"system"`
}

// LoadOverrides reads a prompts.yaml file. A missing file is not an error;
// it simply means no overrides.
func LoadOverrides(path string) (*Overrides, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Overrides{}, nil
		}
		return nil, eris.Wrapf(err, "prompt: read overrides %s", path)
	}

	var o Overrides
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return nil, eris.Wrapf(err, "prompt: parse overrides %s", path)
	}
	return &o, nil
}

// For returns the override for a strategy, or "" when none is set.
func (o *Overrides) For(strategy model.PromptStrategy) string {
	if o == nil {
		return ""
	}
	return o.System[string(strategy)]
}
