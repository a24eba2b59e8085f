// Package prompt builds the chat messages for each mapping strategy. The
// strategy decides what travels in the system prompt (schema block, enum
// options, worked examples); the raw source record always travels as the
// final user message.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapeval-cli/internal/llm"
	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/schema"
)

const systemPrompt = `You are a data transformation assistant that processes raw telemetry data collected daily from industrial production machines.
Your job is to convert each raw input JSON into a structured, standardized JSON object with the following goals:

- Extract and rename fields according to the target format.
- Ensure units are correct and standardized (e.g., converting g to kg when necessary).
- Ensure the data types are correct (e.g., converting strings to numbers).
- Return only valid JSON, no extra commentary.`

// Example is one worked input/output pair shown to the model.
type Example struct {
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
}

// Builder assembles prompts for one run configuration.
type Builder struct {
	strategy      model.PromptStrategy
	tier          model.Tier
	includeSchema bool
	system        string
	examples      []Example
}

// Option customizes a Builder.
type Option func(*Builder)

// WithSystemPrompt replaces the built-in system prompt text.
func WithSystemPrompt(text string) Option {
	return func(b *Builder) {
		if text != "" {
			b.system = text
		}
	}
}

// New builds a prompt Builder for the run. Few-shot runs load their worked
// examples from <datasetDir>/<tier>/few_shot_examples.json and fail with
// model.ErrDataUnavailable when the file is absent.
func New(datasetDir string, cfg model.RunConfig, opts ...Option) (*Builder, error) {
	b := &Builder{
		strategy:      cfg.Prompt,
		tier:          cfg.Tier,
		includeSchema: cfg.IncludeSchema,
		system:        systemPrompt,
	}
	for _, o := range opts {
		o(b)
	}

	if cfg.Prompt == model.PromptFewShot {
		examples, err := loadExamples(datasetDir, cfg.Tier)
		if err != nil {
			return nil, err
		}
		b.examples = examples
	}
	return b, nil
}

func loadExamples(datasetDir string, tier model.Tier) ([]Example, error) {
	path := filepath.Join(datasetDir, string(tier), "few_shot_examples.json")

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(model.ErrDataUnavailable, "prompt: few-shot examples missing at %s", path)
		}
		return nil, eris.Wrapf(err, "prompt: read few-shot examples %s", path)
	}

	var examples []Example
	if err := json.Unmarshal(raw, &examples); err != nil {
		return nil, eris.Wrapf(err, "prompt: parse few-shot examples %s", path)
	}
	if len(examples) == 0 {
		return nil, eris.Wrapf(model.ErrDataUnavailable, "prompt: few-shot examples empty at %s", path)
	}
	return examples, nil
}

// System returns the composed system prompt for this run.
func (b *Builder) System() string {
	var parts []string
	parts = append(parts, b.system)

	switch b.strategy {
	case model.PromptZeroShot:
		if b.includeSchema {
			parts = append(parts, formatInstructions(b.tier))
		}
	case model.PromptFewShot:
		if b.tier != model.TierSimple && b.includeSchema {
			parts = append(parts, enumOptions(b.tier))
		}
		parts = append(parts, "Here are some examples:")
	case model.PromptSchemaDriven:
		parts = append(parts, formatInstructions(b.tier))
	}
	return strings.Join(parts, "\n\n")
}

// Initial builds the first-attempt message sequence for one sample.
func (b *Builder) Initial(sample model.Sample) ([]llm.Message, error) {
	msgs := make([]llm.Message, 0, 2*len(b.examples)+1)

	for _, ex := range b.examples {
		in, err := json.Marshal(ex.Input)
		if err != nil {
			return nil, eris.Wrap(err, "prompt: marshal example input")
		}
		out, err := json.Marshal(ex.Output)
		if err != nil {
			return nil, eris.Wrap(err, "prompt: marshal example output")
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: string(in)},
			llm.Message{Role: llm.RoleAssistant, Content: string(out)},
		)
	}

	src, err := json.Marshal(sample.Source)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: marshal source record %s", sample.SampleID)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: string(src)})
	return msgs, nil
}

// Correction builds the follow-up message sent after a failed attempt. It
// echoes the raw output back verbatim together with the violation list.
func Correction(raw, errorDetail string) llm.Message {
	var b strings.Builder
	b.WriteString("The previous output was **invalid**.\n\n")
	b.WriteString("This is exactly what you returned:\n")
	b.WriteString("```json\n")
	b.WriteString(raw)
	b.WriteString("\n```\n")
	b.WriteString("Fix **ALL** issues and return **ONLY** one valid JSON object.\n\n")
	b.WriteString("Error list:\n")
	b.WriteString(errorDetail)
	return llm.Message{Role: llm.RoleUser, Content: b.String()}
}

// formatInstructions renders the target record block injected into prompts
// that carry the schema.
func formatInstructions(tier model.Tier) string {
	return "The output must be a JSON object matching this schema exactly:\n" + schema.Render(tier)
}

// enumOptions lists the valid values of every enum field.
func enumOptions(tier model.Tier) string {
	var b strings.Builder
	b.WriteString("Valid options for the enum fields in the target record:")
	for _, f := range schema.Fields(tier) {
		if len(f.Enum) == 0 {
			continue
		}
		vals, _ := json.Marshal(f.Enum)
		fmt.Fprintf(&b, "\n- %s: %s", f.Name, vals)
	}
	return b.String()
}
