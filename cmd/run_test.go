//go:build !integration

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapeval-cli/internal/config"
	"github.com/sells-group/mapeval-cli/internal/dataset"
	"github.com/sells-group/mapeval-cli/internal/model"
)

func setTestConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{}
	cfg.Anthropic.DefaultModel = "claude-haiku-4-5-20251001"
	cfg.OpenAI.DefaultModel = "gpt-4o-mini"
	cfg.Ollama.DefaultModel = "llama3.1:8b"
	t.Cleanup(func() { cfg = prev })
}

func resetRunFlags(t *testing.T) {
	t.Helper()
	runProvider = "anthropic"
	runModel = ""
	runStrategy = "zero-shot"
	runOutputMode = "text"
	runTier = "simple"
	runMaxRefine = 2
	runRetryTransient = false
	runIncludeSchema = false
	runLimit = 0
	runConcurrency = 1
	runPublish = false
}

func TestRunConfigFromFlags(t *testing.T) {
	setTestConfig(t)
	resetRunFlags(t)
	runProvider = "openai"
	runStrategy = "few-shot"
	runOutputMode = "json_object"
	runTier = "moderate"
	runMaxRefine = 2
	runConcurrency = 4

	rc, err := runConfigFromFlags()
	require.NoError(t, err)

	assert.Equal(t, model.ProviderOpenAI, rc.Provider)
	assert.Equal(t, "gpt-4o-mini", rc.Model, "empty model falls back to the provider default")
	assert.Equal(t, model.PromptFewShot, rc.Prompt)
	assert.Equal(t, model.OutputJSONObject, rc.OutputMode)
	assert.Equal(t, model.TierModerate, rc.Tier)
	assert.Equal(t, 2, rc.MaxRefine)
	assert.Equal(t, 4, rc.Concurrency)
}

func TestRunConfigFromFlags_ExplicitModel(t *testing.T) {
	setTestConfig(t)
	resetRunFlags(t)
	runModel = "claude-sonnet-4-5-20250929"

	rc, err := runConfigFromFlags()
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", rc.Model)
}

func TestRunConfigFromFlags_Invalid(t *testing.T) {
	setTestConfig(t)

	cases := []struct {
		name string
		set  func()
		want string
	}{
		{"provider", func() { runProvider = "gemini" }, "unknown provider"},
		{"strategy", func() { runStrategy = "chain-of-thought" }, "unknown prompt strategy"},
		{"output mode", func() { runOutputMode = "xml" }, "unknown output mode"},
		{"tier", func() { runTier = "impossible" }, "unknown difficulty tier"},
		{"max refine", func() { runMaxRefine = -1 }, "max-refine"},
		{"concurrency", func() { runConcurrency = 0 }, "concurrency"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resetRunFlags(t)
			tc.set()
			_, err := runConfigFromFlags()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDefaultModel(t *testing.T) {
	setTestConfig(t)
	assert.Equal(t, "claude-haiku-4-5-20251001", defaultModel(model.ProviderAnthropic))
	assert.Equal(t, "gpt-4o-mini", defaultModel(model.ProviderOpenAI))
	assert.Equal(t, "llama3.1:8b", defaultModel(model.ProviderOllama))
	assert.Equal(t, "", defaultModel(model.Provider("gemini")))
}

// writeCmdDataset materializes a minimal simple-tier dataset for two machines.
func writeCmdDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	tierDir := filepath.Join(dir, "simple")
	require.NoError(t, os.MkdirAll(tierDir, 0o755))

	doc := map[string]any{
		"machine_id": "machine_1", "date": "2024-01-01", "shift": "day",
		"operating_hours": 7.5, "fuel_consumed_liters": 320.0,
		"maintenance_due": false, "operator_id": "OP-88",
		"product_output_units": 930.0, "error_code": nil,
	}
	docs := func(ids ...string) map[string][]map[string]any {
		out := make(map[string][]map[string]any)
		for _, id := range ids {
			d := make(map[string]any, len(doc))
			for k, v := range doc {
				d[k] = v
			}
			d["machine_id"] = id
			out[id] = []map[string]any{d}
		}
		return out
	}

	for _, name := range []string{"source.json", "target.json"} {
		data, err := json.Marshal(docs("machine_2", "machine_1"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(tierDir, name), data, 0o644))
	}
	return dir
}

func TestMachineIDsAndTargets(t *testing.T) {
	dir := writeCmdDataset(t)

	source, err := dataset.Load(dir, model.TierSimple, 0)
	require.NoError(t, err)

	ids := machineIDs(source)
	assert.Equal(t, []string{"machine_1", "machine_2"}, ids)

	targets := targetsBySample(source)
	require.Len(t, targets, 2)
	got, ok := targets[model.SampleID("machine_1", 0)]
	require.True(t, ok)
	assert.Equal(t, "machine_1", got["machine_id"])
}
