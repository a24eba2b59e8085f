package eval

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/runstate"
)

func testConfig() model.RunConfig {
	return model.RunConfig{
		Provider:   model.ProviderOllama,
		Model:      "llama3.1",
		Prompt:     model.PromptZeroShot,
		OutputMode: model.OutputJSONObject,
		Tier:       model.TierSimple,
		MaxRefine:  2,
	}
}

// buildRun writes a run directory with two completed samples: one that
// succeeded after a refinement and one that exhausted its budget.
func buildRun(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run")
	st, err := runstate.Create(dir, testConfig())
	require.NoError(t, err)
	defer st.Close()

	good := map[string]any{"date": "2024-01-01", "operation_hours": 7.5}

	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID: st.RunID(), SampleID: "machine_1-d000", Index: 0,
		Outcome: model.OutcomeFailed, ErrorKind: model.ErrKindSchemaMismatch, LatencyMS: 100,
		Usage: model.TokenUsage{TotalTokens: 10},
	}))
	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID: st.RunID(), SampleID: "machine_1-d000", Index: 1,
		Outcome: model.OutcomeSuccess, Parsed: good, LatencyMS: 200,
		Usage: model.TokenUsage{TotalTokens: 12},
	}))
	require.NoError(t, st.RecordOutcome(model.SampleOutcome{
		SampleID: "machine_1-d000", MachineID: "machine_1", Day: 0,
		Outcome: model.OutcomeSuccess, Attempts: 2, TotalLatencyMS: 300,
		Parsed: good, Usage: model.TokenUsage{TotalTokens: 22},
		Published: true, TxID: "tx-1", FinishedAt: time.Now().UTC(),
	}))

	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID: st.RunID(), SampleID: "machine_2-d000", Index: 0,
		Outcome: model.OutcomeFailed, ErrorKind: model.ErrKindParsingError, LatencyMS: 50,
	}))
	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID: st.RunID(), SampleID: "machine_2-d000", Index: 1,
		Outcome: model.OutcomeFailed, ErrorKind: model.ErrKindParsingError, LatencyMS: 150,
	}))
	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID: st.RunID(), SampleID: "machine_2-d000", Index: 2,
		Outcome: model.OutcomeFailed, ErrorKind: model.ErrKindParsingError, LatencyMS: 250,
	}))
	require.NoError(t, st.RecordOutcome(model.SampleOutcome{
		SampleID: "machine_2-d000", MachineID: "machine_2", Day: 0,
		Outcome: model.OutcomeFailed, ErrorKind: model.ErrKindRefinementExhausted,
		Attempts: 3, TotalLatencyMS: 450,
		PublishError: "", FinishedAt: time.Now().UTC(),
	}))

	return dir
}

func TestSummarize(t *testing.T) {
	dir := buildRun(t)

	s, err := Summarize(dir, 4, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Samples.Completed)
	assert.Equal(t, 1, s.Samples.Succeeded)
	assert.Equal(t, 1, s.Samples.Failed)
	assert.Equal(t, 2, s.Samples.Incomplete)
	assert.InDelta(t, 0.5, s.Samples.SuccessRatio, 1e-9)

	assert.Equal(t, 5, s.Attempts.Total)
	assert.Equal(t, 1, s.Attempts.Succeeded)
	assert.Equal(t, 1, s.Attempts.ByErrorKind[model.ErrKindSchemaMismatch])
	assert.Equal(t, 3, s.Attempts.ByErrorKind[model.ErrKindParsingError])

	require.NotNil(t, s.LatencyAll)
	assert.Equal(t, int64(50), s.LatencyAll.MinMS)
	assert.Equal(t, int64(250), s.LatencyAll.MaxMS)
	assert.InDelta(t, 150.0, s.LatencyAll.MeanMS, 1e-9)
	assert.Equal(t, int64(150), s.LatencyAll.P50MS)
	assert.Equal(t, int64(250), s.LatencyAll.P99MS)

	// Terminal attempts: index 1 for the success, index 2 for the failure.
	require.NotNil(t, s.LatencyTerminal)
	assert.Equal(t, int64(200), s.LatencyTerminal.MinMS)
	assert.Equal(t, int64(250), s.LatencyTerminal.MaxMS)

	assert.Equal(t, int64(22), s.Tokens.TotalTokens)
	assert.Equal(t, 1, s.Publish.Published)
	assert.Equal(t, 0, s.Publish.Failed)
	assert.Nil(t, s.Fields)
}

func TestSummarizeFieldAccuracy(t *testing.T) {
	dir := buildRun(t)

	targets := map[string]map[string]any{
		"machine_1-d000": {
			"date":             "2024-01-01", // correct
			"operation_hours":  8.0,          // value mismatch
			"material_used_kg": 55.0,         // missing from parse
		},
		"machine_2-d000": {
			"date": "2024-01-01", // failed sample, not counted
		},
	}

	s, err := Summarize(dir, 0, targets)
	require.NoError(t, err)
	require.NotNil(t, s.Fields)

	assert.Equal(t, 3, s.Fields.Total)
	assert.Equal(t, 1, s.Fields.Correct)
	assert.Equal(t, 1, s.Fields.ValueMismatch)
	assert.Equal(t, 1, s.Fields.MissingKey)
	assert.Equal(t, 0, s.Fields.TypeMismatch)
}

func TestSummarizeTypeMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := runstate.Create(dir, testConfig())
	require.NoError(t, err)
	defer st.Close()

	parsed := map[string]any{"operation_hours": "7.5"}
	require.NoError(t, st.RecordAttempt(model.Attempt{
		SampleID: "machine_1-d000", Outcome: model.OutcomeSuccess, Parsed: parsed,
	}))
	require.NoError(t, st.RecordOutcome(model.SampleOutcome{
		SampleID: "machine_1-d000", Outcome: model.OutcomeSuccess, Attempts: 1, Parsed: parsed,
	}))

	s, err := Summarize(dir, 0, map[string]map[string]any{
		"machine_1-d000": {"operation_hours": 7.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Fields.TypeMismatch)
}

func TestSummarizeEmptyRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := runstate.Create(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	s, err := Summarize(dir, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Samples.Completed)
	assert.Equal(t, 5, s.Samples.Incomplete)
	assert.Zero(t, s.Samples.SuccessRatio)
	assert.Nil(t, s.LatencyAll)
	assert.Nil(t, s.LatencyTerminal)
}

func TestSummarizeMissingRun(t *testing.T) {
	_, err := Summarize(filepath.Join(t.TempDir(), "nope"), 0, nil)
	require.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestWriteSummary(t *testing.T) {
	dir := buildRun(t)
	s, err := Summarize(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(dir))

	raw, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)

	var loaded Summary
	require.NoError(t, json.Unmarshal(raw, &loaded))
	assert.Equal(t, s.RunID, loaded.RunID)
	assert.Equal(t, s.Attempts.Total, loaded.Attempts.Total)
	assert.Equal(t, s.Samples.SuccessRatio, loaded.Samples.SuccessRatio)
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.Equal(t, int64(50), percentile(sorted, 50))
	assert.Equal(t, int64(90), percentile(sorted, 90))
	assert.Equal(t, int64(100), percentile(sorted, 99))
	assert.Equal(t, int64(10), percentile(sorted, 1))
}
