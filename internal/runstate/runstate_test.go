package runstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapeval-cli/internal/model"
)

func testConfig() model.RunConfig {
	return model.RunConfig{
		Provider:   model.ProviderOllama,
		Model:      "llama3.1",
		Prompt:     model.PromptZeroShot,
		OutputMode: model.OutputJSONObject,
		Tier:       model.TierSimple,
		MaxRefine:  3,
	}
}

func outcomeFixture(sampleID string) model.SampleOutcome {
	return model.SampleOutcome{
		SampleID:   sampleID,
		MachineID:  "machine_1",
		Day:        0,
		Outcome:    model.OutcomeSuccess,
		Attempts:   1,
		FinishedAt: time.Now().UTC(),
	}
}

func TestCreateAndReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")

	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, st.RunID())
	assert.Equal(t, 0, st.CompletedCount())

	require.NoError(t, st.RecordOutcome(outcomeFixture("machine_1-d000")))
	require.NoError(t, st.Close())

	st2, err := Load(dir, testConfig())
	require.NoError(t, err)
	defer st2.Close()

	assert.Equal(t, st.RunID(), st2.RunID())
	assert.True(t, st2.IsCompleted("machine_1-d000"))
	assert.False(t, st2.IsCompleted("machine_1-d001"))
	assert.Equal(t, 1, st2.CompletedCount())
}

func TestCreateRejectsExistingRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = Create(dir, testConfig())
	require.Error(t, err)
}

func TestLoadMissingRun(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), testConfig())
	require.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestLoadConfigMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	other := testConfig()
	other.Tier = model.TierComplex
	_, err = Load(dir, other)
	require.ErrorIs(t, err, model.ErrConfigMismatch)
}

func TestLoadIgnoresExecutionKnobs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	cfg := testConfig()
	cfg.Concurrency = 4

	st, err := Create(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg.Concurrency = 16
	cfg.Publish = true
	st2, err := Load(dir, cfg)
	require.NoError(t, err)
	st2.Close()
}

func TestAttemptsRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID:     st.RunID(),
		SampleID:  "machine_1-d000",
		Index:     0,
		Outcome:   model.OutcomeFailed,
		ErrorKind: model.ErrKindParsingError,
		LatencyMS: 120,
	}))
	require.NoError(t, st.RecordAttempt(model.Attempt{
		RunID:    st.RunID(),
		SampleID: "machine_1-d000",
		Index:    1,
		Outcome:  model.OutcomeSuccess,
	}))

	attempts, err := ReadAttempts(dir)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, model.ErrKindParsingError, attempts[0].ErrorKind)
	assert.Equal(t, 1, attempts[1].Index)
}

func TestTruncatedTrailingLineIsSkipped(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, st.RecordOutcome(outcomeFixture("machine_1-d000")))
	require.NoError(t, st.Close())

	// Simulate a crash mid-append.
	path := filepath.Join(dir, outcomesFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sample_id": "machine_1-d0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	outcomes, err := ReadOutcomes(dir)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "machine_1-d000", outcomes[0].SampleID)

	// Resume still works and resumes past the survivor.
	st2, err := Load(dir, testConfig())
	require.NoError(t, err)
	defer st2.Close()
	assert.Equal(t, 1, st2.CompletedCount())
}

func TestMalformedMiddleLineIsError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	path := filepath.Join(dir, outcomesFile)
	content := "{\"sample_id\": \"machine_1-d0\n" + `{"sample_id": "machine_1-d001", "outcome": "success"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err = ReadOutcomes(dir)
	require.Error(t, err)
}

func TestReadConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	id, cfg, created, err := ReadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, st.RunID(), id)
	assert.Equal(t, model.TierSimple, cfg.Tier)
	assert.False(t, created.IsZero())
}

func TestConcurrentWriters(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	st, err := Create(dir, testConfig())
	require.NoError(t, err)
	defer st.Close()

	done := make(chan error, 8)
	for w := 0; w < 8; w++ {
		go func(w int) {
			for i := 0; i < 10; i++ {
				o := outcomeFixture(model.SampleID("machine", w*10+i))
				if err := st.RecordOutcome(o); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < 8; w++ {
		require.NoError(t, <-done)
	}

	outcomes, err := ReadOutcomes(dir)
	require.NoError(t, err)
	assert.Len(t, outcomes, 80)
	assert.Equal(t, 80, st.CompletedCount())
}
