package model

import (
	"encoding/json"
	"time"
)

// Provider identifies a model backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama:
		return true
	}
	return false
}

// PromptStrategy selects how the mapping prompt is assembled.
type PromptStrategy string

const (
	PromptZeroShot     PromptStrategy = "zero-shot"
	PromptFewShot      PromptStrategy = "few-shot"
	PromptSchemaDriven PromptStrategy = "schema-driven"
)

// Valid reports whether s is a known strategy.
func (s PromptStrategy) Valid() bool {
	switch s {
	case PromptZeroShot, PromptFewShot, PromptSchemaDriven:
		return true
	}
	return false
}

// OutputMode is the provider-level contract for how model output is shaped.
// It is passed through to the invoker unchanged.
type OutputMode string

const (
	OutputJSONObject OutputMode = "json_object"
	OutputJSONSchema OutputMode = "json_schema"
	OutputText       OutputMode = "text"
)

// Valid reports whether m is a known output mode.
func (m OutputMode) Valid() bool {
	switch m {
	case OutputJSONObject, OutputJSONSchema, OutputText:
		return true
	}
	return false
}

// RunConfig fully determines a run's reproducible behavior given a fixed
// model. Immutable for the lifetime of a run.
type RunConfig struct {
	Provider       Provider       `json:"provider"`
	Model          string         `json:"model"`
	Prompt         PromptStrategy `json:"prompt"`
	OutputMode     OutputMode     `json:"output_mode"`
	Tier           Tier           `json:"difficulty_tier"`
	MaxRefine      int            `json:"max_refinement_attempts"`
	RetryTransient bool           `json:"retry_transient"`
	IncludeSchema  bool           `json:"include_schema"`
	Limit          int            `json:"sample_limit,omitempty"`

	// Execution knobs. These do not change mapping semantics and are
	// ignored by SameExperiment.
	Concurrency int  `json:"concurrency,omitempty"`
	Publish     bool `json:"publish,omitempty"`
}

// SameExperiment reports whether two configs describe the same experiment.
// Concurrency and Publish are execution details: resuming with different
// values for them is allowed, everything else must match.
func (c RunConfig) SameExperiment(o RunConfig) bool {
	c.Concurrency, o.Concurrency = 0, 0
	c.Publish, o.Publish = false, false
	return c == o
}

// RunStatus represents the current state of an experiment run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// Run is the registry record for one experiment run. The run directory holds
// the attempt log; the registry row exists so runs can be listed and compared
// across directories.
type Run struct {
	ID        string          `json:"id"`
	Dir       string          `json:"dir"`
	Config    RunConfig       `json:"config"`
	Status    RunStatus       `json:"status"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Outcome is the terminal classification of an attempt or a sample.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// TokenUsage tracks token consumption for one model call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

// Attempt is one model invocation for one sample within one run. Indices are
// contiguous per sample starting at 0. A failed attempt always carries an
// error kind; a successful one carries the parsed document and no error kind.
type Attempt struct {
	RunID       string         `json:"run_id"`
	SampleID    string         `json:"sample_id"`
	Index       int            `json:"attempt_index"`
	Timestamp   time.Time      `json:"timestamp"`
	RawOutput   string         `json:"raw_output"`
	Parsed      map[string]any `json:"parsed_output,omitempty"`
	Outcome     Outcome        `json:"outcome"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	LatencyMS   int64          `json:"latency_ms"`
	Usage       TokenUsage     `json:"usage"`
}

// SampleOutcome is the terminal result for a sample within a run: the last
// attempt plus totals. Exactly one per (run, sample) pair once processing
// completes.
type SampleOutcome struct {
	SampleID       string         `json:"sample_id"`
	MachineID      string         `json:"machine_id"`
	Day            int            `json:"day"`
	Outcome        Outcome        `json:"outcome"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty"`
	Attempts       int            `json:"attempts"`
	TotalLatencyMS int64          `json:"total_latency_ms"`
	Parsed         map[string]any `json:"parsed_output,omitempty"`
	Usage          TokenUsage     `json:"usage"`
	FinishedAt     time.Time      `json:"finished_at"`

	// Ledger publication is best-effort: a publish failure is recorded
	// here and never changes Outcome.
	Published    bool   `json:"published,omitempty"`
	PublishError string `json:"publish_error,omitempty"`
	TxID         string `json:"tx_id,omitempty"`
	BlockHeight  int64  `json:"block_height,omitempty"`
}
