// Package eval computes run statistics from the persisted attempt and
// outcome logs. It is a separate read-only pass: it works on any prefix of
// a valid run, including one from an interrupted run.
package eval

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/runstate"
)

const summaryFile = "summary.json"

// SampleStats counts terminal outcomes. Incomplete samples are ones the run
// never finished; they are excluded from the success ratio's denominator.
type SampleStats struct {
	Expected     int     `json:"expected,omitempty"`
	Completed    int     `json:"completed"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Incomplete   int     `json:"incomplete"`
	SuccessRatio float64 `json:"success_ratio"`
}

// AttemptStats counts invocations by error kind.
type AttemptStats struct {
	Total       int                     `json:"total"`
	Succeeded   int                     `json:"succeeded"`
	ByErrorKind map[model.ErrorKind]int `json:"by_error_kind"`
}

// LatencyStats describes a latency distribution in milliseconds.
type LatencyStats struct {
	MinMS  int64   `json:"min_ms"`
	MaxMS  int64   `json:"max_ms"`
	MeanMS float64 `json:"mean_ms"`
	P50MS  int64   `json:"p50_ms"`
	P90MS  int64   `json:"p90_ms"`
	P95MS  int64   `json:"p95_ms"`
	P99MS  int64   `json:"p99_ms"`
}

// FieldStats compares successfully parsed documents against ground truth,
// field by field.
type FieldStats struct {
	Total         int `json:"total"`
	Correct       int `json:"correct"`
	MissingKey    int `json:"missing_key"`
	TypeMismatch  int `json:"type_mismatch"`
	ValueMismatch int `json:"value_mismatch"`
}

// PublishStats counts ledger publications.
type PublishStats struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Summary is the evaluation output for one run.
type Summary struct {
	RunID           string           `json:"run_id"`
	Config          model.RunConfig  `json:"config"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Samples         SampleStats      `json:"samples"`
	Attempts        AttemptStats     `json:"attempts"`
	LatencyAll      *LatencyStats    `json:"latency_all_attempts,omitempty"`
	LatencyTerminal *LatencyStats    `json:"latency_terminal_attempts,omitempty"`
	Tokens          model.TokenUsage `json:"tokens"`
	Fields          *FieldStats      `json:"fields,omitempty"`
	Publish         PublishStats     `json:"publish"`
}

// Summarize computes the summary for a run directory. expected is the
// sample count the run was configured for (0 if unknown). targets maps
// sample IDs to ground-truth documents; when nil, field accuracy is skipped.
func Summarize(dir string, expected int, targets map[string]map[string]any) (*Summary, error) {
	runID, cfg, _, err := runstate.ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	attempts, err := runstate.ReadAttempts(dir)
	if err != nil {
		return nil, err
	}
	outcomes, err := runstate.ReadOutcomes(dir)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		RunID:       runID,
		Config:      cfg,
		GeneratedAt: time.Now().UTC(),
		Attempts:    AttemptStats{ByErrorKind: map[model.ErrorKind]int{}},
	}

	terminalIndex := map[string]int{}
	for _, o := range outcomes {
		s.Samples.Completed++
		switch o.Outcome {
		case model.OutcomeSuccess:
			s.Samples.Succeeded++
		default:
			s.Samples.Failed++
		}
		terminalIndex[o.SampleID] = o.Attempts - 1
		s.Tokens.Add(o.Usage)

		if o.Published {
			s.Publish.Published++
		} else if o.PublishError != "" {
			s.Publish.Failed++
		}
	}
	if s.Samples.Completed > 0 {
		s.Samples.SuccessRatio = float64(s.Samples.Succeeded) / float64(s.Samples.Completed)
	}
	if expected > 0 {
		s.Samples.Expected = expected
		if expected > s.Samples.Completed {
			s.Samples.Incomplete = expected - s.Samples.Completed
		}
	}

	var all, terminal []int64
	for _, a := range attempts {
		s.Attempts.Total++
		if a.Outcome == model.OutcomeSuccess {
			s.Attempts.Succeeded++
		} else if a.ErrorKind != "" {
			s.Attempts.ByErrorKind[a.ErrorKind]++
		}

		all = append(all, a.LatencyMS)
		if idx, ok := terminalIndex[a.SampleID]; ok && a.Index == idx {
			terminal = append(terminal, a.LatencyMS)
		}
	}
	s.LatencyAll = latencyStats(all)
	s.LatencyTerminal = latencyStats(terminal)

	if targets != nil {
		s.Fields = fieldStats(outcomes, targets)
	}
	return s, nil
}

// Write persists the summary as summary.json inside the run directory.
func (s *Summary) Write(dir string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "eval: marshal summary")
	}
	path := filepath.Join(dir, summaryFile)
	return eris.Wrapf(os.WriteFile(path, raw, 0o644), "eval: write %s", path)
}

// fieldStats mirrors the target document against each successful parse.
func fieldStats(outcomes []model.SampleOutcome, targets map[string]map[string]any) *FieldStats {
	fs := &FieldStats{}
	for _, o := range outcomes {
		if o.Outcome != model.OutcomeSuccess || o.Parsed == nil {
			continue
		}
		target, ok := targets[o.SampleID]
		if !ok {
			continue
		}
		for key, want := range target {
			fs.Total++
			got, ok := o.Parsed[key]
			switch {
			case !ok:
				fs.MissingKey++
			case reflect.TypeOf(got) != reflect.TypeOf(want):
				fs.TypeMismatch++
			case got != want:
				fs.ValueMismatch++
			default:
				fs.Correct++
			}
		}
	}
	return fs
}

func latencyStats(ms []int64) *LatencyStats {
	if len(ms) == 0 {
		return nil
	}
	sorted := append([]int64(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}

	return &LatencyStats{
		MinMS:  sorted[0],
		MaxMS:  sorted[len(sorted)-1],
		MeanMS: float64(sum) / float64(len(sorted)),
		P50MS:  percentile(sorted, 50),
		P90MS:  percentile(sorted, 90),
		P95MS:  percentile(sorted, 95),
		P99MS:  percentile(sorted, 99),
	}
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []int64, p float64) int64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
