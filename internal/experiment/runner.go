// Package experiment drives one run end to end: it walks the sample
// sequence, skips samples already completed, maps each remaining sample
// through the refinement loop, persists every attempt and outcome, and
// publishes validated results to the ledger when enabled.
package experiment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mapeval-cli/internal/dataset"
	"github.com/sells-group/mapeval-cli/internal/ledger"
	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/refine"
	"github.com/sells-group/mapeval-cli/internal/runstate"
)

// Stats summarizes what one Run call did.
type Stats struct {
	Skipped     int
	Processed   int
	Succeeded   int
	Failed      int
	Interrupted bool
}

// Runner executes one configured run.
type Runner struct {
	source    *dataset.Source
	refiner   *refine.Refiner
	state     *runstate.State
	publisher ledger.Publisher

	mu sync.Mutex
	// pendingByDay counts samples still outstanding per day so the
	// cross-machine aggregation fires exactly once, after the day's last
	// sample lands.
	pendingByDay map[int]int
	dayDates     map[int]string
	stats        Stats
}

// New builds a Runner. Pass ledger.Noop{} when publishing is disabled.
func New(source *dataset.Source, refiner *refine.Refiner, state *runstate.State, publisher ledger.Publisher) *Runner {
	return &Runner{
		source:       source,
		refiner:      refiner,
		state:        state,
		publisher:    publisher,
		pendingByDay: map[int]int{},
		dayDates:     map[int]string{},
	}
}

// Run processes every sample not already completed. It returns early only
// for run-level failures; per-sample failures are recorded and counted.
// On cancellation the state on disk stays loadable and Stats.Interrupted is
// set.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	cfg := r.state.Config()
	samples := r.source.Samples()

	var pending []model.Sample
	for _, s := range samples {
		if r.state.IsCompleted(s.SampleID) {
			r.stats.Skipped++
			continue
		}
		pending = append(pending, s)
		r.pendingByDay[s.Day]++
	}

	zap.L().Info("starting run",
		zap.String("run_id", r.state.RunID()),
		zap.String("provider", string(cfg.Provider)),
		zap.String("model", cfg.Model),
		zap.String("prompt", string(cfg.Prompt)),
		zap.String("tier", string(cfg.Tier)),
		zap.Int("samples", len(samples)),
		zap.Int("skipped", r.stats.Skipped))

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, s := range pending {
		if gctx.Err() != nil {
			break
		}
		sample := s
		g.Go(func() error {
			// A goroutine may have been waiting on the concurrency
			// limit while the run was cancelled.
			if gctx.Err() != nil {
				return nil
			}
			return r.process(gctx, sample)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ctx.Err())) {
		r.stats.Interrupted = true
		zap.L().Warn("run interrupted",
			zap.String("run_id", r.state.RunID()),
			zap.Int("completed", r.state.CompletedCount()))
		return r.stats, nil
	}
	return r.stats, err
}

func (r *Runner) process(ctx context.Context, sample model.Sample) error {
	res, err := r.refiner.Map(ctx, sample)
	if err != nil {
		// Run-level: cancellation or an open provider circuit.
		return err
	}

	now := time.Now().UTC()
	for _, a := range res.Attempts {
		outcome := model.OutcomeSuccess
		if a.Kind != "" {
			outcome = model.OutcomeFailed
		}
		rec := model.Attempt{
			RunID:       r.state.RunID(),
			SampleID:    sample.SampleID,
			Index:       a.Index,
			Timestamp:   now,
			RawOutput:   a.Raw,
			Parsed:      a.Parsed,
			Outcome:     outcome,
			ErrorKind:   a.Kind,
			ErrorDetail: a.Detail,
			LatencyMS:   a.Latency.Milliseconds(),
			Usage:       a.Usage,
		}
		if err := r.state.RecordAttempt(rec); err != nil {
			return err
		}
	}

	out := model.SampleOutcome{
		SampleID:       sample.SampleID,
		MachineID:      sample.MachineID,
		Day:            sample.Day,
		Outcome:        res.Outcome,
		ErrorKind:      res.Kind,
		Attempts:       len(res.Attempts),
		TotalLatencyMS: res.TotalTime.Milliseconds(),
		Parsed:         res.Parsed,
		Usage:          res.Usage,
		FinishedAt:     now,
	}

	if res.Outcome == model.OutcomeSuccess && r.state.Config().Publish {
		r.publishOutcome(ctx, sample, res.Parsed, &out)
	}

	if err := r.state.RecordOutcome(out); err != nil {
		return err
	}

	r.finishSample(ctx, sample, res)
	return nil
}

// publishOutcome stores the mapped document on the ledger. Failures are
// noted on the outcome but never change the mapping result.
func (r *Runner) publishOutcome(ctx context.Context, sample model.Sample, parsed map[string]any, out *model.SampleOutcome) {
	receipt, err := r.publisher.StoreMetrics(ctx, sample.MachineID, parsed)
	if err != nil {
		out.PublishError = err.Error()
		zap.L().Warn("ledger publish failed",
			zap.String("sample_id", sample.SampleID),
			zap.Error(err))
		return
	}
	out.Published = true
	if receipt != nil {
		out.TxID = receipt.TxID
		out.BlockHeight = receipt.Height
	}
}

// finishSample updates counters and fires the per-day aggregation once the
// day's last sample completes.
func (r *Runner) finishSample(ctx context.Context, sample model.Sample, res *refine.Result) {
	r.mu.Lock()
	r.stats.Processed++
	if res.Outcome == model.OutcomeSuccess {
		r.stats.Succeeded++
		if date, ok := res.Parsed["date"].(string); ok {
			r.dayDates[sample.Day] = date
		}
	} else {
		r.stats.Failed++
	}

	r.pendingByDay[sample.Day]--
	dayDone := r.pendingByDay[sample.Day] == 0
	date := r.dayDates[sample.Day]
	r.mu.Unlock()

	zap.L().Info("sample finished",
		zap.String("sample_id", sample.SampleID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("error_kind", string(res.Kind)),
		zap.Int("attempts", len(res.Attempts)))

	if dayDone && date != "" && r.state.Config().Publish {
		if err := r.publisher.AggregateDay(ctx, date); err != nil {
			zap.L().Warn("day aggregation failed",
				zap.Int("day", sample.Day),
				zap.String("date", date),
				zap.Error(err))
		}
	}
}
