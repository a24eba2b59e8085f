// Package refine runs the per-sample correction loop: invoke the model,
// parse and validate, and on parsing or schema failures feed the violation
// list back for another try until the refinement budget runs out.
//
// Provider failures are terminal for the sample but never consume
// refinement budget; with RetryTransient set they are retried with backoff
// before being declared terminal.
package refine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapeval-cli/internal/llm"
	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/prompt"
	"github.com/sells-group/mapeval-cli/internal/resilience"
	"github.com/sells-group/mapeval-cli/internal/schema"
)

// AttemptRecord captures one model invocation inside the loop.
type AttemptRecord struct {
	Index   int
	Raw     string
	Parsed  map[string]any
	Kind    model.ErrorKind // "" on success
	Detail  string
	Latency time.Duration
	Usage   model.TokenUsage
}

// Result is the terminal outcome of mapping one sample.
type Result struct {
	Outcome   model.Outcome
	Kind      model.ErrorKind // set when Outcome is failed
	Parsed    map[string]any  // set when Outcome is success
	Attempts  []AttemptRecord
	TotalTime time.Duration
	Usage     model.TokenUsage
}

// Refiner maps samples for one run configuration.
type Refiner struct {
	invoker llm.Invoker
	builder *prompt.Builder
	cfg     model.RunConfig
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// Option configures a Refiner.
type Option func(*Refiner)

// WithRetryConfig overrides the backoff settings used when the run retries
// transient provider failures.
func WithRetryConfig(rc resilience.RetryConfig) Option {
	return func(r *Refiner) { r.retry = rc }
}

// WithBreaker guards every invocation with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(r *Refiner) { r.breaker = b }
}

// New builds a Refiner.
func New(invoker llm.Invoker, builder *prompt.Builder, cfg model.RunConfig, opts ...Option) *Refiner {
	r := &Refiner{
		invoker: invoker,
		builder: builder,
		cfg:     cfg,
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Map runs the loop for one sample. It returns an error only for run-level
// conditions (cancellation, open circuit); sample-level failures come back
// inside the Result.
func (r *Refiner) Map(ctx context.Context, sample model.Sample) (*Result, error) {
	msgs, err := r.builder.Initial(sample)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	system := r.builder.System()

	// MaxRefine counts corrections, so the loop body runs MaxRefine+1
	// times at most.
	for attempt := 0; ; attempt++ {
		out, err := r.invoke(ctx, llm.Request{
			Model:      r.cfg.Model,
			System:     system,
			Messages:   msgs,
			MaxTokens:  4096,
			OutputMode: r.cfg.OutputMode,
			Tier:       r.cfg.Tier,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrapf(err, "refine: sample %s cancelled", sample.SampleID)
			}
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, err
			}

			kind := model.Classify(err)
			res.Attempts = append(res.Attempts, AttemptRecord{
				Index:  attempt,
				Kind:   kind,
				Detail: err.Error(),
			})
			res.Outcome = model.OutcomeFailed
			res.Kind = kind
			return res, nil
		}

		res.TotalTime += out.Latency
		res.Usage.Add(out.Usage)

		rec := AttemptRecord{
			Index:   attempt,
			Raw:     out.Raw,
			Latency: out.Latency,
			Usage:   out.Usage,
		}

		parsed, perr := schema.Parse(out.Raw, r.cfg.Tier)
		if perr == nil {
			rec.Parsed = parsed
			res.Attempts = append(res.Attempts, rec)
			res.Outcome = model.OutcomeSuccess
			res.Parsed = parsed
			return res, nil
		}

		rec.Kind = model.Classify(perr)
		rec.Detail = failureDetail(perr)
		res.Attempts = append(res.Attempts, rec)

		if attempt >= r.cfg.MaxRefine {
			res.Outcome = model.OutcomeFailed
			res.Kind = model.ErrKindRefinementExhausted
			return res, nil
		}

		zap.L().Debug("refining sample",
			zap.String("sample_id", sample.SampleID),
			zap.Int("attempt", attempt+1),
			zap.String("error_kind", string(rec.Kind)))

		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: out.Raw},
			prompt.Correction(out.Raw, rec.Detail),
		)
	}
}

// invoke performs one provider call, applying the breaker and the optional
// transient-retry policy.
func (r *Refiner) invoke(ctx context.Context, req llm.Request) (*llm.Output, error) {
	call := func(ctx context.Context) (*llm.Output, error) {
		if r.breaker != nil {
			if err := r.breaker.Allow(); err != nil {
				return nil, err
			}
		}
		out, err := r.invoker.Invoke(ctx, req)
		if r.breaker != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			r.breaker.Record(err)
		}
		return out, err
	}

	if !r.cfg.RetryTransient {
		return call(ctx)
	}
	return resilience.DoVal(ctx, r.retry, "invoke "+string(r.invoker.Provider()), call)
}

// failureDetail extracts the message shown to the model in the correction
// turn. Schema violations come back as the full sorted list.
func failureDetail(err error) string {
	var serr *model.SchemaError
	if errors.As(err, &serr) {
		return serr.Detail()
	}
	var perr *model.ParseError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	return err.Error()
}
