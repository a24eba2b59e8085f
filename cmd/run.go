package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapeval-cli/internal/dataset"
	"github.com/sells-group/mapeval-cli/internal/eval"
	"github.com/sells-group/mapeval-cli/internal/experiment"
	"github.com/sells-group/mapeval-cli/internal/ledger"
	"github.com/sells-group/mapeval-cli/internal/llm"
	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/prompt"
	"github.com/sells-group/mapeval-cli/internal/refine"
	"github.com/sells-group/mapeval-cli/internal/resilience"
	"github.com/sells-group/mapeval-cli/internal/runstate"
	"github.com/sells-group/mapeval-cli/internal/store"
	anthropicpkg "github.com/sells-group/mapeval-cli/pkg/anthropic"
	ollamapkg "github.com/sells-group/mapeval-cli/pkg/ollama"
	openaipkg "github.com/sells-group/mapeval-cli/pkg/openai"
	wavespkg "github.com/sells-group/mapeval-cli/pkg/waves"
)

var (
	runProvider       string
	runModel          string
	runStrategy       string
	runOutputMode     string
	runTier           string
	runMaxRefine      int
	runRetryTransient bool
	runIncludeSchema  bool
	runLimit          int
	runConcurrency    int
	runPublish        bool
	runDatasetDir     string
	runOutDir         string
	runStateDir       string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mapping experiment",
	Long:  "Maps every dataset sample through the configured provider, refining invalid outputs. A run resumes from its state directory if one already exists there.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rc, err := runConfigFromFlags()
		if err != nil {
			return err
		}

		if err := cfg.Validate(string(rc.Provider)); err != nil {
			return err
		}
		if rc.Publish {
			if err := cfg.Validate("waves"); err != nil {
				return err
			}
		}

		datasetDir := runDatasetDir
		if datasetDir == "" {
			datasetDir = cfg.Dataset.Dir
		}

		source, err := dataset.Load(datasetDir, rc.Tier, rc.Limit)
		if err != nil {
			return eris.Wrap(err, "load dataset")
		}

		builder, err := initBuilder(datasetDir, rc)
		if err != nil {
			return err
		}

		invoker, err := initInvoker(rc)
		if err != nil {
			return err
		}

		state, resumed, err := openRunState(rc)
		if err != nil {
			return err
		}
		defer state.Close() //nolint:errcheck

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		if err := registerRun(ctx, st, state, resumed); err != nil {
			return err
		}

		publisher, err := initPublisher(source, rc)
		if err != nil {
			return err
		}

		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSecs) * time.Second,
		})
		refiner := refine.New(invoker, builder, rc,
			refine.WithBreaker(breaker),
			refine.WithRetryConfig(resilience.RetryConfig{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: time.Duration(cfg.Retry.InitialBackoffSecs * float64(time.Second)),
				MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffSecs * float64(time.Second)),
			}),
		)

		runner := experiment.New(source, refiner, state, publisher)
		stats, runErr := runner.Run(ctx)

		status := model.RunStatusComplete
		switch {
		case runErr != nil:
			status = model.RunStatusFailed
		case stats.Interrupted:
			status = model.RunStatusInterrupted
		}
		if err := st.UpdateRunStatus(ctx, state.RunID(), status); err != nil {
			zap.L().Warn("update run status failed", zap.Error(err))
		}
		if runErr != nil {
			return eris.Wrap(runErr, "experiment run")
		}

		zap.L().Info("run finished",
			zap.String("run_id", state.RunID()),
			zap.String("status", string(status)),
			zap.Int("skipped", stats.Skipped),
			zap.Int("processed", stats.Processed),
			zap.Int("succeeded", stats.Succeeded),
			zap.Int("failed", stats.Failed),
		)

		summary, err := eval.Summarize(state.Dir(), source.Len(), targetsBySample(source))
		if err != nil {
			return eris.Wrap(err, "summarize run")
		}
		if err := summary.Write(state.Dir()); err != nil {
			return eris.Wrap(err, "write summary")
		}
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "marshal summary")
		}
		if err := st.UpdateRunSummary(ctx, state.RunID(), summaryJSON); err != nil {
			zap.L().Warn("update run summary failed", zap.Error(err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

// runConfigFromFlags assembles and validates the run configuration.
func runConfigFromFlags() (model.RunConfig, error) {
	rc := model.RunConfig{
		Provider:       model.Provider(runProvider),
		Model:          runModel,
		Prompt:         model.PromptStrategy(runStrategy),
		OutputMode:     model.OutputMode(runOutputMode),
		Tier:           model.Tier(runTier),
		MaxRefine:      runMaxRefine,
		RetryTransient: runRetryTransient,
		IncludeSchema:  runIncludeSchema,
		Limit:          runLimit,
		Concurrency:    runConcurrency,
		Publish:        runPublish,
	}

	if !rc.Provider.Valid() {
		return rc, eris.Errorf("unknown provider %q", runProvider)
	}
	if !rc.Prompt.Valid() {
		return rc, eris.Errorf("unknown prompt strategy %q", runStrategy)
	}
	if !rc.OutputMode.Valid() {
		return rc, eris.Errorf("unknown output mode %q", runOutputMode)
	}
	if !rc.Tier.Valid() {
		return rc, eris.Errorf("unknown difficulty tier %q", runTier)
	}
	if rc.MaxRefine < 0 {
		return rc, eris.New("max-refine must be >= 0")
	}
	if rc.Concurrency < 1 {
		return rc, eris.New("concurrency must be >= 1")
	}

	if rc.Model == "" {
		rc.Model = defaultModel(rc.Provider)
	}
	return rc, nil
}

func defaultModel(p model.Provider) string {
	switch p {
	case model.ProviderAnthropic:
		return cfg.Anthropic.DefaultModel
	case model.ProviderOpenAI:
		return cfg.OpenAI.DefaultModel
	case model.ProviderOllama:
		return cfg.Ollama.DefaultModel
	}
	return ""
}

// initBuilder builds the prompt builder, applying a system prompt override
// for the strategy when one is configured.
func initBuilder(datasetDir string, rc model.RunConfig) (*prompt.Builder, error) {
	var opts []prompt.Option
	if cfg.Prompt.OverridesPath != "" {
		overrides, err := prompt.LoadOverrides(cfg.Prompt.OverridesPath)
		if err != nil {
			return nil, eris.Wrap(err, "load prompt overrides")
		}
		if text := overrides.For(rc.Prompt); text != "" {
			opts = append(opts, prompt.WithSystemPrompt(text))
		}
	}

	builder, err := prompt.New(datasetDir, rc, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "build prompts")
	}
	return builder, nil
}

func initInvoker(rc model.RunConfig) (llm.Invoker, error) {
	switch rc.Provider {
	case model.ProviderAnthropic:
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		return llm.NewAnthropic(client,
			llm.WithTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second),
			llm.WithRateLimit(cfg.Anthropic.RateLimit),
		), nil
	case model.ProviderOpenAI:
		client := openaipkg.NewClient(cfg.OpenAI.Key, openaipkg.WithBaseURL(cfg.OpenAI.BaseURL))
		return llm.NewOpenAI(client,
			llm.WithTimeout(time.Duration(cfg.OpenAI.TimeoutSecs)*time.Second),
			llm.WithRateLimit(cfg.OpenAI.RateLimit),
		), nil
	case model.ProviderOllama:
		client := ollamapkg.NewClient(ollamapkg.WithBaseURL(cfg.Ollama.BaseURL))
		return llm.NewOllama(client,
			llm.WithTimeout(time.Duration(cfg.Ollama.TimeoutSecs)*time.Second),
		), nil
	default:
		return nil, eris.Errorf("unknown provider %q", rc.Provider)
	}
}

// openRunState resumes the run in the state directory when one exists there,
// otherwise starts a new run.
func openRunState(rc model.RunConfig) (*runstate.State, bool, error) {
	dir := runStateDir
	if dir == "" {
		out := runOutDir
		if out == "" {
			out = cfg.Runs.Dir
		}
		name := time.Now().UTC().Format("20060102-150405") + "-" + string(rc.Provider) + "-" + string(rc.Tier)
		dir = filepath.Join(out, name)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.json")); err == nil {
		state, err := runstate.Load(dir, rc)
		if err != nil {
			return nil, false, eris.Wrap(err, "resume run")
		}
		return state, true, nil
	}

	state, err := runstate.Create(dir, rc)
	if err != nil {
		return nil, false, eris.Wrap(err, "create run")
	}
	return state, false, nil
}

// registerRun records the run in the registry. A resumed run that predates
// the registry is inserted on first resume.
func registerRun(ctx context.Context, st store.Store, state *runstate.State, resumed bool) error {
	if resumed {
		err := st.UpdateRunStatus(ctx, state.RunID(), model.RunStatusRunning)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrRunNotFound) {
			return eris.Wrap(err, "register resumed run")
		}
	}
	return eris.Wrap(st.CreateRun(ctx, &model.Run{
		ID:        state.RunID(),
		Dir:       state.Dir(),
		Config:    state.Config(),
		Status:    model.RunStatusRunning,
		CreatedAt: state.CreatedAt(),
	}), "register run")
}

func initPublisher(source *dataset.Source, rc model.RunConfig) (ledger.Publisher, error) {
	if !rc.Publish {
		return ledger.Noop{}, nil
	}

	client := wavespkg.NewClient(cfg.Waves.GatewayURL, cfg.Waves.APIKey,
		wavespkg.WithNodeURL(cfg.Waves.NodeURL),
	)
	publisher, err := ledger.NewWaves(client, cfg.Waves.AddressesPath, machineIDs(source))
	if err != nil {
		return nil, eris.Wrap(err, "init waves publisher")
	}
	return publisher, nil
}

// machineIDs returns the distinct machine IDs in the source, in sample order.
func machineIDs(source *dataset.Source) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range source.Samples() {
		if !seen[s.MachineID] {
			seen[s.MachineID] = true
			ids = append(ids, s.MachineID)
		}
	}
	return ids
}

// targetsBySample indexes ground truth documents by sample ID for field
// accuracy scoring.
func targetsBySample(source *dataset.Source) map[string]map[string]any {
	targets := make(map[string]map[string]any, source.Len())
	for _, s := range source.Samples() {
		targets[s.SampleID] = s.Target
	}
	return targets
}

func init() {
	runCmd.Flags().StringVar(&runProvider, "provider", "anthropic", "model provider (anthropic, openai, ollama)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model identifier (defaults to the provider's configured model)")
	runCmd.Flags().StringVar(&runStrategy, "prompt", "zero-shot", "prompt strategy (zero-shot, few-shot, schema-driven)")
	runCmd.Flags().StringVar(&runOutputMode, "output-mode", "text", "provider output contract (text, json_object, json_schema)")
	runCmd.Flags().StringVar(&runTier, "tier", "simple", "difficulty tier (simple, moderate, complex)")
	runCmd.Flags().IntVar(&runMaxRefine, "max-refine", 2, "max correction rounds per sample")
	runCmd.Flags().BoolVar(&runRetryTransient, "retry-transient", false, "retry transient provider failures within an attempt")
	runCmd.Flags().BoolVar(&runIncludeSchema, "include-schema", false, "append schema format instructions to the system prompt")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "limit days per machine (0 = all)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 1, "samples processed in parallel")
	runCmd.Flags().BoolVar(&runPublish, "publish", false, "publish successful mappings to the Waves ledger")
	runCmd.Flags().StringVar(&runDatasetDir, "dataset", "", "dataset directory (defaults to configured dataset.dir)")
	runCmd.Flags().StringVar(&runOutDir, "out", "", "output root for new run directories (defaults to configured runs.dir)")
	runCmd.Flags().StringVar(&runStateDir, "run-dir", "", "run state directory (resumes if it already holds a run)")
	rootCmd.AddCommand(runCmd)
}
