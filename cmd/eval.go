package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapeval-cli/internal/dataset"
	"github.com/sells-group/mapeval-cli/internal/eval"
	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/runstate"
)

var (
	evalDatasetDir string
	evalNoRegistry bool
)

var evalCmd = &cobra.Command{
	Use:   "eval <run-dir>",
	Short: "Summarize a run's attempt logs",
	Long:  "Aggregates the attempt and outcome logs in a run directory into a summary. With the dataset available, successful mappings are also scored field by field against ground truth.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dir := args[0]

		runID, rc, _, err := runstate.ReadConfig(dir)
		if err != nil {
			return eris.Wrap(err, "read run config")
		}

		var expected int
		var targets map[string]map[string]any

		datasetDir := evalDatasetDir
		if datasetDir == "" {
			datasetDir = cfg.Dataset.Dir
		}
		source, err := dataset.Load(datasetDir, rc.Tier, rc.Limit)
		switch {
		case err == nil:
			expected = source.Len()
			targets = targetsBySample(source)
		case errors.Is(err, model.ErrDataUnavailable):
			zap.L().Warn("dataset unavailable, skipping field accuracy", zap.Error(err))
		default:
			return eris.Wrap(err, "load dataset")
		}

		summary, err := eval.Summarize(dir, expected, targets)
		if err != nil {
			return eris.Wrap(err, "summarize run")
		}
		if err := summary.Write(dir); err != nil {
			return eris.Wrap(err, "write summary")
		}

		if !evalNoRegistry {
			if err := updateRegistrySummary(ctx, runID, summary); err != nil {
				zap.L().Warn("update registry summary failed", zap.Error(err))
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func updateRegistrySummary(ctx context.Context, runID string, summary *eval.Summary) error {
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "marshal summary")
	}
	return st.UpdateRunSummary(ctx, runID, summaryJSON)
}

func init() {
	evalCmd.Flags().StringVar(&evalDatasetDir, "dataset", "", "dataset directory for field accuracy (defaults to configured dataset.dir)")
	evalCmd.Flags().BoolVar(&evalNoRegistry, "no-registry", false, "skip writing the summary to the run registry")
	rootCmd.AddCommand(evalCmd)
}
