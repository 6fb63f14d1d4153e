package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/dataset"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Featurize a dataset file",
	Long: `Featurize every row of a CSV, JSON-lines or Parquet dataset. Features are
written to a parquet file and, when enabled, to the feature store and the
Redis result cache. Rows already in the cache skip the encoder.

Examples:
  ngram-embed run --input reviews.csv --output features.parquet
  ngram-embed run --input reviews.jsonl --store --limit 1000`,
	RunE: runDataset,
}

var (
	runInput    string
	runOutput   string
	runFormat   string
	runLabelKey string
	runLimit    int
	runStore    bool
)

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Input dataset file (CSV, Parquet, or JSON lines)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Parquet feature file")
	runCmd.Flags().StringVar(&runFormat, "format", "", "Input format (csv, jsonl, parquet); default from extension")
	runCmd.Flags().StringVar(&runLabelKey, "label-key", "", "Label column copied to the output")
	runCmd.Flags().IntVarP(&runLimit, "limit", "n", 0, "Maximum rows (0 = all)")
	runCmd.Flags().BoolVar(&runStore, "store", false, "Insert features into the feature store")
}

func runDataset(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Flags override the dataset section
	if cmd.Flags().Changed("input") {
		cfg.Dataset.Input = runInput
	}
	if cmd.Flags().Changed("output") {
		cfg.Dataset.Output = runOutput
	}
	if cmd.Flags().Changed("format") {
		cfg.Dataset.Format = runFormat
	}
	if cmd.Flags().Changed("label-key") {
		cfg.Dataset.LabelKey = runLabelKey
	}
	if cmd.Flags().Changed("limit") {
		cfg.Dataset.Limit = runLimit
	}
	if cmd.Flags().Changed("store") {
		cfg.Dataset.WriteStore = runStore
		cfg.Store.Enabled = cfg.Store.Enabled || runStore
	}
	if cfg.Dataset.Input == "" {
		return fmt.Errorf("input file required (--input or dataset.input)")
	}

	log, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Create context with cancellation
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	featurizer, err := initFeaturizer(cfg, log)
	if err != nil {
		return err
	}
	defer featurizer.Close()

	var resultCache dataset.ResultCache
	fc, err := initCache(cfg, log)
	if err != nil {
		log.Warn("Continuing without result cache", zap.Error(err))
	} else if fc != nil {
		defer fc.Close()
		resultCache = fc
	}

	var sink dataset.FeatureSink
	if cfg.Dataset.WriteStore {
		st, err := initStore(cfg, log)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close()
			sink = st
		}
	}

	dcfg := datasetConfig(cfg.Dataset)
	pipeline := dataset.NewPipeline(featurizer, resultCache, sink, nil, cfg.Ngrams.TextKey, &dcfg,
		log.WithComponent("dataset").Logger)

	start := time.Now()
	result, err := pipeline.ProcessFile(ctx, cfg.Dataset.Input)
	if result != nil {
		fmt.Fprintln(cmd.OutOrStdout(), renderResult(cfg.Dataset.Input, cfg.Dataset.Output, result, time.Since(start)))
	}
	if err != nil {
		return fmt.Errorf("dataset job failed: %w", err)
	}
	return nil
}

func renderResult(input, output string, result *dataset.ProcessingResult, elapsed time.Duration) string {
	job := &section{title: "Dataset job " + result.JobID}
	job.add("Input", input)
	if output != "" {
		job.add("Output", output)
	}
	job.add("Status", statusText(result.ProcessedFailed == 0, "ok", fmt.Sprintf("%d failed", result.ProcessedFailed)))
	job.add("Rows read", result.TotalRecords)
	job.add("Featurized", result.ProcessedOK)
	job.add("Empty examples", result.EmptyExamples)
	job.add("Cache hits", result.CacheHits)
	job.add("Stored", result.StoreInserted)
	job.add("Duplicates", result.Duplicates)

	timing := &section{title: "Timing"}
	timing.add("Total", elapsed.Round(time.Millisecond))
	timing.add("Embedding", result.EmbeddingTime.Round(time.Millisecond))
	timing.add("Database", result.DatabaseTime.Round(time.Millisecond))
	timing.add("Cache", result.CacheTime.Round(time.Millisecond))

	sections := []*section{job, timing}
	if len(result.Errors) > 0 {
		errs := &section{title: "First errors"}
		for i, e := range result.Errors {
			if i == 5 {
				break
			}
			errs.add(fmt.Sprintf("#%d", i+1), e)
		}
		sections = append(sections, errs)
	}
	return renderSections(sections...)
}
