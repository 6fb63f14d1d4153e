package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raaihank/ngram-embed/internal/cache"
	"github.com/raaihank/ngram-embed/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show feature store and result cache statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var storeStats *store.FeatureStats
	var storeErr error
	st, err := initStore(cfg, log)
	switch {
	case err != nil:
		storeErr = err
	case st != nil:
		defer st.Close()
		storeStats, storeErr = st.GetStats(ctx)
	}

	var cacheStats *cache.CacheStats
	var cacheErr error
	fc, err := initCache(cfg, log)
	switch {
	case err != nil:
		cacheErr = err
	case fc != nil:
		defer fc.Close()
		cacheStats, cacheErr = fc.GetStats(ctx)
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderStats(cfg.Store.Enabled, storeStats, storeErr, cfg.Cache.Enabled, cacheStats, cacheErr))
	return nil
}

func renderStats(storeEnabled bool, ss *store.FeatureStats, storeErr error, cacheEnabled bool, cs *cache.CacheStats, cacheErr error) string {
	storeSec := &section{title: "Feature store"}
	switch {
	case !storeEnabled:
		storeSec.add("Status", statusText(false, "", "disabled"))
	case storeErr != nil:
		storeSec.add("Status", statusText(false, "", storeErr.Error()))
	default:
		storeSec.add("Status", statusText(true, "connected", ""))
		storeSec.add("Features", ss.TotalFeatures)
		storeSec.add("Fingerprints", ss.Fingerprints)
		storeSec.add("Empty examples", ss.EmptyExamples)
		storeSec.add("Avg spans/example", fmt.Sprintf("%.2f", ss.AvgSeqLen))
	}

	cacheSec := &section{title: "Result cache"}
	switch {
	case !cacheEnabled:
		cacheSec.add("Status", statusText(false, "", "disabled"))
	case cacheErr != nil:
		cacheSec.add("Status", statusText(false, "", cacheErr.Error()))
	default:
		cacheSec.add("Status", statusText(true, "connected", ""))
		cacheSec.add("Cached results", cs.TotalKeys)
		cacheSec.add("Memory", formatBytes(cs.MemoryUsage))
	}

	return renderSections(storeSec, cacheSec)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
