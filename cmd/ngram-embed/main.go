// ngram-embed featurizes text as summed transformer embeddings of its n-grams
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/raaihank/ngram-embed/internal/server"
)

var (
	// Version is set at build time
	Version = "0.1.0"
	commit  = "dev"
	date    = "unknown"

	// Global flags
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ngram-embed",
	Short: "N-gram transformer featurizer",
	Long: `ngram-embed decomposes text into n-grams, embeds every n-gram with a
pretrained transformer encoder, and sums the vectors into one feature vector
per example for an interpretable linear model.

Examples:
  # Show the spans of a sentence
  ngram-embed embed --spans "the cat sat on the mat"

  # Featurize one sentence
  ngram-embed embed "a truly wonderful movie"

  # Featurize a dataset into parquet
  ngram-embed run --input reviews.csv --output features.parquet

  # Serve the HTTP API
  ngram-embed serve`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// a missing .env is normal
		_ = godotenv.Load()
	},
}

func init() {
	server.Version = Version

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	// Add subcommands
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ngram-embed %s (commit: %s, built: %s)\n", Version, commit, date)
	},
}
