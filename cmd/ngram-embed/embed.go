package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raaihank/ngram-embed/internal/config"
	"github.com/raaihank/ngram-embed/internal/ngrams"
)

var embedCmd = &cobra.Command{
	Use:   "embed [text...]",
	Short: "Featurize text from arguments or stdin",
	Long: `Featurize one example per argument, or one example per stdin line when
no arguments are given. Each result is printed as one JSON line.

Examples:
  ngram-embed embed "the cat sat"
  ngram-embed embed --tokens the cat sat
  ngram-embed embed --spans "the cat sat on the mat"
  cat sentences.txt | ngram-embed embed`,
	RunE: runEmbed,
}

var (
	embedTokens bool
	embedSpans  bool
)

func init() {
	embedCmd.Flags().BoolVar(&embedTokens, "tokens", false, "Treat the arguments as one pre-tokenized example")
	embedCmd.Flags().BoolVar(&embedSpans, "spans", false, "Print the extracted spans without loading the model")
}

// embedOutput is one printed line
type embedOutput struct {
	Text   string      `json:"text"`
	Seqs   []string    `json:"seqs,omitempty"`
	Embs   [][]float32 `json:"embs,omitempty"`
	SeqLen int         `json:"seq_len"`
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	examples, texts, err := embedExamples(cfg.Ngrams.TextKey, args)
	if err != nil {
		return err
	}

	out := json.NewEncoder(cmd.OutOrStdout())

	if embedSpans {
		extract, err := config.NgramsFromConfig(cfg.Ngrams)
		if err != nil {
			return err
		}
		for i, ex := range examples {
			spans, err := ngrams.Extract(ex, extract)
			if err != nil {
				return fmt.Errorf("failed to extract %q: %w", texts[i], err)
			}
			if err := out.Encode(embedOutput{Text: texts[i], Seqs: spans.Seqs, SeqLen: spans.Count}); err != nil {
				return err
			}
		}
		return nil
	}

	log, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	featurizer, err := initFeaturizer(cfg, log)
	if err != nil {
		return err
	}
	defer featurizer.Close()

	for i, ex := range examples {
		result, err := featurizer.EmbedExample(ctx, ex)
		if err != nil {
			return fmt.Errorf("failed to embed %q: %w", texts[i], err)
		}
		if err := out.Encode(embedOutput{Text: texts[i], Embs: result.Embs, SeqLen: result.SeqLen}); err != nil {
			return err
		}
	}
	return nil
}

// embedExamples builds examples from arguments or stdin lines.
// With a text key configured each example is a record holding the text under that key.
func embedExamples(textKey string, args []string) ([]ngrams.Example, []string, error) {
	var texts []string
	if len(args) > 0 {
		texts = args
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				texts = append(texts, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if len(texts) == 0 {
		return nil, nil, fmt.Errorf("no input: pass text arguments or pipe lines on stdin")
	}

	wrap := func(v any) ngrams.Example {
		if textKey == "" {
			return ngrams.NewExample(v)
		}
		return ngrams.RecordExample(map[string]any{textKey: v})
	}

	if embedTokens {
		return []ngrams.Example{wrap(texts)}, []string{strings.Join(texts, " ")}, nil
	}

	examples := make([]ngrams.Example, len(texts))
	for i, text := range texts {
		examples[i] = wrap(text)
	}
	return examples, texts, nil
}
