package ngrams

import (
	"fmt"
	"strings"
)

// ParsingNounChunks appends multi-word noun chunks to the sliding-window n-grams
const ParsingNounChunks = "noun_chunks"

// GeneratorConfig configures n-gram generation
type GeneratorConfig struct {
	Order          int
	Tokenizer      WordTokenizer
	Parsing        string
	ChunkParser    ChunkParser
	AllNgrams      bool
	PruneStopwords bool
}

// Generator produces n-gram spans from text
type Generator struct {
	order          int
	tokenizer      WordTokenizer
	parsing        string
	chunker        ChunkParser
	allNgrams      bool
	pruneStopwords bool
}

// NewGenerator validates the configuration and builds a generator
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Order < 1 {
		return nil, fmt.Errorf("n-gram order must be at least 1, got %d", cfg.Order)
	}
	switch cfg.Parsing {
	case "":
	case ParsingNounChunks:
		if cfg.ChunkParser == nil {
			return nil, fmt.Errorf("parsing %q requires a chunk parser", cfg.Parsing)
		}
	default:
		return nil, fmt.Errorf("unknown parsing mode %q (must be empty or %s)", cfg.Parsing, ParsingNounChunks)
	}

	tokenizer := cfg.Tokenizer
	if tokenizer == nil {
		tokenizer = WhitespaceTokenizer{}
	}

	return &Generator{
		order:          cfg.Order,
		tokenizer:      tokenizer,
		parsing:        cfg.Parsing,
		chunker:        cfg.ChunkParser,
		allNgrams:      cfg.AllNgrams,
		pruneStopwords: cfg.PruneStopwords,
	}, nil
}

// Generate returns the n-grams of a string or pre-tokenized list, in order.
// With AllNgrams all orders from 1 up are emitted, lowest order first.
func (g *Generator) Generate(text any) ([]string, error) {
	var (
		unigrams []string
		sentence string
	)
	if s, ok := text.(string); ok {
		sentence = s
		unigrams = g.tokenizer.Tokenize(s)
	} else if list, ok := asStringList(text); ok {
		unigrams = list
		sentence = strings.Join(list, " ")
	} else {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidInputKind, text)
	}

	if g.pruneStopwords {
		unigrams = PruneStopwords(unigrams)
	}

	lowest := g.order
	if g.allNgrams {
		lowest = 1
	}

	var seqs []string
	for n := lowest; n <= g.order; n++ {
		for start := 0; start+n <= len(unigrams); start++ {
			ngram := strings.TrimSpace(strings.Join(unigrams[start:start+n], " "))
			if ngram != "" {
				seqs = append(seqs, ngram)
			}
		}
	}

	if g.parsing == ParsingNounChunks {
		chunks, err := g.chunker.Chunks(sentence)
		if err != nil {
			return nil, fmt.Errorf("chunk parsing failed: %w", err)
		}
		for _, chunk := range chunks {
			if strings.Contains(chunk, " ") {
				seqs = append(seqs, chunk)
			}
		}
	}

	return seqs, nil
}

// String describes the generator settings; equal settings give equal strings
func (g *Generator) String() string {
	return fmt.Sprintf("order=%d all=%t prune=%t parsing=%s tokenizer=%T",
		g.order, g.allNgrams, g.pruneStopwords, g.parsing, g.tokenizer)
}
