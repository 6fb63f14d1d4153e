// Package ngrams turns an example into the ordered list of text spans that
// get embedded: sliding-window n-grams, optional noun chunks, or the raw text.
package ngrams

import (
	"fmt"
)

// Placeholder stands in for an empty span list so the encoder always sees at
// least one input. Its embedding is discarded by the aggregator.
const Placeholder = "dummy"

// Config controls span extraction
type Config struct {
	// TextKey selects the text field of record examples; empty uses the example itself
	TextKey string
	// Decompose enables n-gram decomposition; when false the text is used as-is
	Decompose bool
	// Generator produces the spans when Decompose is set
	Generator *Generator
}

// Spans is the extractor output. Seqs is never empty; Count is the number of
// real spans before placeholder substitution.
type Spans struct {
	Seqs  []string
	Count int
}

// Empty reports whether the example produced no real spans
func (s Spans) Empty() bool {
	return s.Count == 0
}

// Extract converts an example into its span sequence
func Extract(ex Example, cfg Config) (Spans, error) {
	text, err := ex.text(cfg.TextKey)
	if err != nil {
		return Spans{}, err
	}

	var seqs []string
	switch {
	case cfg.Decompose:
		if cfg.Generator == nil {
			return Spans{}, fmt.Errorf("n-gram decomposition requested without a generator")
		}
		seqs, err = cfg.Generator.Generate(text)
		if err != nil {
			return Spans{}, err
		}
	default:
		if s, ok := text.(string); ok {
			seqs = []string{s}
		} else if list, ok := asStringList(text); ok {
			seqs = list
		} else {
			return Spans{}, fmt.Errorf("%w: got %T", ErrInvalidInputKind, text)
		}
	}

	count := len(seqs)
	if count == 0 {
		seqs = []string{Placeholder}
	}
	return Spans{Seqs: seqs, Count: count}, nil
}
