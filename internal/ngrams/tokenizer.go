package ngrams

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"
)

// WordTokenizer splits text into the word units n-grams are built from
type WordTokenizer interface {
	Tokenize(text string) []string
}

// WhitespaceTokenizer splits on runs of whitespace
type WhitespaceTokenizer struct{}

// Tokenize implements WordTokenizer
func (WhitespaceTokenizer) Tokenize(text string) []string {
	return strings.Fields(text)
}

// RegexpTokenizer keeps runs of letters and digits, with inner apostrophes
type RegexpTokenizer struct {
	pattern *regexp.Regexp
}

// NewRegexpTokenizer builds the default word pattern tokenizer
func NewRegexpTokenizer() *RegexpTokenizer {
	return &RegexpTokenizer{pattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)}
}

// Tokenize implements WordTokenizer
func (t *RegexpTokenizer) Tokenize(text string) []string {
	return t.pattern.FindAllString(text, -1)
}

// ProseTokenizer uses prose's rule-based tokenizer, which splits punctuation
// and contractions the way treebank tokenizers do
type ProseTokenizer struct{}

// Tokenize implements WordTokenizer
func (ProseTokenizer) Tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false))
	if err != nil {
		return strings.Fields(text)
	}
	tokens := doc.Tokens()
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		words = append(words, tok.Text)
	}
	return words
}

// Word tokenizer names accepted in configuration
const (
	TokenizerWhitespace = "whitespace"
	TokenizerRegexp     = "regexp"
	TokenizerProse      = "prose"
)

// NewWordTokenizer returns the tokenizer registered under name
func NewWordTokenizer(name string) (WordTokenizer, error) {
	switch name {
	case "", TokenizerWhitespace:
		return WhitespaceTokenizer{}, nil
	case TokenizerRegexp:
		return NewRegexpTokenizer(), nil
	case TokenizerProse:
		return ProseTokenizer{}, nil
	default:
		return nil, fmt.Errorf("unknown word tokenizer %q (must be whitespace, regexp, or prose)", name)
	}
}
