package ngrams

import (
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
)

// ChunkParser extracts phrase chunks from a sentence
type ChunkParser interface {
	Chunks(sentence string) ([]string, error)
}

// ProseChunker finds noun chunks from prose's part-of-speech tags.
// A chunk is a maximal run of determiners, possessives, numbers, adjectives
// and nouns that ends in a noun.
type ProseChunker struct{}

// NewProseChunker returns a noun chunk parser
func NewProseChunker() *ProseChunker {
	return &ProseChunker{}
}

// Chunks implements ChunkParser
func (c *ProseChunker) Chunks(sentence string) ([]string, error) {
	if strings.TrimSpace(sentence) == "" {
		return nil, nil
	}
	doc, err := prose.NewDocument(sentence,
		prose.WithSegmentation(false),
		prose.WithExtraction(false))
	if err != nil {
		return nil, fmt.Errorf("failed to tag sentence: %w", err)
	}

	tokens := doc.Tokens()
	tagged := make([]taggedWord, len(tokens))
	for i, tok := range tokens {
		tagged[i] = taggedWord{Text: tok.Text, Tag: tok.Tag}
	}
	return nounChunks(tagged), nil
}

type taggedWord struct {
	Text string
	Tag  string
}

func isNounTag(tag string) bool {
	return strings.HasPrefix(tag, "NN")
}

func isChunkTag(tag string) bool {
	switch tag {
	case "DT", "PRP$", "CD", "JJ", "JJR", "JJS", "POS":
		return true
	}
	return isNounTag(tag)
}

// nounChunks groups tagged words into noun chunks, in sentence order
func nounChunks(words []taggedWord) []string {
	var chunks []string
	start := -1
	lastNoun := -1

	flush := func() {
		if start >= 0 && lastNoun >= start {
			parts := make([]string, 0, lastNoun-start+1)
			for _, w := range words[start : lastNoun+1] {
				parts = append(parts, w.Text)
			}
			chunks = append(chunks, strings.Join(parts, " "))
		}
		start, lastNoun = -1, -1
	}

	for i, w := range words {
		if !isChunkTag(w.Tag) {
			flush()
			continue
		}
		// a determiner after a noun opens a new chunk
		if start >= 0 && lastNoun == i-1 && !isNounTag(w.Tag) && w.Tag != "POS" {
			flush()
		}
		if start < 0 {
			start = i
		}
		if isNounTag(w.Tag) {
			lastNoun = i
		}
	}
	flush()

	return chunks
}
