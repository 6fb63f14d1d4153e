package embeddings

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

const gpt2EndOfText = "<|endoftext|>"

// GPT-2 pre-tokenizer. The lookahead leaves the last space of a run to
// prefix the following word, which RE2 cannot express.
var gpt2Pretokenize = regexp2.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`, regexp2.None)

type bpePair struct {
	left, right string
}

// BPETokenizer implements GPT-2 byte-level byte-pair encoding
type BPETokenizer struct {
	vocab      map[string]int64
	ranks      map[bpePair]int
	byteToRune [256]rune
	specials   SpecialTokens

	mu    sync.Mutex
	cache map[string][]string
}

// LoadBPE reads vocab.json and merges.txt
func LoadBPE(vocabPath, mergesPath string) (*BPETokenizer, error) {
	vocabFile, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer vocabFile.Close()

	mergesFile, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open merges: %w", err)
	}
	defer mergesFile.Close()

	return NewBPE(vocabFile, mergesFile)
}

// NewBPE builds a tokenizer from vocabulary and merge streams
func NewBPE(vocabR, mergesR io.Reader) (*BPETokenizer, error) {
	var raw map[string]int64
	if err := json.NewDecoder(vocabR).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode vocabulary: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrConfigError)
	}

	ranks := make(map[bpePair]int)
	scanner := bufio.NewScanner(mergesR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: malformed merge %q", ErrConfigError, line)
		}
		pair := bpePair{parts[0], parts[1]}
		if _, dup := ranks[pair]; !dup {
			ranks[pair] = len(ranks)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read merges: %w", err)
	}

	t := &BPETokenizer{
		vocab:      raw,
		ranks:      ranks,
		byteToRune: bytesToUnicode(),
		cache:      make(map[string][]string),
	}
	if _, ok := raw[gpt2EndOfText]; ok {
		t.specials = SpecialTokens{Unk: gpt2EndOfText, Bos: gpt2EndOfText, Eos: gpt2EndOfText}
	}
	return t, nil
}

// TokenID implements Tokenizer
func (t *BPETokenizer) TokenID(token string) (int64, bool) {
	id, ok := t.vocab[token]
	return id, ok
}

// SpecialTokens implements Tokenizer
func (t *BPETokenizer) SpecialTokens() SpecialTokens {
	return t.specials
}

// VocabSize implements Tokenizer
func (t *BPETokenizer) VocabSize() int {
	return len(t.vocab)
}

// Encode implements Tokenizer
func (t *BPETokenizer) Encode(text string) ([]int64, error) {
	pieces, err := pretokenize(text)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, piece := range pieces {
		var b strings.Builder
		for _, c := range []byte(piece) {
			b.WriteRune(t.byteToRune[c])
		}
		for _, token := range t.bpe(b.String()) {
			id, ok := t.vocab[token]
			if !ok {
				return nil, fmt.Errorf("token %q not in vocabulary", token)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// pretokenize splits text into GPT-2 pre-tokens
func pretokenize(text string) ([]string, error) {
	var pieces []string
	m, err := gpt2Pretokenize.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = gpt2Pretokenize.FindNextMatch(m) {
		pieces = append(pieces, m.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pre-tokenize: %w", err)
	}
	return pieces, nil
}

// bpe applies merges to one pre-token, lowest rank first
func (t *BPETokenizer) bpe(token string) []string {
	t.mu.Lock()
	if cached, ok := t.cache[token]; ok {
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	for len(word) > 1 {
		best, bestRank := -1, -1
		for i := 0; i < len(word)-1; i++ {
			rank, ok := t.ranks[bpePair{word[i], word[i+1]}]
			if ok && (bestRank < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		left, right := word[best], word[best+1]
		merged := make([]string, 0, len(word)-1)
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == left && word[i+1] == right {
				merged = append(merged, left+right)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

// bytesToUnicode maps every byte to a printable rune, as GPT-2's vocabulary expects
func bytesToUnicode() [256]rune {
	var table [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			table[b] = rune(b)
			continue
		}
		table[b] = rune(256 + next)
		next++
	}
	return table
}
