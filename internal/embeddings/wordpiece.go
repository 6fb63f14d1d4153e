package embeddings

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxWordPieceChars = 100

// WordPieceOptions configures BERT-style basic tokenization
type WordPieceOptions struct {
	Lowercase bool
}

// WordPieceTokenizer implements BERT's basic + WordPiece tokenization
type WordPieceTokenizer struct {
	vocab     map[string]int64
	lowercase bool
	specials  SpecialTokens
}

// LoadWordPiece reads a vocab.txt file (one token per line, id = line number)
func LoadWordPiece(path string, opts WordPieceOptions) (*WordPieceTokenizer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer file.Close()
	return NewWordPiece(file, opts)
}

// NewWordPiece builds a tokenizer from a vocabulary stream
func NewWordPiece(r io.Reader, opts WordPieceOptions) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(r)
	var id int64
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if token != "" {
			if _, dup := vocab[token]; !dup {
				vocab[token] = id
			}
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrConfigError)
	}

	t := &WordPieceTokenizer{vocab: vocab, lowercase: opts.Lowercase}
	for _, s := range []struct {
		token string
		dst   *string
	}{
		{"[PAD]", &t.specials.Pad},
		{"[UNK]", &t.specials.Unk},
		{"[CLS]", &t.specials.Cls},
		{"[SEP]", &t.specials.Sep},
	} {
		if _, ok := vocab[s.token]; ok {
			*s.dst = s.token
		}
	}
	if t.specials.Unk == "" {
		return nil, fmt.Errorf("%w: vocabulary has no [UNK] token", ErrConfigError)
	}
	return t, nil
}

// TokenID implements Tokenizer
func (t *WordPieceTokenizer) TokenID(token string) (int64, bool) {
	id, ok := t.vocab[token]
	return id, ok
}

// SpecialTokens implements Tokenizer
func (t *WordPieceTokenizer) SpecialTokens() SpecialTokens {
	return t.specials
}

// VocabSize implements Tokenizer
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}

// Encode implements Tokenizer
func (t *WordPieceTokenizer) Encode(text string) ([]int64, error) {
	unk := t.vocab[t.specials.Unk]
	var ids []int64
	for _, word := range t.basicTokenize(text) {
		ids = append(ids, t.wordPiece(word, unk)...)
	}
	return ids, nil
}

func (t *WordPieceTokenizer) basicTokenize(text string) []string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isChineseChar(r):
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	var words []string
	for _, token := range strings.Fields(b.String()) {
		if t.lowercase {
			token = stripAccents(strings.ToLower(token))
		}
		words = append(words, splitOnPunct(token)...)
	}
	return words
}

// wordPiece splits a word greedily into the longest vocabulary pieces
func (t *WordPieceTokenizer) wordPiece(word string, unk int64) []int64 {
	chars := []rune(word)
	if len(chars) > maxWordPieceChars {
		return []int64{unk}
	}

	var ids []int64
	start := 0
	for start < len(chars) {
		end := len(chars)
		found := int64(-1)
		for start < end {
			piece := string(chars[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int64{unk}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

func stripAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitOnPunct(word string) []string {
	var (
		out     []string
		current []rune
	)
	for _, r := range word {
		if isPunct(r) {
			if len(current) > 0 {
				out = append(out, string(current))
				current = current[:0]
			}
			out = append(out, string(r))
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		out = append(out, string(current))
	}
	return out
}

func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
