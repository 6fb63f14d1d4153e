package embeddings

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Tokenizer converts text to vocabulary ids. Encode returns ids without
// special tokens; TokenizerConfig adds those and pads.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
	TokenID(token string) (int64, bool)
	SpecialTokens() SpecialTokens
	VocabSize() int
}

// SpecialTokens names a tokenizer's special tokens. Empty means absent.
type SpecialTokens struct {
	Pad string
	Unk string
	Cls string
	Sep string
	Bos string
	Eos string
}

// Encoding is a padded batch of tokenized spans, one row per span
type Encoding struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	TokenTypeIDs  [][]int64
	// PoolMask marks the tokens that contribute to instruction-aware pooling.
	// Nil unless the batch was encoded with an instruction prefix.
	PoolMask [][]int64
	SeqLen   int
}

// Len returns the number of rows
func (e *Encoding) Len() int {
	return len(e.InputIDs)
}

// Tokens returns the number of non-padding tokens in the batch
func (e *Encoding) Tokens() int {
	n := 0
	for _, row := range e.AttentionMask {
		for _, m := range row {
			n += int(m)
		}
	}
	return n
}

// Slice returns rows [i, j) sharing the underlying storage
func (e *Encoding) Slice(i, j int) *Encoding {
	out := &Encoding{
		InputIDs:      e.InputIDs[i:j],
		AttentionMask: e.AttentionMask[i:j],
		TokenTypeIDs:  e.TokenTypeIDs[i:j],
		SeqLen:        e.SeqLen,
	}
	if e.PoolMask != nil {
		out.PoolMask = e.PoolMask[i:j]
	}
	return out
}

// Flatten lays rows out row-major for tensor construction
func Flatten(rows [][]int64) []int64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]int64, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

// TokenizerConfig is the resolved, immutable tokenization setup for one
// encoder. It is safe to share across calls.
type TokenizerConfig struct {
	tokenizer Tokenizer
	family    Family
	padding   string
	maxLength int
	padToken  string
	padID     int64
	clsID     int64
	sepID     int64
	wrap      bool
}

// ResolveTokenizerConfig fixes padding, truncation and the pad token.
// When the tokenizer has no pad token it is aliased to the end-of-sequence
// token, except for instruction-tuned checkpoints.
func ResolveTokenizerConfig(tok Tokenizer, family Family, padding string, maxLength int) (*TokenizerConfig, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: tokenizer is required", ErrConfigError)
	}
	if padding != PaddingMaxLength && padding != PaddingLongest {
		return nil, fmt.Errorf("%w: invalid padding: %s (must be max_length or longest)", ErrConfigError, padding)
	}
	if maxLength <= 0 {
		return nil, fmt.Errorf("%w: max length must be positive, got %d", ErrConfigError, maxLength)
	}

	specials := tok.SpecialTokens()
	padToken := specials.Pad
	if padToken == "" && family != FamilyInstructor {
		padToken = specials.Eos
	}
	if padToken == "" {
		return nil, fmt.Errorf("%w: tokenizer has neither a pad nor an end-of-sequence token", ErrConfigError)
	}
	padID, ok := tok.TokenID(padToken)
	if !ok {
		return nil, fmt.Errorf("%w: pad token %q not in vocabulary", ErrConfigError, padToken)
	}

	cfg := &TokenizerConfig{
		tokenizer: tok,
		family:    family,
		padding:   padding,
		maxLength: maxLength,
		padToken:  padToken,
		padID:     padID,
	}

	if specials.Cls != "" && specials.Sep != "" {
		cls, clsOK := tok.TokenID(specials.Cls)
		sep, sepOK := tok.TokenID(specials.Sep)
		if clsOK && sepOK {
			cfg.clsID, cfg.sepID, cfg.wrap = cls, sep, true
		}
	}
	if cfg.wrap && maxLength < 3 {
		return nil, fmt.Errorf("%w: max length %d leaves no room for text", ErrConfigError, maxLength)
	}
	return cfg, nil
}

// PadToken returns the resolved pad token
func (c *TokenizerConfig) PadToken() string {
	return c.padToken
}

// MaxLength returns the truncation length
func (c *TokenizerConfig) MaxLength() int {
	return c.maxLength
}

// Padding returns the padding strategy
func (c *TokenizerConfig) Padding() string {
	return c.padding
}

// EncodeBatch tokenizes all texts together so every row shares one padded length
func (c *TokenizerConfig) EncodeBatch(texts []string) (*Encoding, error) {
	rows := make([][]int64, len(texts))
	for i, text := range texts {
		ids, err := c.tokenizer.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
		}
		rows[i] = c.wrapAndTruncate(nil, ids)
	}
	return c.pad(rows, nil), nil
}

// EncodeInstructed tokenizes instruction+text pairs as single sequences.
// The returned PoolMask excludes the instruction tokens.
func (c *TokenizerConfig) EncodeInstructed(pairs []InstructionPair) (*Encoding, error) {
	rows := make([][]int64, len(pairs))
	prefixLens := make([]int, len(pairs))
	for i, pair := range pairs {
		instruction, err := c.tokenizer.Encode(pair.Instruction)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
		}
		text, err := c.tokenizer.Encode(pair.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
		}
		rows[i] = c.wrapAndTruncate(instruction, text)
		prefixLens[i] = len(instruction)
		if c.wrap {
			prefixLens[i]++
		}
		if prefixLens[i] > len(rows[i]) {
			prefixLens[i] = len(rows[i])
		}
	}
	return c.pad(rows, prefixLens), nil
}

func (c *TokenizerConfig) wrapAndTruncate(prefix, ids []int64) []int64 {
	budget := c.maxLength
	if c.wrap {
		budget -= 2
	}
	body := make([]int64, 0, len(prefix)+len(ids))
	body = append(body, prefix...)
	body = append(body, ids...)
	if len(body) > budget {
		body = body[:budget]
	}
	if !c.wrap {
		return body
	}
	row := make([]int64, 0, len(body)+2)
	row = append(row, c.clsID)
	row = append(row, body...)
	return append(row, c.sepID)
}

func (c *TokenizerConfig) pad(rows [][]int64, prefixLens []int) *Encoding {
	width := c.maxLength
	if c.padding == PaddingLongest {
		width = 0
		for _, row := range rows {
			if len(row) > width {
				width = len(row)
			}
		}
	}

	enc := &Encoding{
		InputIDs:      make([][]int64, len(rows)),
		AttentionMask: make([][]int64, len(rows)),
		TokenTypeIDs:  make([][]int64, len(rows)),
		SeqLen:        width,
	}
	if prefixLens != nil {
		enc.PoolMask = make([][]int64, len(rows))
	}
	for i, row := range rows {
		ids := make([]int64, width)
		mask := make([]int64, width)
		copy(ids, row)
		for j := range ids {
			if j < len(row) {
				mask[j] = 1
			} else {
				ids[j] = c.padID
			}
		}
		enc.InputIDs[i] = ids
		enc.AttentionMask[i] = mask
		enc.TokenTypeIDs[i] = make([]int64, width)
		if prefixLens != nil {
			pool := make([]int64, width)
			copy(pool, mask)
			for j := 0; j < prefixLens[i]; j++ {
				pool[j] = 0
			}
			enc.PoolMask[i] = pool
		}
	}
	return enc
}

// LoadTokenizer loads the vocabulary files for a checkpoint.
// A merges file selects byte-level BPE, otherwise the vocabulary is WordPiece.
func LoadTokenizer(cfg ModelConfig, family Family) (Tokenizer, error) {
	vocabPath := cfg.VocabPath
	if vocabPath == "" && cfg.ModelPath != "" {
		name := "vocab.txt"
		if !family.UsesWordPiece() {
			name = "vocab.json"
		}
		vocabPath = filepath.Join(filepath.Dir(cfg.ModelPath), name)
	}
	if vocabPath == "" {
		return nil, fmt.Errorf("%w: vocab path is required", ErrConfigError)
	}

	mergesPath := cfg.MergesPath
	if mergesPath == "" && strings.HasSuffix(vocabPath, ".json") {
		mergesPath = filepath.Join(filepath.Dir(vocabPath), "merges.txt")
	}
	if mergesPath != "" {
		return LoadBPE(vocabPath, mergesPath)
	}
	return LoadWordPiece(vocabPath, WordPieceOptions{Lowercase: !isCasedCheckpoint(cfg.Checkpoint)})
}

func isCasedCheckpoint(checkpoint string) bool {
	lower := strings.ToLower(checkpoint)
	return strings.Contains(lower, "cased") && !strings.Contains(lower, "uncased")
}
