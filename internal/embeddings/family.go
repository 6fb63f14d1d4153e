package embeddings

import (
	"fmt"
	"strings"
)

// Family identifies how a checkpoint is loaded and run
type Family int

const (
	FamilyInstructor Family = iota + 1
	FamilyDistilBERT
	FamilyBERT
	FamilyGPT
)

func (f Family) String() string {
	switch f {
	case FamilyInstructor:
		return "instructor"
	case FamilyDistilBERT:
		return "distilbert"
	case FamilyBERT:
		return "bert"
	case FamilyGPT:
		return "gpt"
	default:
		return "unknown"
	}
}

// UsesWordPiece reports whether the family ships a BERT vocabulary
func (f Family) UsesWordPiece() bool {
	return f != FamilyGPT
}

// HasTokenTypes reports whether the encoder accepts token_type_ids
func (f Family) HasTokenTypes() bool {
	return f == FamilyBERT
}

// ResolveFamily maps a checkpoint name to its model family.
// Rules are checked in order; the first match wins.
func ResolveFamily(checkpoint string) (Family, error) {
	lower := strings.ToLower(checkpoint)
	switch {
	case strings.HasPrefix(checkpoint, "hkunlp/instructor"):
		return FamilyInstructor, nil
	case strings.Contains(lower, "distilbert"):
		return FamilyDistilBERT, nil
	case strings.Contains(lower, "bert-base"), strings.Contains(checkpoint, "BERT"):
		return FamilyBERT, nil
	case strings.Contains(lower, "gpt"):
		return FamilyGPT, nil
	default:
		return 0, fmt.Errorf("%w: %q matches no supported model family", ErrUnknownCheckpoint, checkpoint)
	}
}
