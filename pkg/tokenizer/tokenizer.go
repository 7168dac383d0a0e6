// Package tokenizer defines the tokenization contract consumed by the
// feature extractor and provides a vocabulary-backed implementation.
// Heavyweight subword tokenizers live behind the same interface.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Special tokens used when assembling model input sequences.
const (
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
)

// Tokenizer converts raw text into tokens and tokens into vocabulary IDs.
type Tokenizer interface {
	// Tokenize splits text into model tokens.
	Tokenize(text string) []string

	// ConvertTokensToIDs maps tokens to vocabulary IDs. Unknown tokens map
	// to the [UNK] ID.
	ConvertTokensToIDs(tokens []string) []int64

	// TokenID returns the vocabulary ID for a single token.
	TokenID(token string) int64
}

// VocabTokenizer is a whitespace tokenizer backed by a fixed vocabulary
// file (one token per line, line number = ID).
type VocabTokenizer struct {
	vocab map[string]int64
	unkID int64
}

// NewVocabTokenizer loads a vocabulary file and returns a tokenizer over it.
// The vocabulary must contain the special tokens.
func NewVocabTokenizer(vocabPath string) (*VocabTokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary file: %w", err)
	}
	defer f.Close()

	vocab := map[string]int64{}
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		vocab[token] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	for _, special := range []string{ClsToken, SepToken, PadToken, UnkToken} {
		if _, ok := vocab[special]; !ok {
			return nil, fmt.Errorf("vocabulary at %s is missing special token %s", vocabPath, special)
		}
	}

	return &VocabTokenizer{vocab: vocab, unkID: vocab[UnkToken]}, nil
}

// NewInlineTokenizer builds a tokenizer from an in-memory token list, with
// the special tokens prepended. Useful for tests and small experiments.
func NewInlineTokenizer(tokens []string) *VocabTokenizer {
	vocab := map[string]int64{}
	var id int64
	for _, token := range append([]string{PadToken, UnkToken, ClsToken, SepToken}, tokens...) {
		if _, ok := vocab[token]; ok {
			continue
		}
		vocab[token] = id
		id++
	}
	return &VocabTokenizer{vocab: vocab, unkID: vocab[UnkToken]}
}

func (t *VocabTokenizer) Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, ".,;:!?\"'()[]")
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

func (t *VocabTokenizer) ConvertTokensToIDs(tokens []string) []int64 {
	ids := make([]int64, len(tokens))
	for i, token := range tokens {
		ids[i] = t.TokenID(token)
	}
	return ids
}

func (t *VocabTokenizer) TokenID(token string) int64 {
	if id, ok := t.vocab[token]; ok {
		return id
	}
	return t.unkID
}

// VocabSize returns the number of entries in the vocabulary.
func (t *VocabTokenizer) VocabSize() int {
	return len(t.vocab)
}
