// Package tokenizer counts and splits text with a fixed BPE encoding.
// The production implementation wraps the cl100k_base tables, so token
// sequences are identical across platforms and runs.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer is the encoding surface the chunker and ingest gating use.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// CL100K is a Tokenizer backed by the cl100k_base encoding.
type CL100K struct {
	enc *tiktoken.Tiktoken
}

// NewCL100K loads the cl100k_base encoding tables.
func NewCL100K() (*CL100K, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("loading cl100k_base encoding: %w", err)
	}
	return &CL100K{enc: enc}, nil
}

// Encode returns the token IDs for text. Special tokens are treated as
// ordinary text: artifact bodies are data, not control sequences.
func (t *CL100K) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode reassembles text from token IDs.
func (t *CL100K) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Count returns the number of tokens in text.
func (t *CL100K) Count(text string) int {
	return len(t.Encode(text))
}
