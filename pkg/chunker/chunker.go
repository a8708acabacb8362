// Package chunker splits large artifacts into overlapping token windows
// with deterministic IDs and byte-faithful character offsets.
package chunker

import (
	"github.com/memoryplane/memoryplane/pkg/ids"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/tokenizer"
)

// Config controls the chunking behaviour.
type Config struct {
	SinglePieceMax int // Token count above which an artifact is chunked.
	TargetTokens   int // Window size per chunk.
	OverlapTokens  int // Token overlap between consecutive chunks.
}

// DefaultConfig returns the production chunking parameters.
func DefaultConfig() Config {
	return Config{
		SinglePieceMax: 1200,
		TargetTokens:   900,
		OverlapTokens:  100,
	}
}

// Chunker converts oversized artifact text into store-ready chunks.
type Chunker struct {
	cfg Config
	tok tokenizer.Tokenizer
}

// New returns a Chunker over the given tokenizer. Zero-value config
// fields are replaced with defaults.
func New(tok tokenizer.Tokenizer, cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.SinglePieceMax <= 0 {
		cfg.SinglePieceMax = def.SinglePieceMax
	}
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = def.TargetTokens
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.TargetTokens {
		cfg.OverlapTokens = def.OverlapTokens
	}
	return &Chunker{cfg: cfg, tok: tok}
}

// ShouldChunk reports whether text exceeds the single-piece threshold,
// along with its token count. The threshold itself is inclusive: a text
// of exactly SinglePieceMax tokens stays whole.
func (c *Chunker) ShouldChunk(text string) (bool, int) {
	n := c.tok.Count(text)
	return n > c.cfg.SinglePieceMax, n
}

// Chunk splits text into overlapping token windows. It returns nil when
// the text fits in a single piece. Identical input yields identical
// chunk IDs, offsets, and content: the window never splits mid-token and
// offsets are byte positions in the tokenizer's decoded output.
func (c *Chunker) Chunk(text, artifactID string) []models.Chunk {
	tokens := c.tok.Encode(text)
	if len(tokens) <= c.cfg.SinglePieceMax {
		return nil
	}

	step := c.cfg.TargetTokens - c.cfg.OverlapTokens
	var chunks []models.Chunk
	for pos := 0; pos < len(tokens); pos += step {
		end := pos + c.cfg.TargetTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		content := c.tok.Decode(tokens[pos:end])
		startChar := len(c.tok.Decode(tokens[:pos]))
		index := len(chunks)

		chunks = append(chunks, models.Chunk{
			ID:          ids.ChunkID(artifactID, index, content),
			Index:       index,
			Content:     content,
			StartChar:   startChar,
			EndChar:     startChar + len(content),
			TokenCount:  end - pos,
			ContentHash: ids.ContentHash(content),
		})

		if end == len(tokens) {
			break
		}
	}
	return chunks
}
