package embedding

import (
	"context"
	"crypto/sha256"
	"sync"
)

// FakeEmbedder produces deterministic vectors derived from the text
// hash, so tests get stable, distinguishable embeddings without a
// provider.
type FakeEmbedder struct {
	Dim int

	mu    sync.Mutex
	calls int
	// Err, when set, is returned by every call.
	Err error
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	if dim <= 0 {
		dim = 8
	}
	return &FakeEmbedder{Dim: dim}
}

func (f *FakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *FakeEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	err := f.Err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, f.Dim)
		for j := 0; j < f.Dim; j++ {
			vec[j] = float32(sum[j%len(sum)])/255.0 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (f *FakeEmbedder) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

// Calls reports how many embed requests were made.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ Embedder = (*FakeEmbedder)(nil)
