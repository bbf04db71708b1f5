// Package embed produces fixed-dimension unit-norm vectors for text.
// When a provider is configured its embeddings are used; otherwise a
// deterministic hash-n-gram fallback keeps semantic dedup working with
// weaker but non-random similarities.
package embed

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
)

// DefaultDim is the fallback embedding dimension.
const DefaultDim = 256

// Embedder is the minimal capability the service needs from a provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Service generates embeddings, provider first with hash fallback.
// A nil provider means fallback only.
type Service struct {
	provider Embedder
	dim      int
	logger   *slog.Logger
}

// NewService builds an embedding service. dim applies to the fallback;
// provider embeddings keep their native dimension.
func NewService(provider Embedder, dim int, logger *slog.Logger) *Service {
	if dim <= 0 {
		dim = DefaultDim
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		dim:      dim,
		logger:   logger.With("component", "embed"),
	}
}

// Dim returns the fallback dimension.
func (s *Service) Dim() int { return s.dim }

// Embed returns one vector for text. Provider failures degrade to the
// hash fallback rather than surfacing an error.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.provider != nil {
		vecs, err := s.provider.Embed(ctx, []string{text})
		if err == nil && len(vecs) == 1 && len(vecs[0]) > 0 {
			return vecs[0], nil
		}
		if err != nil {
			s.logger.Warn("embedding_provider_failed", "error", err)
		}
	}
	return HashEmbedding(text, s.dim), nil
}

// HashEmbedding is the deterministic fallback: character 2/3-grams and
// whitespace-split words are hashed into dim buckets with an alternating
// sign, then L2-normalized. Stable across runs and processes.
func HashEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DefaultDim
	}
	vec := make([]float32, dim)
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return vec
	}

	runes := []rune(lower)
	add := func(tok string) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum) % dim
		if idx < 0 {
			idx += dim
		}
		// Sign trick keeps the expected value of colliding buckets near zero.
		if sum&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(runes); i++ {
			add(string(runes[i : i+n]))
		}
	}
	for _, w := range strings.Fields(lower) {
		add("w:" + w)
	}

	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors, 0 when the
// dimensions differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
