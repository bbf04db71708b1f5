package embed

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestHashEmbeddingDeterministic(t *testing.T) {
	a := HashEmbedding("NVIDIA ships new datacenter GPU", 64)
	b := HashEmbedding("NVIDIA ships new datacenter GPU", 64)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestHashEmbeddingNormalized(t *testing.T) {
	v := HashEmbedding("some text with enough tokens to fill buckets", 128)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1.0) > 1e-5 {
		t.Fatalf("norm = %v, want 1", math.Sqrt(sum))
	}
}

func TestHashEmbeddingEmpty(t *testing.T) {
	v := HashEmbedding("   ", 32)
	for _, x := range v {
		if x != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
}

func TestHashEmbeddingSimilarity(t *testing.T) {
	a := HashEmbedding("openai releases a new language model today", 256)
	b := HashEmbedding("openai released its new language model", 256)
	c := HashEmbedding("quarterly soybean futures decline on weather", 256)
	if Cosine(a, b) <= Cosine(a, c) {
		t.Fatalf("related texts scored %v, unrelated %v; want related higher",
			Cosine(a, b), Cosine(a, c))
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	if got := Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Fatalf("self cosine = %v, want 1", got)
	}
	if got := Cosine(a, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal cosine = %v, want 0", got)
	}
	if got := Cosine(a, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("dimension mismatch cosine = %v, want 0", got)
	}
}

type failingProvider struct{}

func (failingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}

func TestServiceFallsBackOnProviderFailure(t *testing.T) {
	s := NewService(failingProvider{}, 64, nil)
	v, err := s.Embed(context.Background(), "fallback text")
	if err != nil {
		t.Fatalf("Embed returned error despite fallback: %v", err)
	}
	if len(v) != 64 {
		t.Fatalf("fallback dim = %d, want 64", len(v))
	}
	want := HashEmbedding("fallback text", 64)
	for i := range v {
		if v[i] != want[i] {
			t.Fatal("fallback vector does not match HashEmbedding")
		}
	}
}

type fixedProvider struct {
	vec []float32
}

func (p fixedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{p.vec}, nil
}

func TestServicePrefersProvider(t *testing.T) {
	want := []float32{0.5, 0.5}
	s := NewService(fixedProvider{vec: want}, 256, nil)
	v, err := s.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 2 || v[0] != 0.5 {
		t.Fatalf("provider vector not used: %v", v)
	}
}
