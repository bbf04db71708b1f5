package agents

import "testing"

func TestSimilarityRatioIdentical(t *testing.T) {
	if got := similarityRatio("OpenAI ships GPT-5", "openai ships gpt-5"); got != 1.0 {
		t.Fatalf("identical (case-folded) ratio = %v, want 1", got)
	}
}

func TestSimilarityRatioDisjoint(t *testing.T) {
	if got := similarityRatio("abcdef", "uvwxyz"); got != 0 {
		t.Fatalf("disjoint ratio = %v, want 0", got)
	}
}

func TestSimilarityRatioEmpty(t *testing.T) {
	if got := similarityRatio("", ""); got != 0 {
		t.Fatalf("empty ratio = %v, want 0", got)
	}
}

func TestSimilarityRatioPartial(t *testing.T) {
	got := similarityRatio("nvidia announces new gpu", "nvidia announces a new gpu today")
	if got < 0.7 || got >= 1.0 {
		t.Fatalf("near-duplicate ratio = %v, want high but below 1", got)
	}
	unrelated := similarityRatio("nvidia announces new gpu", "soybean harvest disappoints")
	if unrelated >= got {
		t.Fatalf("unrelated ratio %v not below near-duplicate ratio %v", unrelated, got)
	}
}

func TestSimilarityRatioUnicode(t *testing.T) {
	got := similarityRatio("英伟达发布新款芯片", "英伟达发布新芯片")
	if got < 0.8 {
		t.Fatalf("CJK near-duplicate ratio = %v, want >= 0.8", got)
	}
}
