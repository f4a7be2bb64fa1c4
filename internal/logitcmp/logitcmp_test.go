package logitcmp

import (
	"math"
	"testing"

	"github.com/basalt-run/blama/internal/token"
)

func vec(ids []token.Token, logits []float32) token.DataVector {
	v := make(token.DataVector, len(ids))
	for i := range ids {
		v[i] = token.Data{ID: ids[i], Logit: logits[i]}
	}
	return v
}

func TestCompareIdenticalIsZeroDistanceZeroJSD(t *testing.T) {
	a := vec([]token.Token{1, 2, 3}, []float32{3, 1, -2})
	b := vec([]token.Token{1, 2, 3}, []float32{3, 1, -2})
	r := Compare(a, b)
	if r.Top1Match != 1 {
		t.Fatalf("Top1Match = %v, want 1", r.Top1Match)
	}
	if r.Distance != 0 {
		t.Fatalf("Distance = %v, want 0", r.Distance)
	}
	if math.Abs(float64(r.JSD)) > 1e-6 {
		t.Fatalf("JSD = %v, want ~0", r.JSD)
	}
}

func TestCompareTop1MismatchWhenLeadingTokenDiffers(t *testing.T) {
	a := vec([]token.Token{1, 2}, []float32{5, 1})
	b := vec([]token.Token{2, 1}, []float32{5, 1})
	r := Compare(a, b)
	if r.Top1Match != 0 {
		t.Fatalf("Top1Match = %v, want 0", r.Top1Match)
	}
}

func TestCompareTruncatesToSharedPrefix(t *testing.T) {
	a := vec([]token.Token{1, 2, 3}, []float32{1, 1, 1})
	b := vec([]token.Token{1, 2}, []float32{1, 1})
	r := Compare(a, b)
	if r.Distance != 0 {
		t.Fatalf("Distance = %v, want 0 over shared prefix", r.Distance)
	}
}

func TestLogitSimilarityIdentical(t *testing.T) {
	a := vec([]token.Token{1, 2}, []float32{4, -2})
	b := vec([]token.Token{1, 2}, []float32{4, -2})
	if got := LogitSimilarity(a, b); got != 1 {
		t.Fatalf("LogitSimilarity = %v, want 1", got)
	}
}

func TestLogitSimilarityMissingTokenContributesZero(t *testing.T) {
	a := vec([]token.Token{1, 2}, []float32{10, 1})
	b := vec([]token.Token{1}, []float32{10})
	got := LogitSimilarity(a, b)
	if got <= 0 || got >= 1 {
		t.Fatalf("LogitSimilarity = %v, want strictly between 0 and 1", got)
	}
}

func TestAggregatorRunningMean(t *testing.T) {
	var agg Aggregator
	m1 := agg.Push(Result{Distance: 0, JSD: 0})
	if m1 != 1 {
		t.Fatalf("mean after first push = %v, want 1", m1)
	}
	m2 := agg.Push(Result{Distance: 1, JSD: 1})
	if m2 != 0.5 {
		t.Fatalf("mean after second push = %v, want 0.5", m2)
	}
	agg.Reset()
	if agg.Mean() != 0 {
		t.Fatalf("Mean after Reset = %v, want 0", agg.Mean())
	}
}
