// Package logitcmp implements divergence-based equivalence checks between
// two backends' logit distributions, used to decide whether a secondary
// (e.g. CPU) backend's output is "substantively equal" to a primary one.
package logitcmp

import (
	"math"

	"github.com/basalt-run/blama/internal/token"
)

// Result is the structured comparison spec.md's newer comparator returns,
// as opposed to the older boolean compare it replaces.
type Result struct {
	Top1Match float32
	Distance  float32
	JSD       float32
}

func euclideanSq(v token.DataVector) float32 {
	var sum float32
	for _, d := range v {
		sum += d.Logit * d.Logit
	}
	return sum
}

// Compare operates on the shared prefix of length min(len(a), len(b)).
func Compare(a, b token.DataVector) Result {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	pa, pb := a[:n], b[:n]

	d1 := euclideanSq(pa)
	d2 := euclideanSq(pb)

	denom := d1
	if d2 > denom {
		denom = d2
	}
	var distance float32
	if denom > 0 {
		distance = float32(math.Abs(float64(d1-d2))) / denom
	}

	probA := softmax(pa)
	probB := softmax(pb)

	var top1 float32
	if len(a) > 0 && len(b) > 0 && a[0].ID == b[0].ID {
		top1 = 1.0
	}

	return Result{
		Top1Match: top1,
		Distance:  distance,
		JSD:       jsd(probA, probB),
	}
}

// softmax computes a numerically stable softmax over the prefix, indexed
// by token id rather than position.
func softmax(v token.DataVector) map[token.Token]float64 {
	out := make(map[token.Token]float64, len(v))
	if len(v) == 0 {
		return out
	}
	max := float64(v[0].Logit)
	for _, d := range v {
		if float64(d.Logit) > max {
			max = float64(d.Logit)
		}
	}
	var sum float64
	exps := make([]float64, len(v))
	for i, d := range v {
		e := math.Exp(float64(d.Logit) - max)
		exps[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i, d := range v {
		out[d.ID] = exps[i] / sum
	}
	return out
}

// jsd is the Jensen-Shannon divergence, restricted to tokens present in
// both distributions.
func jsd(p, q map[token.Token]float64) float32 {
	avg := make(map[token.Token]float64)
	for t, pv := range p {
		if qv, ok := q[t]; ok {
			avg[t] = (pv + qv) / 2
		}
	}
	kl := func(P, Q map[token.Token]float64) float64 {
		var sum float64
		for t, pv := range P {
			if pv <= 0 {
				continue
			}
			qv, ok := Q[t]
			if !ok || qv <= 0 {
				continue
			}
			sum += pv * math.Log(pv/qv)
		}
		return sum
	}
	return float32((kl(p, avg) + kl(q, avg)) / 2)
}

// LogitSimilarity computes a weighted similarity between two distributions:
// for each token in a, weight = |logit|; per-token similarity is
// 1 - |delta|/max(|x|,|y|) when the token is also present in b, else 0.
// The result is the weighted mean over a.
func LogitSimilarity(a, b token.DataVector) float32 {
	if len(a) == 0 {
		return 0
	}
	byID := make(map[token.Token]float32, len(b))
	for _, d := range b {
		byID[d.ID] = d.Logit
	}

	var weightedSum, weightTotal float64
	for _, d := range a {
		w := math.Abs(float64(d.Logit))
		var sim float64
		if other, ok := byID[d.ID]; ok {
			x, y := math.Abs(float64(d.Logit)), math.Abs(float64(other))
			denom := x
			if y > denom {
				denom = y
			}
			if denom > 0 {
				sim = 1 - math.Abs(float64(d.Logit-other))/denom
			} else {
				sim = 1
			}
		}
		weightedSum += w * sim
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return float32(weightedSum / weightTotal)
}

// Aggregator accumulates comparison outcomes across a batch of steps and
// reports a running equivalence score, as Session.fillCtx-driven verify
// flows do one prediction pair at a time.
type Aggregator struct {
	sum   float64
	count int
}

// Push records one entry's distance/JSD and returns the running mean of
// 0.5*(1-distance) + 0.5*(1-jsd) across all entries pushed so far.
func (a *Aggregator) Push(r Result) float64 {
	score := 0.5*(1-float64(r.Distance)) + 0.5*(1-float64(r.JSD))
	a.sum += score
	a.count++
	return a.Mean()
}

// Mean returns the current running mean, or 0 if nothing has been pushed.
func (a *Aggregator) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

// Reset clears all accumulated entries.
func (a *Aggregator) Reset() {
	a.sum = 0
	a.count = 0
}
