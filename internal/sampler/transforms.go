package sampler

import (
	"math"
	"math/rand"
	"sort"

	"github.com/basalt-run/blama/internal/token"
)

// logitBiasStep adds a fixed offset to specific token ids' logits.
type logitBiasStep struct {
	bias map[token.Token]float32
}

func (s *logitBiasStep) apply(cand *candidates) {
	if len(s.bias) == 0 {
		return
	}
	for i := range cand.data {
		if b, ok := s.bias[cand.data[i].ID]; ok {
			cand.data[i].Logit += b
		}
	}
}
func (s *logitBiasStep) accept(token.Token) {}
func (s *logitBiasStep) reset()             {}

// penaltiesStep tracks a ring of the last NumTokens accepted tokens and
// applies repeat/frequency/presence penalties against their counts.
type penaltiesStep struct {
	cfg      RepetitionPenalty
	history  []token.Token
	counts   map[token.Token]int
}

func newPenaltiesStep(cfg RepetitionPenalty) *penaltiesStep {
	return &penaltiesStep{cfg: cfg, counts: make(map[token.Token]int)}
}

func (s *penaltiesStep) apply(cand *candidates) {
	if s.cfg.NumTokens == 0 || (s.cfg.Repeat == 1.0 && s.cfg.Freq == 0 && s.cfg.Present == 0) {
		return
	}
	for i := range cand.data {
		c, ok := s.counts[cand.data[i].ID]
		if !ok || c == 0 {
			continue
		}
		l := cand.data[i].Logit
		if l <= 0 {
			l *= s.cfg.Repeat
		} else {
			l /= s.cfg.Repeat
		}
		l -= float32(c)*s.cfg.Freq + s.cfg.Present
		cand.data[i].Logit = l
	}
}

func (s *penaltiesStep) accept(id token.Token) {
	if s.cfg.NumTokens == 0 {
		return
	}
	s.counts[id]++
	s.history = append(s.history, id)
	if len(s.history) > s.cfg.NumTokens {
		drop := s.history[0]
		s.history = s.history[1:]
		s.counts[drop]--
		if s.counts[drop] <= 0 {
			delete(s.counts, drop)
		}
	}
}

func (s *penaltiesStep) reset() {
	s.history = nil
	s.counts = make(map[token.Token]int)
}

// topKStep keeps only the k highest-logit candidates.
type topKStep struct{ k int }

func (s *topKStep) apply(cand *candidates) {
	if s.k <= 0 || s.k >= len(cand.data) {
		cand.sortByLogitDesc()
		return
	}
	cand.sortByLogitDesc()
	cand.data = cand.data[:s.k]
}
func (s *topKStep) accept(token.Token) {}
func (s *topKStep) reset()             {}

// topPStep keeps the smallest prefix of the sorted, softmaxed candidates
// whose cumulative probability reaches p.
type topPStep struct {
	p       float32
	minKeep int
}

func (s *topPStep) apply(cand *candidates) {
	if s.p >= 1.0 {
		return
	}
	cand.sortByLogitDesc()
	softmaxInPlace(cand.data)

	var cum float32
	cut := len(cand.data)
	for i, d := range cand.data {
		cum += d.Prob
		if cum >= s.p && i+1 >= s.minKeep {
			cut = i + 1
			break
		}
	}
	cand.data = cand.data[:cut]
}
func (s *topPStep) accept(token.Token) {}
func (s *topPStep) reset()             {}

// minPStep drops candidates whose probability is below p times the top
// candidate's probability.
type minPStep struct {
	p       float32
	minKeep int
}

func (s *minPStep) apply(cand *candidates) {
	if s.p <= 0 || len(cand.data) == 0 {
		return
	}
	cand.sortByLogitDesc()
	softmaxInPlace(cand.data)

	threshold := cand.data[0].Prob * s.p
	kept := cand.data[:0:0]
	for _, d := range cand.data {
		if d.Prob >= threshold || len(kept) < s.minKeep {
			kept = append(kept, d)
		}
	}
	cand.data = kept
}
func (s *minPStep) accept(token.Token) {}
func (s *minPStep) reset()             {}

// typicalPStep keeps candidates whose negative-log-probability is close to
// the distribution's entropy, per "locally typical sampling".
type typicalPStep struct {
	p       float32
	minKeep int
}

func (s *typicalPStep) apply(cand *candidates) {
	if s.p >= 1.0 || len(cand.data) == 0 {
		return
	}
	softmaxInPlace(cand.data)

	var entropy float64
	for _, d := range cand.data {
		if d.Prob > 0 {
			entropy -= float64(d.Prob) * math.Log(float64(d.Prob))
		}
	}

	type scored struct {
		d     token.Data
		score float64
	}
	scoredList := make([]scored, len(cand.data))
	for i, d := range cand.data {
		var logp float64
		if d.Prob > 0 {
			logp = math.Log(float64(d.Prob))
		} else {
			logp = math.Inf(-1)
		}
		scoredList[i] = scored{d: d, score: math.Abs(-logp - entropy)}
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score < scoredList[j].score })

	var cum float32
	cut := len(scoredList)
	for i, sc := range scoredList {
		cum += sc.d.Prob
		if cum >= s.p && i+1 >= s.minKeep {
			cut = i + 1
			break
		}
	}

	out := make(token.DataVector, cut)
	for i := 0; i < cut; i++ {
		out[i] = scoredList[i].d
	}
	cand.data = out
	cand.sorted = false
}
func (s *typicalPStep) accept(token.Token) {}
func (s *typicalPStep) reset()             {}

// tempStep divides all logits by a fixed temperature.
type tempStep struct{ temp float32 }

func (s *tempStep) apply(cand *candidates) {
	if s.temp <= 0 {
		return
	}
	for i := range cand.data {
		cand.data[i].Logit /= s.temp
	}
}
func (s *tempStep) accept(token.Token) {}
func (s *tempStep) reset()             {}

// tempExtStep is dynamic temperature: with tempRange > 0, the temperature
// is picked within temp ± tempRange/2 by the distribution's normalized
// entropy raised to tempExp.
type tempExtStep struct {
	temp, tempRange, tempExp float32
}

func (s *tempExtStep) apply(cand *candidates) {
	temp := s.temp
	if s.tempRange > 0 {
		minT := temp - s.tempRange/2
		maxT := temp + s.tempRange/2
		if minT < 0 {
			minT = 0
		}

		probs := make(token.DataVector, len(cand.data))
		copy(probs, cand.data)
		softmaxInPlace(probs)
		var entropy float64
		for _, d := range probs {
			if d.Prob > 0 {
				entropy -= float64(d.Prob) * math.Log(float64(d.Prob))
			}
		}
		maxEntropy := math.Log(float64(len(cand.data)))
		var normalized float64
		if maxEntropy > 0 {
			normalized = entropy / maxEntropy
		}
		dynTemp := float64(minT) + (float64(maxT)-float64(minT))*math.Pow(normalized, float64(s.tempExp))
		temp = float32(dynTemp)
	}
	if temp <= 0 {
		return
	}
	for i := range cand.data {
		cand.data[i].Logit /= temp
	}
}
func (s *tempExtStep) accept(token.Token) {}
func (s *tempExtStep) reset()             {}

// xtcStep probabilistically removes all but the lowest-probability
// candidate among those exceeding threshold, widening the effective
// sampling pool away from the single most-confident token.
type xtcStep struct {
	probability, threshold float32
	minKeep                int
	rng                    *rand.Rand
}

func newXTCStep(probability, threshold float32, minKeep int, rng *rand.Rand) *xtcStep {
	return &xtcStep{probability: probability, threshold: threshold, minKeep: minKeep, rng: rng}
}

func (s *xtcStep) apply(cand *candidates) {
	if s.probability <= 0 || len(cand.data) < 2 {
		return
	}
	if s.rng.Float32() >= s.probability {
		return
	}

	cand.sortByLogitDesc()
	softmaxInPlace(cand.data)

	cutIdx := -1
	for i, d := range cand.data {
		if d.Prob >= s.threshold {
			cutIdx = i
		} else {
			break
		}
	}
	if cutIdx <= 0 {
		return
	}
	if len(cand.data)-cutIdx < s.minKeep {
		return
	}
	cand.data = append(cand.data[:0:0], cand.data[cutIdx:]...)
}
func (s *xtcStep) accept(token.Token) {}
func (s *xtcStep) reset()             {}

// infillStep is a placeholder for fill-in-the-middle-aware candidate
// pruning; with no infill-specific state available at this layer it is a
// pass-through, matching the default no-constraint behavior when the
// caller isn't driving a FIM-aware grammar.
type infillStep struct{}

func (s *infillStep) apply(*candidates)     {}
func (s *infillStep) accept(token.Token) {}
func (s *infillStep) reset()                {}

// distStep is the terminal step: it samples one candidate proportional to
// its softmax probability. When every candidate's logit is -Inf nothing is
// selected, leaving cand.selected at -1.
type distStep struct{ rng *rand.Rand }

func (s *distStep) apply(cand *candidates) {
	anyFinite := false
	for _, d := range cand.data {
		if !math.IsInf(float64(d.Logit), -1) {
			anyFinite = true
			break
		}
	}
	if !anyFinite {
		return
	}
	softmaxInPlace(cand.data)
	r := s.rng.Float32()
	var cum float32
	for i, d := range cand.data {
		cum += d.Prob
		if r <= cum {
			cand.selected = i
			return
		}
	}
	if len(cand.data) > 0 {
		cand.selected = len(cand.data) - 1
	}
}
func (s *distStep) accept(token.Token) {}
func (s *distStep) reset()             {}

// mirostatV1 targets a fixed surprise value tau by adjusting an effective
// top-k window each step based on observed vs. target surprise.
type mirostatV1 struct {
	tau, eta float32
	mu       float32
	m        int
	rng      *rand.Rand
}

func newMirostatV1(tau, eta float32, rng *rand.Rand) *mirostatV1 {
	return &mirostatV1{tau: tau, eta: eta, mu: 2 * tau, m: 100, rng: rng}
}

func (s *mirostatV1) apply(cand *candidates) {
	cand.sortByLogitDesc()
	softmaxInPlace(cand.data)

	n := len(cand.data)
	if n == 0 {
		return
	}
	estEpsilon := estimateZipfExponent(cand.data, s.m)
	k := estimatedTopKForTargetSurprise(s.mu, estEpsilon, n)
	if k < 1 {
		k = 1
	}
	if k < n {
		cand.data = cand.data[:k]
	}
	softmaxInPlace(cand.data)

	r := s.rng.Float32()
	var cum float32
	sel := len(cand.data) - 1
	for i, d := range cand.data {
		cum += d.Prob
		if r <= cum {
			sel = i
			break
		}
	}
	cand.selected = sel

	observedSurprise := -math.Log2(float64(cand.data[sel].Prob))
	s.mu -= s.eta * float32(observedSurprise-float64(s.tau))
}
func (s *mirostatV1) accept(token.Token) {}
func (s *mirostatV1) reset()             { s.mu = 2 * s.tau }

func estimateZipfExponent(d token.DataVector, m int) float64 {
	if m > len(d) {
		m = len(d)
	}
	if m < 2 {
		return 1.0
	}
	var numSum, denSum float64
	for i := 0; i < m-1; i++ {
		t1 := math.Log(float64(i) + 2)
		t2 := math.Log(float64(i) + 1)
		p1 := float64(d[i].Prob)
		p2 := float64(d[i+1].Prob)
		if p1 <= 0 || p2 <= 0 {
			continue
		}
		num := math.Log((p1 + 1e-12) / (p2 + 1e-12))
		den := t1 - t2
		if den == 0 {
			continue
		}
		numSum += num
		denSum += den
	}
	if denSum == 0 {
		return 1.0
	}
	return numSum / denSum
}

func estimatedTopKForTargetSurprise(mu float32, epsilon float64, n int) int {
	if epsilon <= 0 {
		epsilon = 1
	}
	k := math.Pow(2, float64(mu)) / math.Pow(float64(n), 1-1/epsilon)
	if k < 1 {
		k = 1
	}
	return int(k)
}

// mirostatV2 directly truncates candidates below the target surprise
// threshold mu, avoiding the Zipf exponent estimation of v1.
type mirostatV2 struct {
	tau, eta float32
	mu       float32
	rng      *rand.Rand
}

func newMirostatV2(tau, eta float32, rng *rand.Rand) *mirostatV2 {
	return &mirostatV2{tau: tau, eta: eta, mu: 2 * tau, rng: rng}
}

func (s *mirostatV2) apply(cand *candidates) {
	softmaxInPlace(cand.data)

	kept := cand.data[:0:0]
	for _, d := range cand.data {
		if d.Prob <= 0 {
			continue
		}
		surprise := -math.Log2(float64(d.Prob))
		if surprise <= float64(s.mu) {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		kept = cand.data
	}
	cand.data = kept
	cand.sorted = false
	softmaxInPlace(cand.data)

	r := s.rng.Float32()
	var cum float32
	sel := len(cand.data) - 1
	for i, d := range cand.data {
		cum += d.Prob
		if r <= cum {
			sel = i
			break
		}
	}
	cand.selected = sel

	observedSurprise := -math.Log2(float64(cand.data[sel].Prob))
	s.mu -= s.eta * float32(observedSurprise-float64(s.tau))
}
func (s *mirostatV2) accept(token.Token) {}
func (s *mirostatV2) reset()             { s.mu = 2 * s.tau }
