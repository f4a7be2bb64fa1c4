// Package sampler implements the composable token-sampling chain: a
// sequence of probability transforms terminated by a selection step, plus
// an independent grammar constraint applied either before or after the
// chain with a resample fallback on violation.
package sampler

import (
	"math"
	"math/rand"
	"sort"

	"github.com/basalt-run/blama/internal/blerr"
	"github.com/basalt-run/blama/internal/token"
)

// Kind identifies one stage of a user-specified sampler sequence.
type Kind int

const (
	TopK Kind = iota
	TypicalP
	TopP
	MinP
	Temperature
	XTC
	Infill
)

// RepetitionPenalty mirrors llama.cpp's penalties sampler knobs.
type RepetitionPenalty struct {
	NumTokens int
	Repeat    float32
	Freq      float32
	Present   float32
}

// Mirostat selects and parameterizes the mirostat branch. Ver == 0 means
// "use samplerSequence instead"; Ver ∈ {1,2} selects a mirostat variant;
// Ver > 2 is a configuration error.
type Mirostat struct {
	Ver int
	Tau float32
	Eta float32
}

// XTCParams parameterizes the exclude-top-choices transform.
type XTCParams struct {
	Probability float32
	Threshold   float32
}

// Params configures a Sampler's construction. The defaults noted per-field
// are the values DefaultParams sets; New uses every field as given, except
// that a MinKeep below 1 is raised to 1.
type Params struct {
	RngSeed           uint64
	MinKeep           int
	TopK              int     // default 40
	TopP              float32 // default 0.95
	MinP              float32 // default 0.05
	TypicalP          float32 // default 1.0
	Temp              float32 // default 0.80
	TempRange         float32 // default 0
	TempExp           float32 // default 1.0
	RepetitionPenalty RepetitionPenalty
	Mirostat          Mirostat
	XTC               XTCParams
	SamplerSequence   []Kind
	Grammar           string
	LogitBias         map[token.Token]float32
}

// DefaultParams returns Params with spec defaults populated.
func DefaultParams() Params {
	return Params{
		MinKeep:  1,
		TopK:     40,
		TopP:     0.95,
		MinP:     0.05,
		TypicalP: 1.0,
		Temp:     0.80,
		TempExp:  1.0,
		RepetitionPenalty: RepetitionPenalty{
			NumTokens: 64,
			Repeat:    1.0,
		},
		SamplerSequence: []Kind{TopK, TypicalP, TopP, MinP, Temperature},
	}
}

// step is one stage of the main chain: a probability transform or the
// terminal distribution-sample.
type step interface {
	apply(cand *candidates)
	accept(id token.Token)
	reset()
}

// GrammarConstraint is a pluggable BNF-grammar evaluator. The backend's
// real grammar sampler lives outside this package; Sampler only needs the
// ability to mask disallowed tokens and to advance on acceptance.
type GrammarConstraint interface {
	// Apply masks cand in place, setting -Inf logits for tokens the
	// grammar forbids at the current state.
	Apply(cand *candidates)
	Accept(id token.Token)
	Reset()
}

type noopGrammar struct{}

func (noopGrammar) Apply(*candidates) {}
func (noopGrammar) Accept(token.Token) {}
func (noopGrammar) Reset()            {}

// candidates is the mutable working set a chain step transforms, mirroring
// llama_token_data_array: an ordered list plus a selected index once a
// terminal step has chosen one.
type candidates struct {
	data     token.DataVector
	selected int
	sorted   bool
}

func newCandidates(logits []float32) *candidates {
	d := make(token.DataVector, len(logits))
	for i, l := range logits {
		d[i] = token.Data{ID: token.Token(i), Logit: l}
	}
	return &candidates{data: d, selected: -1}
}

func newSingleton(id token.Token, logit float32) *candidates {
	return &candidates{data: token.DataVector{{ID: id, Logit: logit}}, selected: -1}
}

func (c *candidates) sortByLogitDesc() {
	if c.sorted {
		return
	}
	sort.SliceStable(c.data, func(i, j int) bool { return c.data[i].Logit > c.data[j].Logit })
	c.sorted = true
}

func softmaxInPlace(d token.DataVector) {
	if len(d) == 0 {
		return
	}
	max := d[0].Logit
	for _, e := range d {
		if e.Logit > max {
			max = e.Logit
		}
	}
	var sum float64
	for i := range d {
		e := math.Exp(float64(d[i].Logit - max))
		d[i].Prob = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range d {
		d[i].Prob = float32(float64(d[i].Prob) / sum)
	}
}

// Sampler holds a grammar constraint and the main transform chain, built
// once from Params.
type Sampler struct {
	grammar GrammarConstraint
	chain   []step
	rng     *rand.Rand
}

// New builds a Sampler. grammar may be nil, in which case grammar
// application is a no-op (an unconstrained chain) — but only if p.Grammar
// is also empty. A caller that sets p.Grammar without supplying a
// GrammarConstraint that can evaluate it gets an explicit error rather
// than a silently-ignored field: this module has no GBNF compiler, so
// there is no way to turn a grammar string into a working constraint.
func New(p Params, grammar GrammarConstraint) (*Sampler, error) {
	if grammar == nil {
		if p.Grammar != "" {
			return nil, blerr.Configf("grammar-constrained sampling is not supported in this build (requested grammar %q)", p.Grammar)
		}
		grammar = noopGrammar{}
	}

	s := &Sampler{grammar: grammar, rng: rand.New(rand.NewSource(int64(p.RngSeed)))}

	s.chain = append(s.chain, &logitBiasStep{bias: p.LogitBias})
	s.chain = append(s.chain, newPenaltiesStep(p.RepetitionPenalty))

	switch {
	case p.Mirostat.Ver == 1:
		s.chain = append(s.chain, &tempStep{temp: p.Temp})
		s.chain = append(s.chain, newMirostatV1(p.Mirostat.Tau, p.Mirostat.Eta, s.rng))
	case p.Mirostat.Ver == 2:
		s.chain = append(s.chain, &tempStep{temp: p.Temp})
		s.chain = append(s.chain, newMirostatV2(p.Mirostat.Tau, p.Mirostat.Eta, s.rng))
	case p.Mirostat.Ver > 2:
		return nil, blerr.Configf("unsupported mirostat version %d", p.Mirostat.Ver)
	default:
		minKeep := p.MinKeep
		if minKeep < 1 {
			minKeep = 1
		}
		for _, k := range p.SamplerSequence {
			st, err := buildStep(k, p, minKeep, s.rng)
			if err != nil {
				return nil, err
			}
			s.chain = append(s.chain, st)
		}
		s.chain = append(s.chain, &distStep{rng: s.rng})
	}

	return s, nil
}

func buildStep(k Kind, p Params, minKeep int, rng *rand.Rand) (step, error) {
	switch k {
	case TopK:
		return &topKStep{k: p.TopK}, nil
	case TypicalP:
		return &typicalPStep{p: p.TypicalP, minKeep: minKeep}, nil
	case TopP:
		return &topPStep{p: p.TopP, minKeep: minKeep}, nil
	case MinP:
		return &minPStep{p: p.MinP, minKeep: minKeep}, nil
	case Temperature:
		return &tempExtStep{temp: p.Temp, tempRange: p.TempRange, tempExp: p.TempExp}, nil
	case XTC:
		return newXTCStep(p.XTC.Probability, p.XTC.Threshold, minKeep, rng), nil
	case Infill:
		return &infillStep{}, nil
	default:
		return nil, blerr.Configf("unsupported sampler kind %d", k)
	}
}

// fillLogits materializes a full-vocabulary candidate array from a raw
// logit row.
func fillLogits(logits []float32) *candidates { return newCandidates(logits) }

// Sample applies the grammar and main chain to logits and returns the
// selected token. When grammarFirst is false, a sampled token that
// violates the grammar triggers one resample pass with grammar applied
// ahead of the chain.
func (s *Sampler) Sample(logits []float32, grammarFirst bool) (token.Token, error) {
	cur := fillLogits(logits)

	if grammarFirst {
		s.grammar.Apply(cur)
	}
	s.applyChain(cur)

	if cur.selected < 0 || cur.selected >= len(cur.data) {
		return token.Invalid, blerr.Configf("no selected token during sampling - check your sampling configuration")
	}
	id := cur.data[cur.selected].ID

	if grammarFirst {
		return id, nil
	}

	single := newSingleton(id, 1.0)
	s.grammar.Apply(single)
	if single.data[0].Logit != float32(math.Inf(-1)) {
		return id, nil
	}

	cur = fillLogits(logits)
	s.grammar.Apply(cur)
	s.applyChain(cur)
	if cur.selected < 0 || cur.selected >= len(cur.data) {
		return token.Invalid, blerr.Configf("no selected token during re-sampling - check your sampling configuration")
	}
	return cur.data[cur.selected].ID, nil
}

func (s *Sampler) applyChain(cur *candidates) {
	for _, st := range s.chain {
		st.apply(cur)
	}
}

// Accept advances internal state in the main chain, and in the grammar
// too when acceptGrammar is set.
func (s *Sampler) Accept(id token.Token, acceptGrammar bool) {
	if acceptGrammar {
		s.grammar.Accept(id)
	}
	for _, st := range s.chain {
		st.accept(id)
	}
}

// ExtractTokenData applies the main chain (not the grammar) to logits and
// returns the resulting ordered candidate list.
func (s *Sampler) ExtractTokenData(logits []float32) token.DataVector {
	cur := fillLogits(logits)
	s.applyChain(cur)
	out := make(token.DataVector, len(cur.data))
	copy(out, cur.data)
	return out
}

// Reset clears sampling state in both the grammar and the main chain.
func (s *Sampler) Reset() {
	s.grammar.Reset()
	for _, st := range s.chain {
		st.reset()
	}
}

// PerfReset clears perf counters. The main chain here carries no perf
// counters of its own (that bookkeeping lives in the backend); kept for
// interface parity with callers that reset both sampler and backend perf.
func (s *Sampler) PerfReset() {}
