package sampler

import (
	"math"
	"testing"

	"github.com/basalt-run/blama/internal/token"
)

func uniformLogits(n int) []float32 {
	l := make([]float32, n)
	for i := range l {
		l[i] = 0
	}
	return l
}

func TestNewRejectsMirostatAboveV2(t *testing.T) {
	p := DefaultParams()
	p.Mirostat.Ver = 3
	if _, err := New(p, nil); err == nil {
		t.Fatalf("expected configuration error for mirostat ver 3")
	}
}

func TestNewRejectsGrammarWithoutAConstraint(t *testing.T) {
	p := DefaultParams()
	p.Grammar = `root ::= "yes" | "no"`
	if _, err := New(p, nil); err == nil {
		t.Fatalf("expected an explicit error when a grammar is requested but no GrammarConstraint is supplied")
	}
}

func TestNewAcceptsGrammarStringWhenConstraintSupplied(t *testing.T) {
	p := DefaultParams()
	p.Grammar = `root ::= "yes" | "no"`
	if _, err := New(p, &blockAllGrammar{}); err != nil {
		t.Fatalf("unexpected error constructing with an explicit GrammarConstraint: %v", err)
	}
}

func TestSampleDeterministicWithFixedSeed(t *testing.T) {
	p := DefaultParams()
	p.RngSeed = 42
	p.Temp = 1.0

	logits := make([]float32, 16)
	for i := range logits {
		logits[i] = float32(i)
	}

	s1, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}

	t1, err := s1.Sample(logits, true)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := s2.Sample(logits, true)
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Fatalf("two samplers built with the same seed diverged: %v vs %v", t1, t2)
	}
}

func TestSampleAlwaysPicksTheOnlySpikedLogit(t *testing.T) {
	p := DefaultParams()
	p.RngSeed = 7
	p.Temp = 1.0

	logits := uniformLogits(32)
	logits[5] = 1000

	s, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Sample(logits, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Fatalf("Sample = %v, want 5", got)
	}
}

type blockAllGrammar struct{ calls int }

func (g *blockAllGrammar) Apply(cand *candidates) {
	g.calls++
	for i := range cand.data {
		cand.data[i].Logit = float32(math.Inf(-1))
	}
}
func (g *blockAllGrammar) Accept(token.Token) {}
func (g *blockAllGrammar) Reset()             {}

func TestSampleResamplesOnGrammarViolation(t *testing.T) {
	p := DefaultParams()
	p.RngSeed = 1
	p.Temp = 1.0

	logits := uniformLogits(8)
	logits[0] = 50

	g := &blockAllGrammar{}
	s, err := New(p, g)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sample(logits, false); err == nil {
		t.Fatalf("expected sampling error once grammar blocks everything on resample")
	}
	if g.calls < 2 {
		t.Fatalf("expected grammar to be consulted at least twice (check + resample), got %d", g.calls)
	}
}

func TestAcceptFeedsPenalties(t *testing.T) {
	p := DefaultParams()
	p.SamplerSequence = nil
	p.RngSeed = 3
	p.RepetitionPenalty = RepetitionPenalty{NumTokens: 4, Repeat: 1.0, Freq: 5.0, Present: 0}
	p.Temp = 1.0

	logits := uniformLogits(4)
	logits[0] = 10
	logits[1] = 9

	s, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.Accept(0, false)
	}

	data := s.ExtractTokenData(logits)
	var tok0, tok1 float32
	for _, d := range data {
		switch d.ID {
		case 0:
			tok0 = d.Logit
		case 1:
			tok1 = d.Logit
		}
	}
	if !(tok1 > tok0) {
		t.Fatalf("expected repeatedly-accepted token 0 to be penalized below token 1: tok0=%v tok1=%v", tok0, tok1)
	}
}

func TestResetClearsPenaltyHistory(t *testing.T) {
	p := DefaultParams()
	p.RepetitionPenalty = RepetitionPenalty{NumTokens: 4, Freq: 100}
	s, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Accept(0, false)
	s.Reset()

	logits := uniformLogits(4)
	before := s.ExtractTokenData(logits)
	var got float32
	for _, d := range before {
		if d.ID == 0 {
			got = d.Logit
		}
	}
	if got != 0 {
		t.Fatalf("expected penalty history cleared after Reset, logit = %v", got)
	}
}

func TestExtractTokenDataAppliesChainNotGrammar(t *testing.T) {
	p := DefaultParams()
	p.RngSeed = 9
	g := &blockAllGrammar{}
	s, err := New(p, g)
	if err != nil {
		t.Fatal(err)
	}
	logits := uniformLogits(8)
	logits[3] = 99
	out := s.ExtractTokenData(logits)
	if len(out) == 0 {
		t.Fatalf("expected non-empty candidate list from ExtractTokenData")
	}
	if g.calls != 0 {
		t.Fatalf("ExtractTokenData should not consult the grammar, calls = %d", g.calls)
	}
}

func TestMirostatV1AndV2AreSelectableAndDeterministic(t *testing.T) {
	for _, ver := range []int{1, 2} {
		p := DefaultParams()
		p.RngSeed = 123
		p.Mirostat = Mirostat{Ver: ver, Tau: 5.0, Eta: 0.1}

		logits := make([]float32, 50)
		for i := range logits {
			logits[i] = float32(50 - i)
		}

		s, err := New(p, nil)
		if err != nil {
			t.Fatalf("mirostat v%d: %v", ver, err)
		}
		if _, err := s.Sample(logits, true); err != nil {
			t.Fatalf("mirostat v%d sample: %v", ver, err)
		}
	}
}
