package session

import (
	"testing"

	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/backend/fake"
	samplerpkg "github.com/basalt-run/blama/internal/sampler"
	"github.com/basalt-run/blama/internal/token"
	"github.com/basalt-run/blama/internal/vocab"
)

func newTestSession(t *testing.T, ctxSize uint32) (*Session, backend.Backend) {
	t.Helper()
	opt := fake.DefaultOptions()
	opt.VocabSize = 64
	opt.TrainCtxLen = ctxSize
	be := fake.New(opt)

	ctx, err := be.NewContext(backend.ContextParams{CtxSize: ctxSize, BatchSize: 16})
	if err != nil {
		t.Fatal(err)
	}

	sp := samplerpkg.DefaultParams()
	sp.RngSeed = 1
	sp.Temp = 1.0
	s, err := samplerpkg.New(sp, nil)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := New(Deps{
		Ctx:     ctx,
		Vocab:   vocab.New(be),
		Sampler: s,
	}, DefaultInitParams())
	if err != nil {
		t.Fatal(err)
	}
	return sess, be
}

func TestSetInitialPromptEntersGenerating(t *testing.T) {
	sess, _ := newTestSession(t, 64)
	if sess.Phase() != PhaseInitial {
		t.Fatalf("new session should start Initial")
	}
	if err := sess.SetInitialPrompt([]token.Token{5, 6, 7}); err != nil {
		t.Fatal(err)
	}
	if sess.Phase() != PhaseGenerating {
		t.Fatalf("SetInitialPrompt should transition to Generating")
	}
	if sess.NumPast() != 3 {
		t.Fatalf("NumPast = %d, want 3", sess.NumPast())
	}
}

func TestSetInitialPromptRejectsWrongPhase(t *testing.T) {
	sess, _ := newTestSession(t, 64)
	if err := sess.SetInitialPrompt([]token.Token{5}); err != nil {
		t.Fatal(err)
	}
	if err := sess.SetInitialPrompt([]token.Token{5}); err == nil {
		t.Fatalf("expected a phase error on second SetInitialPrompt")
	}
}

func TestSetInitialPromptEmptyUsesBOS(t *testing.T) {
	sess, be := newTestSession(t, 64)
	if err := sess.SetInitialPrompt(nil); err != nil {
		t.Fatal(err)
	}
	if sess.NumPast() != 1 {
		t.Fatalf("NumPast = %d, want 1", sess.NumPast())
	}
	_ = be
}

func TestGetTokenBeforeGeneratingIsPhaseError(t *testing.T) {
	sess, _ := newTestSession(t, 64)
	if _, _, err := sess.GetToken(); err == nil {
		t.Fatalf("expected phase error calling GetToken before SetInitialPrompt")
	}
}

func TestCompleteAdvancesNumPastAndReturnsPredictions(t *testing.T) {
	sess, _ := newTestSession(t, 256)
	if err := sess.SetInitialPrompt([]token.Token{5, 6, 7}); err != nil {
		t.Fatal(err)
	}
	preds, err := sess.Complete(nil, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) > 5 {
		t.Fatalf("got %d predictions, want at most 5", len(preds))
	}
}

func TestGetStateSetStateRoundTrip(t *testing.T) {
	sess, be := newTestSession(t, 128)
	if err := sess.SetInitialPrompt([]token.Token{5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	blob, err := sess.GetState()
	if err != nil {
		t.Fatal(err)
	}

	ctx2, err := be.NewContext(backend.ContextParams{CtxSize: 128, BatchSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	sp := samplerpkg.DefaultParams()
	sp.RngSeed = 1
	sp.Temp = 1.0
	sampler2, err := samplerpkg.New(sp, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess2, err := New(Deps{Ctx: ctx2, Vocab: vocab.New(be), Sampler: sampler2}, DefaultInitParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := sess2.SetState(blob); err != nil {
		t.Fatal(err)
	}
	if sess2.Phase() != PhaseGenerating {
		t.Fatalf("SetState should transition to Generating")
	}
	if sess2.NumPast() != sess.NumPast() {
		t.Fatalf("NumPast after restore = %d, want %d", sess2.NumPast(), sess.NumPast())
	}
}

func TestSetStateRejectsTamperedDeclaredSize(t *testing.T) {
	sess, _ := newTestSession(t, 64)
	if err := sess.SetInitialPrompt([]token.Token{5}); err != nil {
		t.Fatal(err)
	}
	blob, err := sess.GetState()
	if err != nil {
		t.Fatal(err)
	}
	blob[0] ^= 0xFF

	sess2, _ := newTestSession(t, 64)
	if err := sess2.SetState(blob); err == nil {
		t.Fatalf("expected an error from a tampered declared size")
	}
}

func TestContextShiftTriggersNearContextLimit(t *testing.T) {
	sess, _ := newTestSession(t, 16)
	if err := sess.SetInitialPrompt([]token.Token{5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		got, _, err := sess.GetToken()
		if err != nil || got == token.Invalid {
			break
		}
	}
	if sess.NumPast() >= 16 {
		t.Fatalf("expected context-shift mitigation to keep NumPast below ctxLen, got %d", sess.NumPast())
	}
}

func TestPushPromptRejectsEmptyInputs(t *testing.T) {
	sess, _ := newTestSession(t, 64)
	if err := sess.SetInitialPrompt([]token.Token{5}); err != nil {
		t.Fatal(err)
	}
	if err := sess.PushPrompt(nil, nil); err == nil {
		t.Fatalf("expected an error for empty prompt and postfix")
	}
}

func TestFillCtxReplaysGivenTokens(t *testing.T) {
	sess, _ := newTestSession(t, 128)
	if err := sess.SetInitialPrompt([]token.Token{5, 6, 7}); err != nil {
		t.Fatal(err)
	}
	in := []token.Prediction{{Token: 8}, {Token: 9}}
	out, err := sess.FillCtx(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("FillCtx returned %d predictions, want %d", len(out), len(in))
	}
	for i, p := range out {
		if p.Token != in[i].Token {
			t.Fatalf("FillCtx[%d].Token = %v, want %v", i, p.Token, in[i].Token)
		}
		if len(p.Logits) == 0 {
			t.Fatalf("FillCtx[%d] returned no logits", i)
		}
	}
}
