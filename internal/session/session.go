// Package session implements the per-connection inference state machine:
// prompt ingestion, streaming token generation, context-fit mitigation
// (rolling shift or group-attention self-extend), and state export/import.
package session

import (
	"encoding/binary"

	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/blerr"
	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/sampler"
	"github.com/basalt-run/blama/internal/token"
	"github.com/basalt-run/blama/internal/vocab"
)

// Source marks why a batch of tokens is being decoded: only Generated
// tokens get grammar-accepted, since those are the ones the sampler chain
// itself selected.
type Source int

const (
	SourceInitialPrompt Source = iota
	SourceInteractivePrompt
	SourceGenerated
)

// Phase is the Session's two-state lifecycle.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseGenerating
)

// InitParams configures context-fit mitigation.
type InitParams struct {
	GaFactor        uint32 // default 1
	GaWidth         uint32 // default 512
	InfiniteContext bool   // default true
}

// DefaultInitParams returns the spec defaults (rolling shift, infinite
// context enabled).
func DefaultInitParams() InitParams {
	return InitParams{GaFactor: 1, GaWidth: 512, InfiniteContext: true}
}

type state struct {
	phase        Phase
	pendingToken token.Token
	maxTokens    uint32
	numKeep      uint32
	gaIndex      uint32
	numPast      uint32
}

// Deps are the collaborators a Session needs but does not own: the
// Instance's Context and Sampler, and a read-only view of the Model.
type Deps struct {
	Ctx                 backend.Context
	Vocab               *vocab.Vocab
	Sampler             *sampler.Sampler
	HasEncoder          bool
	PrefixInputsWithBos bool
}

// Session is the central per-connection state machine.
type Session struct {
	deps   Deps
	params InitParams
	state  state
}

// New constructs a Session bound to deps. It clears the context's KV cache
// and resets perf/sampler state, matching a fresh Instance.startSession.
func New(deps Deps, params InitParams) (*Session, error) {
	if params.GaFactor == 0 {
		params.GaFactor = 1
	}
	if params.GaWidth == 0 {
		params.GaWidth = 512
	}
	if params.GaFactor != 1 && params.GaWidth%params.GaFactor != 0 {
		return nil, blerr.Configf("group-attention width %d must be a multiple of group-attention factor %d", params.GaWidth, params.GaFactor)
	}

	deps.Ctx.KVCacheClear()
	deps.Ctx.Synchronize()
	deps.Ctx.PerfReset()
	deps.Sampler.Reset()
	deps.Sampler.PerfReset()

	s := &Session{deps: deps, params: params}
	s.state.pendingToken = token.Invalid
	s.state.maxTokens = deps.Ctx.CtxLen() - 4
	return s, nil
}

// Phase reports the Session's current lifecycle phase.
func (s *Session) Phase() Phase { return s.state.phase }

// NumPast reports how many tokens are currently resident in the KV cache.
func (s *Session) NumPast() uint32 { return s.state.numPast }

// SetInitialPrompt enters Generating by decoding initialPrompt (or a
// single BOS token, if empty) as the session's first batch.
func (s *Session) SetInitialPrompt(initialPrompt []token.Token) error {
	if s.state.phase != PhaseInitial {
		return blerr.Phasef("session already started")
	}

	tokens := initialPrompt
	if len(tokens) == 0 {
		tokens = []token.Token{s.deps.Vocab.BOS()}
	}

	s.state.numKeep = uint32(len(tokens))
	if s.state.numKeep > s.state.maxTokens {
		s.state.numKeep = s.state.maxTokens
	}

	if uint32(len(tokens)) > s.state.maxTokens {
		return blerr.ResourceLimitf("initial prompt too long: got %d tokens, max %d", len(tokens), s.state.maxTokens)
	}

	if s.deps.HasEncoder {
		if err := s.deps.Ctx.Encode(tokens); err != nil {
			return blerr.Backendf(err, "failed to encode input")
		}
		tokens = []token.Token{s.deps.Vocab.DecoderStartToken()}
	}

	if err := s.doDecode(tokens, SourceInitialPrompt); err != nil {
		return err
	}
	s.state.phase = PhaseGenerating
	return nil
}

// PushPrompt decodes an interactive prompt (optionally fill-in-the-middle
// framed around postfix) into an already-Generating session.
func (s *Session) PushPrompt(prompt, postfix []token.Token) error {
	if s.state.phase != PhaseGenerating {
		return blerr.Phasef("session hasn't started yet")
	}
	s.flushPendingState()

	if len(prompt) == 0 && len(postfix) == 0 {
		return blerr.Configf("prompt and postfix are empty")
	}

	s.deps.Sampler.Reset()

	var tokens []token.Token
	if s.deps.PrefixInputsWithBos {
		tokens = append(tokens, s.deps.Vocab.BOS())
	}

	safeAdd := func(t token.Token, name string) {
		if t != token.Invalid {
			tokens = append(tokens, t)
		} else {
			logger.Log.Warn("model doesn't have a FIM token", "token", name)
		}
	}

	if len(postfix) > 0 {
		safeAdd(s.deps.Vocab.FIMPre(), "fim_pre")
	}
	tokens = append(tokens, prompt...)
	if len(postfix) > 0 {
		safeAdd(s.deps.Vocab.FIMSuf(), "fim_suf")
		tokens = append(tokens, postfix...)
		safeAdd(s.deps.Vocab.FIMMid(), "fim_mid")
	}

	if uint32(len(tokens)) > s.state.maxTokens {
		return blerr.ResourceLimitf("prompt too long: got %d tokens, max %d", len(tokens), s.state.maxTokens)
	}

	return s.doDecode(tokens, SourceInteractivePrompt)
}

// GetToken flushes any pending token, samples a new one, and reports it.
// If the sampled token is an end-of-generation token it returns
// token.Invalid and a nil distribution instead of advancing the KV cache.
func (s *Session) GetToken() (token.Token, token.DataVector, error) {
	if s.state.phase != PhaseGenerating {
		return token.Invalid, nil, blerr.Phasef("session hasn't started yet")
	}
	if err := s.flushPendingState(); err != nil {
		return token.Invalid, nil, err
	}

	logits := s.deps.Ctx.Logits(-1)
	t, err := s.deps.Sampler.Sample(logits, false)
	if err != nil {
		return token.Invalid, nil, err
	}

	if s.deps.Vocab.IsEog(t) {
		s.state.pendingToken = token.Invalid
		return token.Invalid, nil, nil
	}

	s.state.pendingToken = t
	data := s.deps.Sampler.ExtractTokenData(logits)
	return t, data, nil
}

// Complete drives PushPrompt (if prompt/postfix given) then GetToken in a
// loop, collecting up to maxTokens predictions.
func (s *Session) Complete(prompt, postfix []token.Token, maxTokens uint32) ([]token.Prediction, error) {
	if len(prompt) > 0 || len(postfix) > 0 {
		if err := s.PushPrompt(prompt, postfix); err != nil {
			return nil, err
		}
	}

	var out []token.Prediction
	for i := uint32(0); i < maxTokens; i++ {
		t, data, err := s.GetToken()
		if err != nil {
			return nil, err
		}
		if t == token.Invalid {
			break
		}
		out = append(out, token.Prediction{Token: t, Logits: data})
	}
	return out, nil
}

// FillCtx replays a sequence of previously-sampled predictions through
// this Session's own context, capturing the logits this Instance would
// have produced at each step. Used to cross-check two backends against
// the same sampled sequence. Logits for step i are captured before
// p[i].Token is decoded, so they condition on tokens [0..i) exactly as
// they did when the sequence was originally sampled.
func (s *Session) FillCtx(predictions []token.Prediction) ([]token.Prediction, error) {
	if s.state.phase != PhaseGenerating {
		return nil, blerr.Phasef("session hasn't started yet")
	}
	if err := s.flushPendingState(); err != nil {
		return nil, err
	}

	out := make([]token.Prediction, 0, len(predictions))
	for _, p := range predictions {
		logits := s.deps.Ctx.Logits(-1)
		data := s.deps.Sampler.ExtractTokenData(logits)
		out = append(out, token.Prediction{Token: p.Token, Logits: data})

		if err := s.doDecode([]token.Token{p.Token}, SourceGenerated); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetSampledTokenData runs a throwaway top-k/top-p sampler chain over the
// current logits, independent of the Session's main sampler, for callers
// that want a plain ranked view of the distribution without disturbing
// the main sampler's accepted-token history.
func (s *Session) GetSampledTokenData(topK int, topP float32) (token.DataVector, error) {
	if err := s.flushPendingState(); err != nil {
		return nil, err
	}

	p := sampler.DefaultParams()
	p.TopK = topK
	p.TopP = topP
	p.SamplerSequence = []sampler.Kind{sampler.TopK, sampler.TopP}

	tmp, err := sampler.New(p, nil)
	if err != nil {
		return nil, err
	}

	logits := s.deps.Ctx.Logits(-1)
	return tmp.ExtractTokenData(logits), nil
}

const stateTailBytes = 12

// GetState serializes the backend's context bytes verbatim, prefixed with
// a declared-size header and suffixed with the Session bookkeeping
// (numPast/numKeep/gaIndex) needed to resume generation after SetState.
func (s *Session) GetState() ([]byte, error) {
	if s.state.phase != PhaseGenerating {
		return nil, blerr.Phasef("session hasn't started yet")
	}
	if err := s.flushPendingState(); err != nil {
		return nil, err
	}

	backendData, err := s.deps.Ctx.StateData()
	if err != nil {
		return nil, blerr.Backendf(err, "failed to get state")
	}

	buf := make([]byte, 8+len(backendData)+stateTailBytes)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(backendData)))
	copy(buf[8:], backendData)

	tail := buf[8+len(backendData):]
	binary.LittleEndian.PutUint32(tail[0:4], s.state.numPast)
	binary.LittleEndian.PutUint32(tail[4:8], s.state.numKeep)
	binary.LittleEndian.PutUint32(tail[8:12], s.state.gaIndex)
	return buf, nil
}

// SetState restores a blob produced by GetState, entering Generating with
// the KV cache and bookkeeping it describes.
func (s *Session) SetState(data []byte) error {
	if s.state.phase != PhaseInitial {
		return blerr.Phasef("session already started")
	}
	if len(data) < 8+stateTailBytes {
		return blerr.Dataf("state blob too short")
	}

	declared := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)) != 8+declared+uint64(stateTailBytes) {
		return blerr.Dataf("state blob declared size %d disagrees with actual length %d", declared, len(data))
	}

	backendData := data[8 : 8+declared]
	tail := data[8+declared:]

	if err := s.deps.Ctx.SetStateData(backendData); err != nil {
		return blerr.Backendf(err, "failed to set state")
	}

	s.state.numPast = binary.LittleEndian.Uint32(tail[0:4])
	s.state.numKeep = binary.LittleEndian.Uint32(tail[4:8])
	s.state.gaIndex = binary.LittleEndian.Uint32(tail[8:12])
	s.state.phase = PhaseGenerating
	return nil
}

// Close flushes any pending token then releases the KV window, mirroring
// the teacher's destructor-time cleanup.
func (s *Session) Close() {
	_ = s.flushPendingState()
	s.deps.Ctx.KVCacheClear()
}

func (s *Session) flushPendingState() error {
	if s.state.pendingToken == token.Invalid {
		return nil
	}
	t := s.state.pendingToken
	s.state.pendingToken = token.Invalid
	return s.doDecode([]token.Token{t}, SourceGenerated)
}

func (s *Session) doDecode(tokens []token.Token, src Source) error {
	if uint32(len(tokens)) > s.state.maxTokens {
		skipped := uint32(len(tokens)) - s.state.maxTokens
		tokens = tokens[:s.state.maxTokens]
		logger.Log.Warn("input too long, skipping tokens", "skipped", skipped)
	}

	ctxLen := s.deps.Ctx.CtxLen()

	if s.params.GaFactor == 1 {
		num := s.state.numPast + uint32(len(tokens))
		if num >= ctxLen {
			if !s.params.InfiniteContext {
				return blerr.ResourceLimitf("context limit of %d reached", ctxLen)
			}

			numLeft := s.state.numPast - s.state.numKeep
			numDiscard := numLeft / 2

			s.deps.Ctx.KVCacheSeqRm(s.state.numKeep, s.state.numKeep+numDiscard)
			s.deps.Ctx.KVCacheSeqAdd(s.state.numKeep+numDiscard, s.state.numPast, -int32(numDiscard))
			s.state.numPast -= numDiscard
		}
	} else {
		gaFactor := int64(s.params.GaFactor)
		gaWidth := int64(s.params.GaWidth)

		for int64(s.state.numPast) >= int64(s.state.gaIndex)+gaWidth {
			gaIndex := int64(s.state.gaIndex)
			numPast := int64(s.state.numPast)

			ib := (gaFactor * gaIndex) / gaWidth
			bd := (gaWidth / gaFactor) * (gaFactor - 1)
			dd := (gaWidth / gaFactor) - ib*bd - gaWidth

			s.deps.Ctx.KVCacheSeqAdd(uint32(gaIndex), uint32(numPast), int32(ib*bd))
			s.deps.Ctx.KVCacheSeqDiv(uint32(gaIndex+ib*bd), uint32(gaIndex+ib*bd+gaWidth), uint32(gaFactor))
			s.deps.Ctx.KVCacheSeqAdd(uint32(gaIndex+ib*bd+gaWidth), uint32(numPast+ib*bd), int32(dd))

			s.state.numPast -= uint32(bd)
			s.state.gaIndex += uint32(gaWidth / gaFactor)
		}
	}

	acceptGrammar := src == SourceGenerated
	for _, t := range tokens {
		s.deps.Sampler.Accept(t, acceptGrammar)
	}

	batchSize := s.deps.Ctx.BatchSize()
	for len(tokens) > 0 {
		n := uint32(len(tokens))
		if n > batchSize {
			n = batchSize
		}
		batch := tokens[:n]
		tokens = tokens[n:]
		if err := s.deps.Ctx.Decode(batch); err != nil {
			return blerr.Backendf(err, "failed to decode tokens")
		}
		s.state.numPast += n
	}
	return nil
}
