// Package server owns one Model and one Instance behind a single-worker
// job queue, matching the Instance's single-live-Session invariant: every
// completeText/chatComplete/verify/chatVerify call is serialized onto one
// background worker goroutine, the way the teacher's engine adapter
// funnels inference requests through one processing loop.
package server

import (
	"github.com/basalt-run/blama/internal/chatformat"
	"github.com/basalt-run/blama/internal/instance"
	"github.com/basalt-run/blama/internal/logitcmp"
	"github.com/basalt-run/blama/internal/metrics"
	"github.com/basalt-run/blama/internal/model"
	"github.com/basalt-run/blama/internal/sampler"
	"github.com/basalt-run/blama/internal/session"
	"github.com/basalt-run/blama/internal/token"
)

// CompleteRequestParams is the raw-text completion request shape.
type CompleteRequestParams struct {
	Prompt      string
	MaxTokens   uint32
	Seed        uint64
	Suffix      string
	Temperature float32
	TopP        float32
}

// ChatMsg is one message in a chat completion request.
type ChatMsg = chatformat.ChatMsg

// ChatCompleteRequestParams is CompleteRequestParams with prompt/suffix
// replaced by an ordered message list.
type ChatCompleteRequestParams struct {
	Messages    []ChatMsg
	MaxTokens   uint32
	Seed        uint64
	Temperature float32
	TopP        float32
}

// TokenData mirrors one step of generation: the chosen token's text and
// id, plus the logit row the sampler saw.
type TokenData struct {
	Str    string
	ID     token.Token
	Logits []LogitEntry
}

// LogitEntry is one vocabulary entry's logit value.
type LogitEntry struct {
	ID    token.Token
	Logit float32
}

// CompleteResponse is the result of completeText/chatComplete.
type CompleteResponse struct {
	Text      string
	TokenData []TokenData
}

// Server owns a Model, an Instance built against it, and the single
// worker every request is serialized through.
type Server struct {
	model *model.Model
	inst  *instance.Instance

	jobs chan func()
	done chan struct{}
}

// New builds a Server around model/instance and starts its worker.
func New(m *model.Model, inst *instance.Instance) *Server {
	s := &Server{
		model: m,
		inst:  inst,
		jobs:  make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Server) run() {
	for {
		select {
		case job := <-s.jobs:
			metrics.ServerQueueDepth.Dec()
			job()
		case <-s.done:
			return
		}
	}
}

// Close stops the worker. In-flight jobs that already started run to
// completion; queued-but-unstarted jobs are discarded.
func (s *Server) Close() { close(s.done) }

func (s *Server) submit(job func()) {
	metrics.ServerQueueDepth.Inc()
	s.jobs <- job
}

func samplerParamsFrom(temp, topP float32, seed uint64) sampler.Params {
	p := sampler.DefaultParams()
	if temp > 0 {
		p.Temp = temp
	}
	if topP > 0 {
		p.TopP = topP
	}
	if seed != 0 {
		p.RngSeed = seed
	}
	return p
}

func toTokenData(v *vocabView, preds []token.Prediction) []TokenData {
	out := make([]TokenData, len(preds))
	for i, p := range preds {
		logits := make([]LogitEntry, len(p.Logits))
		for j, d := range p.Logits {
			logits[j] = LogitEntry{ID: d.ID, Logit: d.Logit}
		}
		out[i] = TokenData{Str: v.toString(p.Token), ID: p.Token, Logits: logits}
	}
	return out
}

type vocabView struct {
	m *model.Model
}

func (v *vocabView) toString(t token.Token) string {
	return v.m.Vocab().TokenToString(t, true)
}

func detokenize(v *vocabView, preds []token.Prediction) string {
	s := ""
	for _, p := range preds {
		s += v.toString(p.Token)
	}
	return s
}

// CompleteText runs one raw-text completion job on the worker and
// delivers the result to done.
func (s *Server) CompleteText(req CompleteRequestParams, done func(CompleteResponse, error)) {
	s.submit(func() {
		done(s.completeText(req))
	})
}

func (s *Server) completeText(req CompleteRequestParams) (CompleteResponse, error) {
	sess, err := s.inst.StartSession(session.DefaultInitParams())
	if err != nil {
		return CompleteResponse{}, err
	}
	defer s.inst.StopSession()

	if err := s.inst.ResetSampler(samplerParamsFrom(req.Temperature, req.TopP, req.Seed)); err != nil {
		return CompleteResponse{}, err
	}

	promptTokens := s.model.Vocab().Tokenize(req.Prompt, true, true)
	if err := sess.SetInitialPrompt(promptTokens); err != nil {
		return CompleteResponse{}, err
	}

	var suffixTokens []token.Token
	if req.Suffix != "" {
		suffixTokens = s.model.Vocab().Tokenize(req.Suffix, false, true)
	}

	preds, err := sess.Complete(nil, suffixTokens, req.MaxTokens)
	if err != nil {
		return CompleteResponse{}, err
	}

	metrics.InferenceTokensTotal.Add(float64(len(preds)))
	v := &vocabView{m: s.model}
	return CompleteResponse{Text: detokenize(v, preds), TokenData: toTokenData(v, preds)}, nil
}

// ChatComplete runs one chat completion job on the worker.
func (s *Server) ChatComplete(req ChatCompleteRequestParams, cf *chatformat.ChatFormat, done func(CompleteResponse, error)) {
	s.submit(func() {
		done(s.chatComplete(req, cf))
	})
}

func (s *Server) chatComplete(req ChatCompleteRequestParams, cf *chatformat.ChatFormat) (CompleteResponse, error) {
	rendered, err := cf.FormatChat(req.Messages, true)
	if err != nil {
		return CompleteResponse{}, err
	}

	return s.completeText(CompleteRequestParams{
		Prompt:      rendered,
		MaxTokens:   req.MaxTokens,
		Seed:        req.Seed,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
}

// Verify re-plays resp's tokens against this Server's Instance (normally
// configured as a verifier) and scores the backend's agreement with the
// logits recorded in resp via a running LogitComparer aggregate.
func (s *Server) Verify(req CompleteRequestParams, resp CompleteResponse, done func(float32, error)) {
	s.submit(func() {
		done(s.verify(req, resp))
	})
}

func (s *Server) verify(req CompleteRequestParams, resp CompleteResponse) (float32, error) {
	sess, err := s.inst.StartSession(session.DefaultInitParams())
	if err != nil {
		return 0, err
	}
	defer s.inst.StopSession()

	promptTokens := s.model.Vocab().Tokenize(req.Prompt, true, true)
	if err := sess.SetInitialPrompt(promptTokens); err != nil {
		return 0, err
	}

	preds := fromTokenData(resp.TokenData)
	filled, err := sess.FillCtx(preds)
	if err != nil {
		return 0, err
	}

	var agg logitcmp.Aggregator
	for i, p := range filled {
		if i >= len(preds) {
			break
		}
		result := logitcmp.Compare(p.Logits, preds[i].Logits)
		metrics.LogitComparisonDivergence.Observe(float64(result.Distance))
		if result.Top1Match == 0 {
			metrics.LogitComparisonTop1Mismatches.Inc()
		}
		agg.Push(result)
	}
	return float32(agg.Mean()), nil
}

// ChatVerify is Verify with a chat-formatted prompt.
func (s *Server) ChatVerify(req ChatCompleteRequestParams, resp CompleteResponse, cf *chatformat.ChatFormat, done func(float32, error)) {
	s.submit(func() {
		rendered, err := cf.FormatChat(req.Messages, true)
		if err != nil {
			done(0, err)
			return
		}
		done(s.verify(CompleteRequestParams{
			Prompt:      rendered,
			MaxTokens:   req.MaxTokens,
			Seed:        req.Seed,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		}, resp))
	})
}

func fromTokenData(data []TokenData) []token.Prediction {
	out := make([]token.Prediction, len(data))
	for i, d := range data {
		logits := make(token.DataVector, len(d.Logits))
		for j, l := range d.Logits {
			logits[j] = token.Data{ID: l.ID, Logit: l.Logit}
		}
		out[i] = token.Prediction{Token: d.ID, Logits: logits}
	}
	return out
}

// Model returns the bound Model, for callers that need to discover chat
// params or vocab details.
func (s *Server) Model() *model.Model { return s.model }
