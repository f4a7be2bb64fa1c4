// Package model owns a loaded backend model handle together with its
// params and Vocab, matching Session/Instance's view of "the weights".
package model

import (
	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/vocab"
)

// Params mirror the backend load-time knobs a caller controls.
type Params struct {
	GPU                 bool
	VocabOnly           bool
	PrefixInputsWithBos bool
}

// DefaultParams returns the spec defaults: GPU enabled, full tensor load,
// no automatic BOS prefixing on interactive input.
func DefaultParams() Params {
	return Params{GPU: true}
}

// LoadProgressFunc is invoked with progress in [0,1] during loading.
// Returning false is not part of the contract; loading always continues
// regardless of the callback's return value.
type LoadProgressFunc func(progress float32)

// Model owns a backend handle loaded from a GGUF file.
type Model struct {
	params Params
	b      backend.Backend
	vocab  *vocab.Vocab
}

// New wraps an already-constructed backend with params, matching the
// shape a real GGUF-loading constructor would return.
func New(b backend.Backend, params Params) *Model {
	return &Model{params: params, b: b, vocab: vocab.New(b)}
}

func (m *Model) Params() Params        { return m.params }
func (m *Model) Backend() backend.Backend { return m.b }
func (m *Model) Vocab() *vocab.Vocab   { return m.vocab }

// TrainCtxLength returns the model's trained context length.
func (m *Model) TrainCtxLength() uint32 { return m.b.TrainCtxLength() }

// ShouldAddBosToken reports whether the model's tokenizer conventionally
// prepends BOS to a fresh sequence.
func (m *Model) ShouldAddBosToken() bool { return m.b.BOS() != backend.TokenInvalid }

// HasEncoder reports whether this is an encoder-decoder model.
func (m *Model) HasEncoder() bool { return m.b.HasEncoder() }

// HasDecoder reports whether the model exposes a decoder path.
func (m *Model) HasDecoder() bool { return m.b.HasDecoder() }

// PrefixInputsWithBos reports the load-time Params flag controlling
// whether interactive pushPrompt input gets an automatic BOS prefix.
func (m *Model) PrefixInputsWithBos() bool { return m.params.PrefixInputsWithBos }

// NLayer returns the model's transformer layer count.
func (m *Model) NLayer() int32 { return m.b.NLayer() }

// NEmbd returns the model's embedding dimension.
func (m *Model) NEmbd() int32 { return m.b.NEmbd() }

// ChatTemplateID returns the model metadata's chat template identifier,
// falling back to "chatml" when the model provides none.
func (m *Model) ChatTemplateID() string {
	if t := m.b.ChatTemplate(); t != "" {
		return t
	}
	return "chatml"
}
