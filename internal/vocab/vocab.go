// Package vocab wraps a backend's tokenizer surface with the small set of
// conveniences Session and ChatFormat need: decoder-start resolution and
// string conversion, without exposing the full Backend interface.
package vocab

import "github.com/basalt-run/blama/internal/backend"

// Vocab is a thin read-only view over a Backend's vocabulary.
type Vocab struct {
	b backend.Backend
}

// New wraps b.
func New(b backend.Backend) *Vocab { return &Vocab{b: b} }

// Tokenize converts text to tokens.
func (v *Vocab) Tokenize(text string, addSpecial, parseSpecial bool) []backend.Token {
	return v.b.Tokenize(text, addSpecial, parseSpecial)
}

// TokenToString detokenizes a single token.
func (v *Vocab) TokenToString(t backend.Token, special bool) string {
	return v.b.TokenToString(t, special)
}

// DecoderStartToken returns the dedicated decoder-start token, falling
// back to BOS when the model declares none.
func (v *Vocab) DecoderStartToken() backend.Token {
	if t := v.b.DecoderStartToken(); t != backend.TokenInvalid {
		return t
	}
	return v.b.BOS()
}

// IsEog reports whether t is an end-of-generation token.
func (v *Vocab) IsEog(t backend.Token) bool { return v.b.IsEog(t) }

// NTokens returns the vocabulary size.
func (v *Vocab) NTokens() int32 { return v.b.NTokens() }

func (v *Vocab) BOS() backend.Token    { return v.b.BOS() }
func (v *Vocab) EOS() backend.Token    { return v.b.EOS() }
func (v *Vocab) FIMPre() backend.Token { return v.b.FIMPre() }
func (v *Vocab) FIMSuf() backend.Token { return v.b.FIMSuf() }
func (v *Vocab) FIMMid() backend.Token { return v.b.FIMMid() }
