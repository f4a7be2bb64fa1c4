// Package token defines the small value types that flow between the
// vocabulary, sampler, and session layers.
package token

import "github.com/basalt-run/blama/internal/backend"

// Token is a vocabulary index.
type Token = backend.Token

// Invalid is the sentinel returned where no token is available.
const Invalid Token = backend.TokenInvalid

// Data pairs a token id with its logit and (usually post-softmax)
// probability, as produced by a step of the sampler chain.
type Data struct {
	ID    Token
	Logit float32
	Prob  float32
}

// DataVector is an ordered candidate list; index 0 is the sampler chain's
// current "top" choice. Probabilities may be unnormalized unless a softmax
// step has run.
type DataVector []Data

// Prediction is one generated step: the token chosen and the distribution
// the sampler saw immediately before choosing it.
type Prediction struct {
	Token  Token
	Logits DataVector
}
