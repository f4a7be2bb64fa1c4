// Package backend defines the seam between BLAMA and the opaque transformer
// runtime that actually loads GGUF tensors and runs forward passes. Nothing
// in this package does tensor math; it only describes the capability the
// rest of the module depends on, the way llama.cpp's C API is wrapped by a
// thin Go surface.
package backend

// Token is a vocabulary index. -1 is reserved by callers as "no token".
type Token = int32

const TokenInvalid Token = -1

// ContextParams mirrors the llama.cpp context construction knobs that
// Instance/Embedding instance need control over.
type ContextParams struct {
	CtxSize    uint32
	BatchSize  uint32
	UBatchSize uint32
	FlashAttn  bool
	Embeddings bool
}

// LoraHandle identifies a loaded LoRA adapter inside a backend. It is opaque
// to callers; only the backend that produced it can apply or free it.
type LoraHandle interface{}

// Backend owns a loaded model (vocab + weights) and can spawn decode
// contexts bound to it. A single Backend may back many Contexts, mirroring
// llama_model being shared read-only across llama_context instances.
type Backend interface {
	// NTokens returns the size of the vocabulary.
	NTokens() int32
	Tokenize(text string, addSpecial, parseSpecial bool) []Token
	TokenToString(t Token, special bool) string

	BOS() Token
	EOS() Token
	FIMPre() Token
	FIMSuf() Token
	FIMMid() Token
	DecoderStartToken() Token
	IsEog(t Token) bool

	TrainCtxLength() uint32
	NEmbd() int32
	NLayer() int32
	HasEncoder() bool
	HasDecoder() bool
	ChatTemplate() string

	LoadLora(path string) (LoraHandle, error)

	NewContext(params ContextParams) (Context, error)

	Close() error
}

// Context is one decode session's worth of KV-cache state bound to a
// Backend's model, mirroring llama_context.
type Context interface {
	CtxLen() uint32
	BatchSize() uint32

	// Encode runs the encoder half of an encoder-decoder model.
	Encode(tokens []Token) error
	// Decode appends tokens to the KV cache and computes logits for the
	// batch's last token (or the full batch when Embeddings is active).
	Decode(tokens []Token) error

	// Logits returns the full-vocabulary logit row for the i-th token of
	// the most recent Decode/Encode call. i == -1 means the last token.
	Logits(i int) []float32

	KVCacheClear()
	// KVCacheSeqRm removes cached positions [p0, p1) from sequence 0.
	KVCacheSeqRm(p0, p1 uint32)
	// KVCacheSeqAdd shifts cached positions [p0, p1) by delta.
	KVCacheSeqAdd(p0, p1 uint32, delta int32)
	// KVCacheSeqDiv divides cached positions [p0, p1) by factor.
	KVCacheSeqDiv(p0, p1 uint32, factor uint32)

	StateSize() uint64
	StateData() ([]byte, error)
	SetStateData(data []byte) error

	SetAdapterLora(h LoraHandle, scale float32)
	ClearAdapterLora()
	ApplyControlVector(data []float32, nEmbd int32, layerStart, layerEnd int32) error

	// Embeddings returns the pooled or per-token embedding for slot i of
	// the most recent Decode/Encode call, depending on the context's
	// pooling mode.
	Embeddings(i int) []float32

	Synchronize()
	PerfReset()

	Close()
}
