// Package embedding hosts a decode context dedicated to extracting and
// normalizing embedding vectors, as distinct from Instance's
// token-generation context.
package embedding

import (
	"context"
	"math"

	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/blerr"
	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/model"
	"github.com/basalt-run/blama/internal/token"
)

// InitParams are the backend context construction knobs for an Instance
// dedicated to embeddings.
type InitParams struct {
	CtxSize    uint32
	BatchSize  uint32
	UBatchSize uint32
	FlashAttn  bool
}

// DefaultInitParams returns the spec defaults.
func DefaultInitParams() InitParams {
	return InitParams{BatchSize: 2048, UBatchSize: 512}
}

// Instance owns a decode context constructed with pooling enabled, bound
// to a Model that must not be an encoder-decoder model.
type Instance struct {
	model *model.Model
	ctx   backend.Context
}

// New creates an embedding-pooling decode context bound to m, rejecting
// encoder-decoder models since llama.cpp-style embedding extraction is
// undefined for them.
func New(m *model.Model, params InitParams) (*Instance, error) {
	if m.HasEncoder() && m.HasDecoder() {
		return nil, blerr.Configf("computing embeddings on encoder-decoder models is not supported")
	}

	if params.BatchSize == 0 {
		params.BatchSize = 2048
	}
	if params.UBatchSize == 0 {
		params.UBatchSize = 512
	}

	ctx, err := m.Backend().NewContext(backend.ContextParams{
		CtxSize:    params.CtxSize,
		BatchSize:  params.BatchSize,
		UBatchSize: params.UBatchSize,
		FlashAttn:  params.FlashAttn,
		Embeddings: true,
	})
	if err != nil {
		return nil, blerr.Backendf(err, "failed to create embedding context")
	}

	ctxLen := ctx.CtxLen()
	ctxTrain := m.TrainCtxLength()
	if ctxLen > ctxTrain {
		logger.Log.Warn("requested context length exceeds the model's training context length", "ctxLen", ctxLen, "ctxTrain", ctxTrain)
	}

	return &Instance{model: m, ctx: ctx}, nil
}

// Model returns the bound Model.
func (inst *Instance) Model() *model.Model { return inst.model }

// Dim returns the model's embedding dimension.
func (inst *Instance) Dim() int32 { return inst.model.NEmbd() }

// Close releases the decode context.
func (inst *Instance) Close() { inst.ctx.Close() }

// normKind selects how GetEmbedding scales the raw vector before return.
//
//	-1: identity, no scaling
//	 0: divide by the max absolute component, scaled to an int16 range
//	 2: divide by the Euclidean (L2) norm
//	other: divide by the p-norm for p == normKind
type normKind = int32

const (
	NormNone      normKind = -1
	NormMaxAbs    normKind = 0
	NormEuclidean normKind = 2
)

// normalize scales in according to kind, returning both the scaled
// vector and the divisor (sum) it was scaled by — the quantity a
// consumer needs to recover the raw vector from the normalized one.
func normalize(in []float32, kind normKind) ([]float32, float32) {
	n := len(in)
	out := make([]float32, n)

	sum := 1.0
	switch kind {
	case NormNone:
		sum = 1.0
	case NormMaxAbs:
		sum = 0.0
		for _, v := range in {
			if a := math.Abs(float64(v)); a > sum {
				sum = a
			}
		}
		sum /= 32760.0
	case NormEuclidean:
		sum = 0.0
		for _, v := range in {
			sum += float64(v) * float64(v)
		}
		sum = math.Sqrt(sum)
	default:
		p := float64(kind)
		sum = 0.0
		for _, v := range in {
			sum += math.Pow(math.Abs(float64(v)), p)
		}
		sum = math.Pow(sum, 1.0/p)
	}

	norm := float32(0.0)
	if sum > 0.0 {
		norm = float32(1.0 / sum)
	}
	for i, v := range in {
		out[i] = v * norm
	}
	return out, float32(sum)
}

// GetEmbedding runs prompt through the context as a single sequence and
// returns its normalized embedding vector. For encoder-only models this
// runs the encoder path; for decoder-only models, the decoder path.
func (inst *Instance) GetEmbedding(prompt []token.Token, norm normKind) ([]float32, error) {
	vec, _, err := inst.getEmbedding(prompt, norm)
	return vec, err
}

func (inst *Instance) getEmbedding(prompt []token.Token, norm normKind) ([]float32, float32, error) {
	if len(prompt) == 0 {
		return nil, 0, blerr.Dataf("cannot embed an empty prompt")
	}

	inst.ctx.KVCacheClear()

	var err error
	switch {
	case inst.model.HasEncoder() && !inst.model.HasDecoder():
		err = inst.ctx.Encode(prompt)
	case !inst.model.HasEncoder() && inst.model.HasDecoder():
		err = inst.ctx.Decode(prompt)
	default:
		err = inst.ctx.Decode(prompt)
	}
	if err != nil {
		return nil, 0, blerr.Backendf(err, "failed to run forward pass for embedding extraction")
	}

	raw := inst.ctx.Embeddings(0)
	if raw == nil {
		return nil, 0, blerr.Backendf(nil, "backend returned no embeddings for the requested sequence")
	}

	vec, scale := normalize(raw, norm)
	return vec, scale, nil
}

// Export computes one embedding per prompt (paired with ids, in order)
// and hands the batch to sink in one Put call, alongside each vector's
// normalization divisor. This is the concrete driver for an external
// embedding sink named in the module's domain-stack wiring: sink is an
// embeddingsink.Sink (or test double satisfying the same shape), kept
// as an interface parameter here so this package has no import-time
// dependency on the Arrow/Flight stack.
func (inst *Instance) Export(ctx context.Context, sink Sink, prompts [][]token.Token, ids []string, norm normKind, metadata map[string]string) error {
	if len(prompts) == 0 {
		return blerr.Dataf("cannot export an empty embedding batch")
	}

	vectors := make([][]float32, len(prompts))
	norms := make([]float32, len(prompts))
	for i, p := range prompts {
		vec, scale, err := inst.getEmbedding(p, norm)
		if err != nil {
			return err
		}
		vectors[i] = vec
		norms[i] = scale
	}

	return sink.Put(ctx, vectors, norms, ids, metadata)
}

// Sink is the subset of embeddingsink.Sink that Export drives.
type Sink interface {
	Put(ctx context.Context, vectors [][]float32, norms []float32, ids []string, metadata map[string]string) error
}
