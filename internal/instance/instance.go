// Package instance binds a Model to one backend decode context, owning
// its Sampler and hosting at most one live Session at a time.
package instance

import (
	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/blerr"
	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/lora"
	"github.com/basalt-run/blama/internal/model"
	"github.com/basalt-run/blama/internal/sampler"
	"github.com/basalt-run/blama/internal/session"
	"github.com/basalt-run/blama/internal/token"
)

// InitParams are the backend context construction knobs.
type InitParams struct {
	CtxSize    uint32 // 0 = model max
	BatchSize  uint32 // default 2048
	UBatchSize uint32 // default 512
	FlashAttn  bool
	Grammar    string
}

// DefaultInitParams returns the spec defaults.
func DefaultInitParams() InitParams {
	return InitParams{BatchSize: 2048, UBatchSize: 512}
}

// Instance owns a decode context bound to a Model, its Sampler, and at
// most one live Session.
type Instance struct {
	model   *model.Model
	ctx     backend.Context
	sampler *sampler.Sampler

	sess *session.Session
}

// New creates a decode context bound to model with the backend params
// derived from params, and builds the Instance's Sampler.
func New(m *model.Model, params InitParams) (*Instance, error) {
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
	})
	if err != nil {
		return nil, blerr.Backendf(err, "failed to create decode context")
	}

	sp := sampler.DefaultParams()
	sp.Grammar = params.Grammar
	smp, err := sampler.New(sp, nil)
	if err != nil {
		return nil, err
	}

	ctxLen := ctx.CtxLen()
	ctxTrain := m.TrainCtxLength()
	if ctxLen > ctxTrain {
		logger.Log.Warn("requested context length exceeds the model's training context length", "ctxLen", ctxLen, "ctxTrain", ctxTrain)
	}

	return &Instance{model: m, ctx: ctx, sampler: smp}, nil
}

// Model returns the bound Model.
func (inst *Instance) Model() *model.Model { return inst.model }

// AddLora attaches a LoRA adapter with the given scale, rejecting adapters
// loaded against a different model.
func (inst *Instance) AddLora(adapter *lora.Adapter, scale float32) error {
	if adapter.Model() != inst.model.Backend() {
		return blerr.Configf("lora adapter model does not match the instance model")
	}
	inst.ctx.SetAdapterLora(adapter.Handle(), scale)
	return nil
}

// ClearLoraState detaches all LoRA adapters.
func (inst *Instance) ClearLoraState() { inst.ctx.ClearAdapterLora() }

// AddControlVector propagates a combined control vector's layer range and
// data to the backend context.
func (inst *Instance) AddControlVector(data []float32, nEmbd int32, layerStart, layerEnd int32) error {
	if err := inst.ctx.ApplyControlVector(data, nEmbd, layerStart, layerEnd); err != nil {
		return blerr.Backendf(err, "failed to apply control vectors")
	}
	return nil
}

// Warmup runs a minimal forward pass on {BOS, EOS} (or {0} if the model
// has neither) to prime caches, then clears the KV cache and perf
// counters it used.
func (inst *Instance) Warmup() error {
	logger.Log.Info("running warmup")

	v := inst.model.Vocab()
	var tmp []token.Token
	if bos := v.BOS(); bos != backend.TokenInvalid {
		tmp = append(tmp, bos)
	}
	if eos := v.EOS(); eos != backend.TokenInvalid {
		tmp = append(tmp, eos)
	}
	if len(tmp) == 0 {
		tmp = append(tmp, 0)
	}

	if inst.model.HasEncoder() {
		if err := inst.ctx.Encode(tmp); err != nil {
			return blerr.Backendf(err, "warmup encode failed")
		}
		start := v.DecoderStartToken()
		tmp = []token.Token{start}
	}

	if err := inst.ctx.Decode(tmp); err != nil {
		return blerr.Backendf(err, "warmup decode failed")
	}

	inst.ctx.KVCacheClear()
	inst.ctx.Synchronize()
	inst.ctx.PerfReset()
	return nil
}

// StartSession creates the Instance's sole Session, failing if one is
// already live.
func (inst *Instance) StartSession(params session.InitParams) (*session.Session, error) {
	if inst.sess != nil {
		return nil, blerr.Phasef("session is already started; stop it to start a new one")
	}

	sess, err := session.New(session.Deps{
		Ctx:                 inst.ctx,
		Vocab:               inst.model.Vocab(),
		Sampler:             inst.sampler,
		HasEncoder:          inst.model.HasEncoder(),
		PrefixInputsWithBos: inst.model.PrefixInputsWithBos(),
	}, params)
	if err != nil {
		return nil, err
	}

	inst.sess = sess
	return sess, nil
}

// StopSession terminates the current Session, flushing any pending token.
func (inst *Instance) StopSession() {
	if inst.sess == nil {
		return
	}
	inst.sess.Close()
	inst.sess = nil
}

// Session returns the current live Session, or nil if none.
func (inst *Instance) Session() *session.Session { return inst.sess }

// ResetSampler replaces the Instance's sampler, discarding its state.
func (inst *Instance) ResetSampler(p sampler.Params) error {
	smp, err := sampler.New(p, nil)
	if err != nil {
		return err
	}
	inst.sampler = smp
	return nil
}

// Sampler returns the Instance's current Sampler.
func (inst *Instance) Sampler() *sampler.Sampler { return inst.sampler }

// Close releases the decode context.
func (inst *Instance) Close() {
	if inst.sess != nil {
		inst.sess.Close()
		inst.sess = nil
	}
	inst.ctx.Close()
}
