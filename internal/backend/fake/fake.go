// Package fake provides a small deterministic stand-in for the real
// GGUF/llama.cpp-backed transformer runtime. It implements backend.Backend
// with plain Go arithmetic over a synthetic embedding/projection matrix,
// the way mantle's toy package stands in for a real model in kernel tests.
// It exists so Session/Sampler/Instance have something to drive end to end
// without linking an actual tensor runtime, which is treated as an opaque
// external capability.
package fake

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/basalt-run/blama/internal/backend"
)

const (
	tokenBOS    backend.Token = 0
	tokenEOS    backend.Token = 1
	tokenFIMPre backend.Token = 2
	tokenFIMSuf backend.Token = 3
	tokenFIMMid backend.Token = 4
	firstWord   backend.Token = 5
)

// Options configures a synthetic model's shape.
type Options struct {
	VocabSize    int32
	Hidden       int32
	Seed         int64
	HasEncoder   bool
	TrainCtxLen  uint32
	ChatTemplate string
}

func DefaultOptions() Options {
	return Options{
		VocabSize:   2048,
		Hidden:      64,
		Seed:        1,
		TrainCtxLen: 4096,
	}
}

// Backend is a deterministic, CPU-only, pure-Go model: an embedding table
// and a projection matrix filled from a seeded PRNG, plus a handful of
// reserved special tokens. Every method is a closed-form function of its
// inputs, so two Backends built with the same Options behave identically.
type Backend struct {
	opt Options

	emb  [][]float32 // [vocab][hidden]
	proj [][]float32 // [hidden][vocab]
	bias []float32   // [vocab]

	words    []string
	byWord   map[string]backend.Token
	loras    map[string]*loraHandle
	closed   bool
}

type loraHandle struct {
	path string
}

// New builds a synthetic model. Words beyond the reserved special-token
// range are assigned ids deterministically by hashing their text, matching
// the whitespace-splitting fallback tokenizer idiom used for quick
// verification elsewhere in the stack.
func New(opt Options) *Backend {
	if opt.VocabSize <= firstWord {
		opt.VocabSize = firstWord + 256
	}
	if opt.Hidden <= 0 {
		opt.Hidden = 64
	}
	rng := rand.New(rand.NewSource(opt.Seed))

	b := &Backend{
		opt:    opt,
		emb:    make([][]float32, opt.VocabSize),
		proj:   make([][]float32, opt.Hidden),
		bias:   make([]float32, opt.VocabSize),
		words:  make([]string, opt.VocabSize),
		byWord: make(map[string]backend.Token, opt.VocabSize),
		loras:  make(map[string]*loraHandle),
	}

	for i := range b.emb {
		row := make([]float32, opt.Hidden)
		for j := range row {
			row[j] = float32(rng.NormFloat64()) * 0.1
		}
		b.emb[i] = row
	}
	for i := range b.proj {
		row := make([]float32, opt.VocabSize)
		for j := range row {
			row[j] = float32(rng.NormFloat64()) * 0.1
		}
		b.proj[i] = row
	}

	b.words[tokenBOS] = "<s>"
	b.words[tokenEOS] = "</s>"
	b.words[tokenFIMPre] = "<fim_prefix>"
	b.words[tokenFIMSuf] = "<fim_suffix>"
	b.words[tokenFIMMid] = "<fim_middle>"
	for i := firstWord; i < opt.VocabSize; i++ {
		b.words[i] = fmt.Sprintf("tok%d", i)
	}
	for i, w := range b.words {
		b.byWord[w] = backend.Token(i)
	}

	return b
}

func (b *Backend) NTokens() int32 { return b.opt.VocabSize }

// Tokenize splits on whitespace and hashes each piece into the vocabulary,
// the same fallback strategy a naive BPE-less tokenizer uses when it can't
// find an exact entry: deterministic, not linguistically meaningful.
func (b *Backend) Tokenize(text string, addSpecial, parseSpecial bool) []backend.Token {
	var out []backend.Token
	if addSpecial {
		out = append(out, b.BOS())
	}
	word := make([]byte, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		out = append(out, b.hashToken(string(word)))
		word = word[:0]
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			flush()
			continue
		}
		word = append(word, c)
	}
	flush()
	_ = parseSpecial
	return out
}

func (b *Backend) hashToken(word string) backend.Token {
	if id, ok := b.byWord[word]; ok {
		return id
	}
	var h uint32 = 2166136261
	for i := 0; i < len(word); i++ {
		h ^= uint32(word[i])
		h *= 16777619
	}
	span := uint32(b.opt.VocabSize - firstWord)
	return firstWord + backend.Token(h%span)
}

func (b *Backend) TokenToString(t backend.Token, special bool) string {
	if t < 0 || int(t) >= len(b.words) {
		return ""
	}
	if !special && (t == tokenBOS || t == tokenEOS || t == tokenFIMPre || t == tokenFIMSuf || t == tokenFIMMid) {
		return ""
	}
	if t >= firstWord {
		return " " + b.words[t]
	}
	return b.words[t]
}

func (b *Backend) BOS() backend.Token               { return tokenBOS }
func (b *Backend) EOS() backend.Token               { return tokenEOS }
func (b *Backend) FIMPre() backend.Token            { return tokenFIMPre }
func (b *Backend) FIMSuf() backend.Token            { return tokenFIMSuf }
func (b *Backend) FIMMid() backend.Token            { return tokenFIMMid }
func (b *Backend) DecoderStartToken() backend.Token { return tokenBOS }
func (b *Backend) IsEog(t backend.Token) bool       { return t == tokenEOS }

func (b *Backend) TrainCtxLength() uint32 { return b.opt.TrainCtxLen }
func (b *Backend) NEmbd() int32           { return b.opt.Hidden }
func (b *Backend) NLayer() int32          { return 12 }
func (b *Backend) HasEncoder() bool       { return b.opt.HasEncoder }
func (b *Backend) HasDecoder() bool       { return true }
func (b *Backend) ChatTemplate() string   { return b.opt.ChatTemplate }

func (b *Backend) LoadLora(path string) (backend.LoraHandle, error) {
	h := &loraHandle{path: path}
	b.loras[path] = h
	return h, nil
}

func (b *Backend) Close() error {
	b.closed = true
	return nil
}

func (b *Backend) NewContext(params backend.ContextParams) (backend.Context, error) {
	if params.CtxSize == 0 {
		params.CtxSize = b.opt.TrainCtxLen
	}
	if params.BatchSize == 0 {
		params.BatchSize = 2048
	}
	return &context{be: b, params: params}, nil
}

type cacheEntry struct {
	tok backend.Token
	pos uint32
}

type context struct {
	be     *Backend
	params backend.ContextParams

	cache []cacheEntry
	batch []float32 // flattened logits for the most recent Decode/Encode call
	nRows int

	loraScale     map[*loraHandle]float32
	cvData        []float32
	cvNEmbd       int32
	cvLayerStart  int32
	cvLayerEnd    int32
}

func (c *context) CtxLen() uint32    { return c.params.CtxSize }
func (c *context) BatchSize() uint32 { return c.params.BatchSize }

func (c *context) nextPos() uint32 {
	var max uint32
	found := false
	for _, e := range c.cache {
		if !found || e.pos >= max {
			max = e.pos
			found = true
		}
	}
	if !found {
		return 0
	}
	return max + 1
}

func (c *context) Encode(tokens []backend.Token) error {
	return c.Decode(tokens)
}

func (c *context) Decode(tokens []backend.Token) error {
	if len(tokens) == 0 {
		return fmt.Errorf("fake backend: decode called with no tokens")
	}
	vocab := int(c.be.opt.VocabSize)
	c.batch = make([]float32, len(tokens)*vocab)
	c.nRows = len(tokens)

	pos := c.nextPos()
	for i, t := range tokens {
		c.cache = append(c.cache, cacheEntry{tok: t, pos: pos})
		pos++
		row := c.computeLogits()
		copy(c.batch[i*vocab:(i+1)*vocab], row)
	}
	return nil
}

// computeLogits folds the whole cache (ordered by position) through the
// embedding table and projection matrix; a control vector, if attached,
// is added to the hidden state before projection.
func (c *context) computeLogits() []float32 {
	hidden := make([]float32, c.be.opt.Hidden)

	ordered := append([]cacheEntry(nil), c.cache...)
	sortByPos(ordered)

	const decay = float32(0.92)
	for _, e := range ordered {
		row := c.be.emb[e.tok]
		for j := range hidden {
			hidden[j] = hidden[j]*decay + row[j]
		}
	}

	if c.cvData != nil && c.cvNEmbd == c.be.opt.Hidden {
		layer := c.cvLayerStart
		if layer < 1 {
			layer = 1
		}
		off := int(layer-1) * int(c.cvNEmbd)
		if off >= 0 && off+int(c.cvNEmbd) <= len(c.cvData) {
			seg := c.cvData[off : off+int(c.cvNEmbd)]
			for j := range hidden {
				hidden[j] += seg[j]
			}
		}
	}

	vocab := int(c.be.opt.VocabSize)
	logits := make([]float32, vocab)
	for j := 0; j < vocab; j++ {
		var sum float32
		for i, hv := range hidden {
			sum += hv * c.be.proj[i][j]
		}
		logits[j] = sum + c.be.bias[j]
	}
	return logits
}

func sortByPos(e []cacheEntry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j-1].pos > e[j].pos; j-- {
			e[j-1], e[j] = e[j], e[j-1]
		}
	}
}

func (c *context) Logits(i int) []float32 {
	vocab := int(c.be.opt.VocabSize)
	if c.nRows == 0 {
		return make([]float32, vocab)
	}
	if i < 0 {
		i = c.nRows - 1
	}
	if i >= c.nRows {
		i = c.nRows - 1
	}
	out := make([]float32, vocab)
	copy(out, c.batch[i*vocab:(i+1)*vocab])
	return out
}

func (c *context) KVCacheClear() {
	c.cache = nil
}

func (c *context) KVCacheSeqRm(p0, p1 uint32) {
	kept := c.cache[:0]
	for _, e := range c.cache {
		if e.pos >= p0 && e.pos < p1 {
			continue
		}
		kept = append(kept, e)
	}
	c.cache = kept
}

func (c *context) KVCacheSeqAdd(p0, p1 uint32, delta int32) {
	for i := range c.cache {
		if c.cache[i].pos >= p0 && c.cache[i].pos < p1 {
			c.cache[i].pos = uint32(int64(c.cache[i].pos) + int64(delta))
		}
	}
}

func (c *context) KVCacheSeqDiv(p0, p1 uint32, factor uint32) {
	if factor == 0 {
		factor = 1
	}
	for i := range c.cache {
		if c.cache[i].pos >= p0 && c.cache[i].pos < p1 {
			c.cache[i].pos /= factor
		}
	}
}

func (c *context) StateSize() uint64 {
	return uint64(4 + len(c.cache)*8)
}

func (c *context) StateData() ([]byte, error) {
	buf := make([]byte, c.StateSize())
	binary.LittleEndian.PutUint32(buf, uint32(len(c.cache)))
	off := 4
	for _, e := range c.cache {
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.tok))
		binary.LittleEndian.PutUint32(buf[off+4:], e.pos)
		off += 8
	}
	return buf, nil
}

func (c *context) SetStateData(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("fake backend: state blob too small")
	}
	n := binary.LittleEndian.Uint32(data)
	want := 4 + int(n)*8
	if len(data) != want {
		return fmt.Errorf("fake backend: state blob size mismatch: got %d, want %d", len(data), want)
	}
	cache := make([]cacheEntry, n)
	off := 4
	for i := range cache {
		cache[i] = cacheEntry{
			tok: backend.Token(binary.LittleEndian.Uint32(data[off:])),
			pos: binary.LittleEndian.Uint32(data[off+4:]),
		}
		off += 8
	}
	c.cache = cache
	return nil
}

func (c *context) SetAdapterLora(h backend.LoraHandle, scale float32) {
	if c.loraScale == nil {
		c.loraScale = make(map[*loraHandle]float32)
	}
	if lh, ok := h.(*loraHandle); ok {
		c.loraScale[lh] = scale
	}
}

func (c *context) ClearAdapterLora() {
	c.loraScale = nil
}

func (c *context) ApplyControlVector(data []float32, nEmbd int32, layerStart, layerEnd int32) error {
	if len(data) == 0 {
		c.cvData = nil
		return nil
	}
	if nEmbd <= 0 || int(nEmbd) > len(data) {
		return fmt.Errorf("fake backend: invalid control vector embedding size %d", nEmbd)
	}
	c.cvData = data
	c.cvNEmbd = nEmbd
	c.cvLayerStart = layerStart
	c.cvLayerEnd = layerEnd
	return nil
}

func (c *context) Embeddings(i int) []float32 {
	// Pool: mean of cached embedding rows, a stand-in for a real pooled
	// sequence embedding.
	n := int(c.be.opt.Hidden)
	out := make([]float32, n)
	if len(c.cache) == 0 {
		return out
	}
	for _, e := range c.cache {
		row := c.be.emb[e.tok]
		for j := 0; j < n; j++ {
			out[j] += row[j]
		}
	}
	inv := float32(1) / float32(len(c.cache))
	for j := range out {
		out[j] *= inv
	}
	_ = i
	return out
}

func (c *context) Synchronize() {}
func (c *context) PerfReset()   {}
func (c *context) Close()       { c.cache = nil }
