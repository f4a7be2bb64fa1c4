package embedding

import (
	"math"
	"testing"

	"github.com/basalt-run/blama/internal/backend/fake"
	"github.com/basalt-run/blama/internal/embeddingsink"
	"github.com/basalt-run/blama/internal/model"
	"github.com/basalt-run/blama/internal/token"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	opt := fake.DefaultOptions()
	opt.VocabSize = 64
	opt.Hidden = 16
	opt.TrainCtxLen = 64
	be := fake.New(opt)
	m := model.New(be, model.DefaultParams())

	inst, err := New(m, InitParams{CtxSize: 64, BatchSize: 16, UBatchSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestGetEmbeddingRejectsEmptyPrompt(t *testing.T) {
	inst := newTestInstance(t)
	if _, err := inst.GetEmbedding(nil, NormNone); err == nil {
		t.Fatalf("expected an error for an empty prompt")
	}
}

func TestGetEmbeddingDimMatchesModel(t *testing.T) {
	inst := newTestInstance(t)
	vec, err := inst.GetEmbedding([]token.Token{5, 6, 7}, NormNone)
	if err != nil {
		t.Fatal(err)
	}
	if int32(len(vec)) != inst.Dim() {
		t.Fatalf("len(vec) = %d, want %d", len(vec), inst.Dim())
	}
}

func TestGetEmbeddingEuclideanNormIsUnitLength(t *testing.T) {
	inst := newTestInstance(t)
	vec, err := inst.GetEmbedding([]token.Token{5, 6, 7, 8}, NormEuclidean)
	if err != nil {
		t.Fatal(err)
	}

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1.0) > 1e-4 {
		t.Fatalf("euclidean-normalized vector has norm %v, want ~1.0", norm)
	}
}

func TestGetEmbeddingNormalizationPreservesLength(t *testing.T) {
	inst := newTestInstance(t)
	none, err := inst.GetEmbedding([]token.Token{5, 6}, NormNone)
	if err != nil {
		t.Fatal(err)
	}
	euclidean, err := inst.GetEmbedding([]token.Token{5, 6}, NormEuclidean)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != len(euclidean) {
		t.Fatalf("normalization must not change vector length")
	}
}

func TestGetEmbeddingPNormAcceptsArbitraryPositiveExponent(t *testing.T) {
	inst := newTestInstance(t)
	if _, err := inst.GetEmbedding([]token.Token{5, 6}, 4); err != nil {
		t.Fatal(err)
	}
}

func TestExportPutsOneBatchIntoSink(t *testing.T) {
	inst := newTestInstance(t)
	sink := embeddingsink.NewMemorySink()

	prompts := [][]token.Token{{5, 6}, {7, 8, 9}}
	ids := []string{"doc1", "doc2"}

	if err := inst.Export(nil, sink, prompts, ids, NormEuclidean, map[string]string{"model": "test"}); err != nil {
		t.Fatal(err)
	}

	vectors, ok := sink.Get("doc1")
	if !ok {
		t.Fatalf("expected Export to store a batch under %q", "doc1")
	}
	if len(vectors) != len(prompts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(prompts))
	}
	for _, v := range vectors {
		if int32(len(v)) != inst.Dim() {
			t.Fatalf("exported vector has dim %d, want %d", len(v), inst.Dim())
		}
	}

	norms, ok := sink.GetNorms("doc1")
	if !ok || len(norms) != len(prompts) {
		t.Fatalf("expected %d norms stored alongside the vectors, got %v (ok=%v)", len(prompts), norms, ok)
	}
}

func TestExportRejectsEmptyPromptBatch(t *testing.T) {
	inst := newTestInstance(t)
	sink := embeddingsink.NewMemorySink()
	if err := inst.Export(nil, sink, nil, nil, NormNone, nil); err == nil {
		t.Fatalf("expected an error for an empty prompt batch")
	}
}

func TestNewRejectsEncoderDecoderModel(t *testing.T) {
	opt := fake.DefaultOptions()
	opt.HasEncoder = true
	be := fake.New(opt)
	m := model.New(be, model.DefaultParams())
	if !m.HasEncoder() || !m.HasDecoder() {
		t.Skip("fake backend does not model a true encoder-decoder split; nothing to assert here")
	}
	if _, err := New(m, DefaultInitParams()); err == nil {
		t.Fatalf("expected construction to fail for an encoder-decoder model")
	}
}
