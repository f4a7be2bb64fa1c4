package embeddingsink

import "testing"

func TestMemorySinkPutGetRoundTrip(t *testing.T) {
	sink := NewMemorySink()
	vectors := [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}
	norms := []float32{1.5, 2.5}
	ids := []string{"doc1", "doc2"}

	if err := sink.Put(nil, vectors, norms, ids, map[string]string{"model": "test"}); err != nil {
		t.Fatal(err)
	}

	got, ok := sink.Get("doc1")
	if !ok {
		t.Fatalf("expected a stored batch under key %q", "doc1")
	}
	if len(got) != len(vectors) {
		t.Fatalf("got %d vectors, want %d", len(got), len(vectors))
	}
	for i, v := range got {
		for j, val := range v {
			if val != vectors[i][j] {
				t.Fatalf("vector[%d][%d] = %v, want %v", i, j, val, vectors[i][j])
			}
		}
	}

	gotNorms, ok := sink.GetNorms("doc1")
	if !ok {
		t.Fatalf("expected norms stored under key %q", "doc1")
	}
	for i, n := range gotNorms {
		if n != norms[i] {
			t.Fatalf("norm[%d] = %v, want %v", i, n, norms[i])
		}
	}
}

func TestMemorySinkRejectsEmptyBatch(t *testing.T) {
	sink := NewMemorySink()
	if err := sink.Put(nil, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected an error for an empty batch")
	}
}

func TestMemorySinkRejectsMismatchedNorms(t *testing.T) {
	sink := NewMemorySink()
	vectors := [][]float32{{1, 2}, {3, 4}}
	if err := sink.Put(nil, vectors, []float32{1}, nil, nil); err == nil {
		t.Fatalf("expected an error when norms doesn't match vectors in length")
	}
}

func TestMemorySinkDefaultKeyWhenNoIds(t *testing.T) {
	sink := NewMemorySink()
	vectors := [][]float32{{1, 2}}
	if err := sink.Put(nil, vectors, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.Get("default"); !ok {
		t.Fatalf("expected batch stored under the default key when ids is empty")
	}
	if sink.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", sink.Len())
	}
}

func TestMemorySinkGetMissingKey(t *testing.T) {
	sink := NewMemorySink()
	if _, ok := sink.Get("nope"); ok {
		t.Fatalf("expected no batch stored under an unused key")
	}
	if _, ok := sink.GetNorms("nope"); ok {
		t.Fatalf("expected no norms stored under an unused key")
	}
}

func TestMemorySinkCloseIsNoop(t *testing.T) {
	sink := NewMemorySink()
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
}
