package controlvector

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/basalt-run/blama/internal/gguf"
)

// buildDirectionGGUF assembles a minimal GGUF file holding a single
// "direction.<layer>" F32 tensor, matching the layout Load expects to
// find in a real control-vector file.
func buildDirectionGGUF(t *testing.T, layer int, values []float32) string {
	t.Helper()
	var buf bytes.Buffer

	putU32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	putU64 := func(v uint64) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	putStr := func(s string) {
		putU64(uint64(len(s)))
		buf.WriteString(s)
	}

	putU32(gguf.GGUFMagic)
	putU32(gguf.GGUFVersion)
	putU64(1) // tensor count
	putU64(0) // kv count

	name := "direction." + strconv.Itoa(layer)
	putStr(name)
	putU32(1) // 1 dimension
	putU64(uint64(len(values)))
	putU32(uint32(gguf.GGMLTypeF32))
	putU64(0) // tensor offset relative to data start

	for buf.Len()%32 != 0 {
		buf.WriteByte(0)
	}
	for _, f := range values {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(f))
	}

	path := filepath.Join(t.TempDir(), "direction.gguf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSingleLayerFileProducesValidResult(t *testing.T) {
	path := buildDirectionGGUF(t, 1, []float32{1, 2, 3, 4})

	cv := Load([]LoadInfo{{Path: path, Strength: 1.0}}, 32, 0, 0)
	if !cv.Valid() {
		t.Fatalf("expected a well-formed single-layer file to produce a valid result")
	}
	if cv.NEmbd != 4 {
		t.Fatalf("NEmbd = %d, want 4", cv.NEmbd)
	}
	if len(cv.Data) != 4 {
		t.Fatalf("len(Data) = %d, want 4", len(cv.Data))
	}
	want := []float32{1, 2, 3, 4}
	for i, v := range want {
		if cv.Data[i] != v {
			t.Errorf("Data[%d] = %v, want %v", i, cv.Data[i], v)
		}
	}
}

func TestLoadScalesByStrength(t *testing.T) {
	path := buildDirectionGGUF(t, 1, []float32{1, 2, 3, 4})

	cv := Load([]LoadInfo{{Path: path, Strength: 2.0}}, 32, 0, 0)
	if !cv.Valid() {
		t.Fatalf("expected a valid result")
	}
	want := []float32{2, 4, 6, 8}
	for i, v := range want {
		if cv.Data[i] != v {
			t.Errorf("Data[%d] = %v, want %v", i, cv.Data[i], v)
		}
	}
}

func TestLoadEmptyInfosIsInvalid(t *testing.T) {
	cv := Load(nil, 32, 0, 0)
	if cv.Valid() {
		t.Fatalf("expected an empty LoadInfo list to produce an invalid result")
	}
}

func TestLoadDefaultsLayerRange(t *testing.T) {
	cv := Load(nil, 32, 0, 0)
	if cv.LayerStart != 1 {
		t.Fatalf("LayerStart = %d, want 1", cv.LayerStart)
	}
	if cv.LayerEnd != 32 {
		t.Fatalf("LayerEnd = %d, want 32", cv.LayerEnd)
	}
}

func TestLoadExplicitLayerRangePreserved(t *testing.T) {
	cv := Load(nil, 32, 3, 10)
	if cv.LayerStart != 3 || cv.LayerEnd != 10 {
		t.Fatalf("layer range = [%d,%d], want [3,10]", cv.LayerStart, cv.LayerEnd)
	}
}

func TestLoadMissingFileIsInvalid(t *testing.T) {
	cv := Load([]LoadInfo{{Path: "/nonexistent/control-vector.gguf", Strength: 1.0}}, 32, 0, 0)
	if cv.Valid() {
		t.Fatalf("expected a missing file to invalidate the result")
	}
	if cv.NEmbd != -1 {
		t.Fatalf("NEmbd = %d, want -1", cv.NEmbd)
	}
}
