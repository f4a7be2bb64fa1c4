// Package controlvector loads per-layer activation-steering vectors from
// GGUF files and combines them into a single buffer an Instance can hand
// to the backend.
package controlvector

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/basalt-run/blama/internal/gguf"
	"github.com/basalt-run/blama/internal/logger"
)

// LoadInfo names one file to load and the strength to scale its tensors
// by before summing into the combined result.
type LoadInfo struct {
	Path     string
	Strength float32
}

// ControlVector is the combined, layer-indexed steering buffer for a
// model. NEmbd == -1 marks an invalid (unusable) result.
type ControlVector struct {
	NEmbd      int
	Data       []float32
	LayerStart int32
	LayerEnd   int32
}

type fileResult struct {
	nEmbd int
	data  []float32
}

func loadOne(info LoadInfo) fileResult {
	invalid := fileResult{nEmbd: -1}

	f, err := gguf.LoadFile(info.Path)
	if err != nil {
		logger.Log.Error("failed to load control vector file", "path", info.Path, "err", err)
		return invalid
	}
	defer f.Close()

	if len(f.Tensors) == 0 {
		logger.Log.Warn("no direction tensors found in control vector file", "path", info.Path)
	}

	// Logged, not fatal: ValidateTensors assumes tensors are laid out back
	// to back with no inter-tensor alignment slack, which real files don't
	// always honor, so a reported gap isn't conclusive proof of a
	// truncated/corrupt file by itself.
	if issues, _ := gguf.NewMetadataAnalyzer(f).ValidateTensors(); len(issues) > 0 {
		for _, issue := range issues {
			logger.Log.Warn("control vector tensor layout looks unusual", "path", info.Path, "issue", issue)
		}
	}

	result := fileResult{nEmbd: -1}

	for _, t := range f.Tensors {
		dotpos := strings.IndexByte(t.Name, '.')
		layerIdx := -1
		if dotpos >= 0 && t.Name[:dotpos] == "direction" {
			if n, err := strconv.Atoi(t.Name[dotpos+1:]); err == nil {
				layerIdx = n
			}
		}
		if layerIdx <= 0 {
			logger.Log.Error("invalid direction tensor layer index", "path", info.Path, "layer", layerIdx)
			return invalid
		}

		if t.Type != gguf.GGMLTypeF32 {
			logger.Log.Error("non-F32 direction tensor", "path", info.Path, "tensor", t.Name)
			return invalid
		}
		if len(t.Dimensions) != 1 {
			logger.Log.Error("non-1D direction tensor", "path", info.Path, "tensor", t.Name)
			return invalid
		}

		nElements := int(t.Dimensions[0])
		if result.nEmbd == -1 {
			result.nEmbd = nElements
		} else if nElements != result.nEmbd {
			logger.Log.Error("direction tensor dimension mismatch", "path", info.Path, "tensor", t.Name)
			return invalid
		}

		needed := result.nEmbd * layerIdx
		if len(result.data) < needed {
			grown := make([]float32, needed)
			copy(grown, result.data)
			result.data = grown
		}

		src := decodeF32(t.Data, result.nEmbd)
		dst := result.data[result.nEmbd*(layerIdx-1) : result.nEmbd*layerIdx]
		for j := 0; j < result.nEmbd; j++ {
			dst[j] += src[j] * info.Strength
		}
	}

	if result.nEmbd == -1 {
		logger.Log.Warn("skipping file with no valid direction tensors", "path", info.Path)
		return invalid
	}
	return result
}

func decodeF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Load reads infos in order, scaling and summing their direction tensors
// into a single combined buffer covering layers 1 through the highest
// direction layer found in the files. layerStart and layerEnd are only
// recorded on the result; a zero bound takes the default (1 and
// modelLayerCount respectively). Any parse/shape/type error in any file
// invalidates the entire result.
func Load(infos []LoadInfo, modelLayerCount int32, layerStart, layerEnd int32) ControlVector {
	if layerStart <= 0 {
		layerStart = 1
	}
	if layerEnd <= 0 {
		layerEnd = modelLayerCount
	}

	cv := ControlVector{NEmbd: -1, LayerStart: layerStart, LayerEnd: layerEnd}

	for _, info := range infos {
		cur := loadOne(info)
		if cur.nEmbd == -1 {
			cv.NEmbd = -1
			cv.Data = nil
			return cv
		}
		if cv.NEmbd != -1 && cv.NEmbd != cur.nEmbd {
			logger.Log.Error("control vector dimensions do not match previous files", "path", info.Path)
			cv.NEmbd = -1
			cv.Data = nil
			return cv
		}

		if cv.NEmbd == -1 {
			cv.NEmbd = cur.nEmbd
			cv.Data = cur.data
		} else {
			if len(cv.Data) < len(cur.data) {
				grown := make([]float32, len(cur.data))
				copy(grown, cv.Data)
				cv.Data = grown
			}
			for i, v := range cur.data {
				cv.Data[i] += v
			}
		}
	}

	if cv.NEmbd == -1 {
		logger.Log.Error("no valid control vector files passed")
		cv.Data = nil
	}
	return cv
}

// Valid reports whether the combined result can be applied to a context.
func (cv ControlVector) Valid() bool { return cv.NEmbd != -1 && len(cv.Data) > 0 }
