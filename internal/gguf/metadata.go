package gguf

import "fmt"

// MetadataAnalyzer runs sanity checks over a parsed GGUFFile's tensor
// table. Kept from the teacher's broader model-introspection tool,
// trimmed to the one check this module actually has a caller for:
// controlvector.loadOne runs ValidateTensors and logs any issues it
// reports as warnings; decoding of the tensor data goes ahead regardless.
type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

// ValidateTensors checks that each tensor's declared offset matches the
// expected cumulative offset computed from the tensor table's order and
// each tensor's SizeBytes, and that every tensor's type has a known
// size. Offsets are relative to the start of the data section, so the
// first tensor is expected at 0. It assumes tensors are laid out back to
// back with no inter-tensor alignment slack, so a reported issue is a
// signal worth logging, not proof the file is unusable.
func (a *MetadataAnalyzer) ValidateTensors() ([]string, error) {
	var issues []string

	expectedOffset := uint64(0)
	for i, t := range a.file.Tensors {
		if t.Offset != expectedOffset {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): expected offset %d, got %d",
					i, t.Name, expectedOffset, t.Offset))
		}

		expectedSize := t.SizeBytes()
		if expectedSize == 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): unknown size for type %s",
					i, t.Name, t.Type))
		}

		expectedOffset += expectedSize
	}

	return issues, nil
}
