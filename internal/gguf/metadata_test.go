package gguf

import "testing"

func TestValidateTensorsNoIssuesOnEmptyFile(t *testing.T) {
	file := &GGUFFile{
		KV:         make(map[string]interface{}),
		Tensors:    make([]*TensorInfo, 0),
		DataOffset: 0,
	}

	analyzer := NewMetadataAnalyzer(file)
	issues, err := analyzer.ValidateTensors()
	if err != nil {
		t.Fatalf("ValidateTensors failed: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("Expected no issues, got: %v", issues)
	}
}

func TestValidateTensorsFlagsOffsetMismatch(t *testing.T) {
	file := &GGUFFile{
		KV: make(map[string]interface{}),
		Tensors: []*TensorInfo{
			{
				Name:       "token_embd.weight",
				Dimensions: []uint64{4},
				Type:       GGMLTypeF32,
				Offset:     100, // wrong: should be 0 (== DataOffset)
			},
		},
		DataOffset: 0,
	}

	analyzer := NewMetadataAnalyzer(file)
	issues, err := analyzer.ValidateTensors()
	if err != nil {
		t.Fatalf("ValidateTensors failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("Expected 1 issue, got %d: %v", len(issues), issues)
	}
}

func TestValidateTensorsFlagsUnknownSize(t *testing.T) {
	file := &GGUFFile{
		KV: make(map[string]interface{}),
		Tensors: []*TensorInfo{
			{
				Name:       "weird.weight",
				Dimensions: []uint64{4},
				Type:       GGMLType(100), // no SizeBytes case for this type
				Offset:     0,
			},
		},
		DataOffset: 0,
	}

	analyzer := NewMetadataAnalyzer(file)
	issues, err := analyzer.ValidateTensors()
	if err != nil {
		t.Fatalf("ValidateTensors failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("Expected 1 issue for an unknown-size type, got %d: %v", len(issues), issues)
	}
}

func TestValidateTensorsAcceptsSequentialLayout(t *testing.T) {
	file := &GGUFFile{
		KV: make(map[string]interface{}),
		Tensors: []*TensorInfo{
			{Name: "a", Dimensions: []uint64{4}, Type: GGMLTypeF32, Offset: 0},
			{Name: "b", Dimensions: []uint64{4}, Type: GGMLTypeF32, Offset: 16},
		},
		DataOffset: 0,
	}

	analyzer := NewMetadataAnalyzer(file)
	issues, err := analyzer.ValidateTensors()
	if err != nil {
		t.Fatalf("ValidateTensors failed: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("Expected no issues for a tightly-packed layout, got: %v", issues)
	}
}
