// Package lora loads LoRA adapters against a specific backend model and
// guards against attaching one to an Instance built from a different
// model.
package lora

import (
	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/blerr"
)

// Adapter is a loaded LoRA adapter bound to the model it was loaded
// against.
type Adapter struct {
	model   backend.Backend
	handle  backend.LoraHandle
	path    string
}

// Load reads the adapter file at path against model.
func Load(model backend.Backend, path string) (*Adapter, error) {
	h, err := model.LoadLora(path)
	if err != nil {
		return nil, blerr.Backendf(err, "failed to load lora adapter from %s", path)
	}
	return &Adapter{model: model, handle: h, path: path}, nil
}

// Model returns the backend model this adapter was loaded against.
func (a *Adapter) Model() backend.Backend { return a.model }

// Path returns the filesystem path the adapter was loaded from.
func (a *Adapter) Path() string { return a.path }

// Handle returns the backend-opaque handle, for Instance.addLora.
func (a *Adapter) Handle() backend.LoraHandle { return a.handle }
