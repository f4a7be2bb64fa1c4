// Package blerr defines the error-kind taxonomy used across the module so
// callers (the HTTP layer in particular) can map a failure to the right
// response without string-matching messages.
package blerr

import "fmt"

// Kind classifies why an operation failed.
type Kind int

const (
	// Configuration covers malformed params: bad gaWidth/gaFactor ratio,
	// unknown sampler kind, invalid chat template, invalid environment.
	Configuration Kind = iota
	// Phase covers an operation invoked in the wrong Session phase, or
	// against an Instance that already has a live Session.
	Phase
	// ResourceLimit covers prompts exceeding maxTokens, or a full context
	// with infiniteContext disabled.
	ResourceLimit
	// Backend covers decode/encode/state IO failures reported by the
	// transformer runtime.
	Backend
	// Data covers malformed GGUF input: missing or mismatched tensors.
	Data
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Phase:
		return "phase"
	case ResourceLimit:
		return "resource_limit"
	case Backend:
		return "backend"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can use errors.As
// to recover it through any number of %w wraps.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func new(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Configf(format string, args ...any) *Error       { return new(Configuration, nil, format, args...) }
func Phasef(format string, args ...any) *Error         { return new(Phase, nil, format, args...) }
func ResourceLimitf(format string, args ...any) *Error { return new(ResourceLimit, nil, format, args...) }
func Backendf(err error, format string, args ...any) *Error {
	return new(Backend, err, format, args...)
}
func Dataf(format string, args ...any) *Error { return new(Data, nil, format, args...) }

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return 0, false
}
