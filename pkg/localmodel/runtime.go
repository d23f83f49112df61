// Package localmodel keeps at most one locally hosted model resident and
// runs completions against it.
package localmodel

import (
	"context"

	"personabot/pkg/persona"
)

// SourceKind says where a model was loaded from.
type SourceKind string

const (
	SourceFile       SourceKind = "file"
	SourceRepository SourceKind = "repository"
	SourceBaseline   SourceKind = "baseline"
)

// Source is one place a slot's model can come from.
type Source struct {
	Kind SourceKind
	Slot persona.Slot

	// Ref is a file path for SourceFile and a model name otherwise.
	Ref string
}

// Tokenizer carries the special token ids generation needs. A negative
// PadTokenID means the model does not define one. Runtimes without a pad
// option, such as Ollama, only report it.
type Tokenizer struct {
	EOSTokenID int
	PadTokenID int
}

// Handle is a model the runtime has made resident.
type Handle struct {
	Slot      persona.Slot
	Model     string
	Source    SourceKind
	SizeBytes int64
	Tokenizer Tokenizer
}

// Options are the sampling settings for one completion.
type Options struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatLastN   int
	RepeatPenalty float64
	Threads       int
}

// DefaultOptions matches the tuning the local models were trained with.
func DefaultOptions() Options {
	return Options{
		MaxTokens:     150,
		Temperature:   0.9,
		TopP:          0.92,
		RepeatLastN:   64,
		RepeatPenalty: 1.3,
		Threads:       1,
	}
}

// GenerateRequest is one raw completion.
type GenerateRequest struct {
	Prompt  string
	Stop    []string
	Options Options
}

// Runtime loads, releases and runs models. Implementations need not be safe
// for concurrent use; the Manager serializes every call.
//
// When Load fails after the model may already be resident and the runtime
// could not unload it, it returns the partial Handle with the error so the
// caller can release it.
type Runtime interface {
	Load(ctx context.Context, src Source) (Handle, error)
	Release(ctx context.Context, h Handle) error
	Generate(ctx context.Context, h Handle, req GenerateRequest) (string, error)
}
