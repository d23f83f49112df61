package engine

import (
	"context"

	"personabot/pkg/cache"
	"personabot/pkg/gemini"
	"personabot/pkg/imageprep"
	"personabot/pkg/persona"
)

// RemoteClient is the cloud backend. A client without credentials reports
// Configured() == false and is never called.
type RemoteClient interface {
	Configured() bool
	Generate(ctx context.Context, spec persona.PromptSpec) (gemini.Result, error)
}

// LocalRunner runs raw completions on the resident local model.
type LocalRunner interface {
	Run(ctx context.Context, slot persona.Slot, prompt string, stop []string) (string, error)
}

// ReplyCache stores successful remote replies.
type ReplyCache interface {
	GetReply(ctx context.Context, spec persona.PromptSpec) (cache.Reply, error)
	SetReply(ctx context.Context, spec persona.PromptSpec, r cache.Reply) error
}

// ImageNormalizer shrinks images before upload.
type ImageNormalizer interface {
	Normalize(img persona.InlineImage) (persona.InlineImage, imageprep.Info, error)
}
