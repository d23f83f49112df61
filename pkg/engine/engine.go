// Package engine routes each request to a backend and always produces a
// reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"personabot/pkg/cache"
	"personabot/pkg/failure"
	"personabot/pkg/persona"
	"personabot/pkg/sanitize"
)

const (
	// Apology is returned when every backend failed.
	Apology = "I'm having a brain freeze. Ask me again in a second!"

	// EmptyReply is returned when the local model produced nothing usable.
	EmptyReply = "I lost my train of thought."
)

// Request is one user message.
type Request struct {
	Text    string
	Mode    string
	Profile persona.Profile

	// Image is optional base64 data, with or without a data-URI header.
	Image string
}

// Response is the reply and how it was produced.
type Response struct {
	RequestID string
	Reply     string
	Mode      persona.Mode
	Backend   Backend
	Model     string
	Cached    bool

	// Fallback is set when the remote path failed and local answered.
	Fallback bool
}

// Options wires an Engine. Remote, Local, Cache and Images may be nil.
type Options struct {
	Builder     *persona.Builder
	Policy      *Policy
	Remote      RemoteClient
	Local       LocalRunner
	Cache       ReplyCache
	Images      ImageNormalizer
	DefaultMode persona.Mode
	Logger      *zap.Logger
}

type Engine struct {
	builder     *persona.Builder
	policy      Policy
	remote      RemoteClient
	local       LocalRunner
	cache       ReplyCache
	images      ImageNormalizer
	defaultMode persona.Mode
	logger      *zap.Logger
	newID       func() string
}

func New(opts Options) *Engine {
	e := &Engine{
		builder:     opts.Builder,
		policy:      DefaultPolicy(),
		remote:      opts.Remote,
		local:       opts.Local,
		cache:       opts.Cache,
		images:      opts.Images,
		defaultMode: opts.DefaultMode,
		logger:      opts.Logger,
		newID:       uuid.NewString,
	}
	if e.builder == nil {
		e.builder = &persona.Builder{}
	}
	if opts.Policy != nil {
		e.policy = *opts.Policy
	}
	if e.defaultMode == "" {
		e.defaultMode = persona.Roast
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("engine")
	return e
}

// Generate answers one message. It never panics and never returns an empty
// string.
func (e *Engine) Generate(ctx context.Context, text, mode string, profile persona.Profile, image string) string {
	return e.Respond(ctx, Request{Text: text, Mode: mode, Profile: profile, Image: image}).Reply
}

// Respond is Generate with routing details.
func (e *Engine) Respond(ctx context.Context, req Request) (resp Response) {
	resp.RequestID = e.newID()
	start := time.Now()
	log := e.logger.With(zap.String("request_id", resp.RequestID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while generating reply", zap.Any("panic", r), zap.Stack("stack"))
			resp.Reply = Apology
			resp.Backend = BackendNone
		}
		log.Info("reply sent",
			zap.String("mode", string(resp.Mode)),
			zap.String("backend", string(resp.Backend)),
			zap.String("model", resp.Model),
			zap.Bool("fallback", resp.Fallback),
			zap.Bool("cached", resp.Cached),
			zap.Duration("duration", time.Since(start)))
	}()

	resp.Mode = persona.ParseMode(req.Mode, e.defaultMode)
	spec := e.builder.Build(resp.Mode, req.Profile, req.Text, req.Image)
	log = log.With(zap.String("mode", string(spec.Mode)))

	if e.policy.Select(spec, e.remoteReady()) == BackendRemote {
		reply, err := e.viaRemote(ctx, spec, log)
		if err == nil {
			resp.Reply = reply.Text
			resp.Model = reply.Model
			resp.Cached = reply.cached
			resp.Backend = BackendRemote
			return resp
		}
		log.Warn("remote path failed, falling back to local",
			zap.String("kind", failure.KindOf(err).String()),
			zap.Error(err))
		resp.Fallback = true
	}

	text, err := e.viaLocal(ctx, spec.WithoutImage(), log)
	if err != nil {
		log.Error("local path failed",
			zap.String("kind", failure.KindOf(err).String()),
			zap.String("slot", string(spec.Slot)),
			zap.Error(err))
		resp.Reply = Apology
		resp.Backend = BackendNone
		return resp
	}

	resp.Backend = BackendLocal
	resp.Model = string(spec.Slot)
	if text == "" {
		resp.Reply = EmptyReply
		return resp
	}
	resp.Reply = text
	return resp
}

func (e *Engine) remoteReady() bool {
	return e.remote != nil && e.remote.Configured()
}

type remoteReply struct {
	Text   string
	Model  string
	cached bool
}

func (e *Engine) viaRemote(ctx context.Context, spec persona.PromptSpec, log *zap.Logger) (remoteReply, error) {
	if e.cache != nil {
		hit, err := e.cache.GetReply(ctx, spec)
		switch {
		case err == nil && hit.Text != "":
			log.Debug("reply cache hit", zap.String("model", hit.Model))
			return remoteReply{Text: hit.Text, Model: hit.Model, cached: true}, nil
		case err != nil && !errors.Is(err, cache.ErrMiss):
			log.Warn("reply cache lookup failed", zap.Error(err))
		}
	}

	send := spec
	if spec.HasImage() && e.images != nil {
		img, info, err := e.images.Normalize(*spec.Image)
		if err != nil {
			log.Warn("image normalization failed, sending original", zap.Error(err))
		} else {
			log.Debug("image normalized",
				zap.Int("width", info.Width),
				zap.Int("height", info.Height),
				zap.Int64("size_bytes", info.SizeBytes))
			send = spec.WithImage(img)
		}
	}

	res, err := e.remote.Generate(ctx, send)
	if err != nil {
		return remoteReply{}, err
	}

	text := sanitize.Clean(res.Text, "")
	if text == "" {
		return remoteReply{}, failure.New(failure.KindSafetyFiltered, "engine.remote",
			fmt.Sprintf("%s returned an empty reply", res.Model))
	}

	if e.cache != nil {
		if err := e.cache.SetReply(ctx, spec, cache.Reply{Text: text, Model: res.Model}); err != nil {
			log.Warn("reply cache store failed", zap.Error(err))
		}
	}
	return remoteReply{Text: text, Model: res.Model}, nil
}

func (e *Engine) viaLocal(ctx context.Context, spec persona.PromptSpec, log *zap.Logger) (string, error) {
	if e.local == nil {
		return "", failure.New(failure.KindConfig, "engine.local", "local backend disabled")
	}

	stop := []string{spec.Labels.User, spec.Labels.Generic}
	raw, err := e.local.Run(ctx, spec.Slot, spec.LocalPrompt, stop)
	if err != nil {
		return "", err
	}

	text := sanitize.Clean(raw, spec.LocalPrompt, spec.Labels.User, spec.Labels.Generic)
	if text == "" {
		log.Info("local model produced an empty reply", zap.String("slot", string(spec.Slot)))
	}
	return text, nil
}
