package localmodel

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"personabot/pkg/failure"
)

const (
	eosKey = "tokenizer.ggml.eos_token_id"
	padKey = "tokenizer.ggml.padding_token_id"
)

// OllamaRuntime runs models on a local Ollama server, CPU only.
type OllamaRuntime struct {
	client *api.Client
	logger *zap.Logger

	// NamePrefix names models imported from local files.
	NamePrefix string
}

// NewOllamaRuntime connects to the Ollama server at host.
func NewOllamaRuntime(host string, logger *zap.Logger) (*OllamaRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, failure.Wrap(err, failure.KindConfig, "localmodel.NewOllamaRuntime", "invalid ollama host")
	}
	return &OllamaRuntime{
		client:     api.NewClient(u, http.DefaultClient),
		logger:     logger.Named("ollama"),
		NamePrefix: "personabot",
	}, nil
}

// Ping checks that the server is up.
func (o *OllamaRuntime) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return failure.Wrap(err, failure.KindTransientNetwork, "localmodel.Ping", "ollama unreachable")
	}
	return nil
}

// Load resolves src to a model on the server, warms it into memory and
// reports its resident size.
func (o *OllamaRuntime) Load(ctx context.Context, src Source) (Handle, error) {
	const op = "localmodel.OllamaRuntime.Load"

	var (
		model string
		err   error
	)
	switch src.Kind {
	case SourceFile:
		model, err = o.importFile(ctx, src)
	case SourceRepository:
		model, err = o.fetch(ctx, src.Ref)
	case SourceBaseline:
		model, err = o.fetch(ctx, src.Ref)
	default:
		err = failure.New(failure.KindConfig, op, fmt.Sprintf("unknown source kind %q", src.Kind))
	}
	if err != nil {
		return Handle{}, err
	}

	show, err := o.client.Show(ctx, &api.ShowRequest{Model: model})
	if err != nil {
		return Handle{}, classify(err, op, "failed to inspect model")
	}

	// an empty prompt only loads the model
	if err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:     model,
		KeepAlive: &api.Duration{Duration: -1},
		Stream:    new(bool),
		Options:   map[string]any{"num_gpu": 0},
	}, func(api.GenerateResponse) error { return nil }); err != nil {
		return Handle{}, classify(err, op, "failed to load model")
	}

	h := Handle{
		Model:     model,
		Source:    src.Kind,
		Tokenizer: tokenizerFromInfo(show.ModelInfo),
	}

	running, err := o.client.ListRunning(ctx)
	if err != nil {
		err = classify(err, op, "failed to list running models")
		if relErr := o.Release(ctx, h); relErr != nil {
			o.logger.Warn("unload after failed load", zap.String("model", model), zap.Error(relErr))
			return h, err
		}
		return Handle{}, err
	}
	for _, m := range running.Models {
		if sameModel(m.Name, model) || sameModel(m.Model, model) {
			h.SizeBytes = m.Size
			break
		}
	}

	return h, nil
}

// sameModel compares model names the way the server resolves them, where
// an untagged name means ":latest".
func sameModel(a, b string) bool {
	return withTag(a) == withTag(b)
}

func withTag(name string) string {
	if name == "" {
		return ""
	}
	if !strings.Contains(name[strings.LastIndex(name, "/")+1:], ":") {
		return name + ":latest"
	}
	return name
}

// fetch returns name if the server has it, pulling it otherwise.
func (o *OllamaRuntime) fetch(ctx context.Context, name string) (string, error) {
	const op = "localmodel.OllamaRuntime.fetch"

	_, err := o.client.Show(ctx, &api.ShowRequest{Model: name})
	if err == nil {
		return name, nil
	}
	var statusErr api.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return "", classify(err, op, "failed to look up model")
	}

	o.logger.Info("pulling model", zap.String("model", name))
	start := time.Now()
	err = o.client.Pull(ctx, &api.PullRequest{Model: name}, func(p api.ProgressResponse) error {
		o.logger.Debug("pull progress", zap.String("model", name), zap.String("status", p.Status),
			zap.Int64("completed", p.Completed), zap.Int64("total", p.Total))
		return nil
	})
	if err != nil {
		return "", classify(err, op, "failed to pull "+name)
	}
	o.logger.Info("model pulled", zap.String("model", name), zap.Duration("duration", time.Since(start)))
	return name, nil
}

// importFile uploads a local gguf file and registers it as a model.
func (o *OllamaRuntime) importFile(ctx context.Context, src Source) (string, error) {
	const op = "localmodel.OllamaRuntime.importFile"

	digest, err := fileDigest(src.Ref)
	if err != nil {
		return "", failure.Wrap(err, failure.KindModelNotFound, op, "failed to read model file")
	}

	f, err := os.Open(src.Ref)
	if err != nil {
		return "", failure.Wrap(err, failure.KindModelNotFound, op, "failed to open model file")
	}
	defer f.Close()

	if err := o.client.CreateBlob(ctx, digest, f); err != nil {
		return "", classify(err, op, "failed to upload model file")
	}

	name := fmt.Sprintf("%s-%s", o.NamePrefix, src.Slot)
	err = o.client.Create(ctx, &api.CreateRequest{
		Model: name,
		Files: map[string]string{filepath.Base(src.Ref): digest},
	}, func(api.ProgressResponse) error { return nil })
	if err != nil {
		return "", classify(err, op, "failed to create model")
	}
	return name, nil
}

// Release unloads the model from server memory.
func (o *OllamaRuntime) Release(ctx context.Context, h Handle) error {
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:     h.Model,
		KeepAlive: &api.Duration{Duration: 0},
		Stream:    new(bool),
	}, func(api.GenerateResponse) error { return nil })
	if err != nil {
		return classify(err, "localmodel.OllamaRuntime.Release", "failed to unload model")
	}
	return nil
}

// Generate runs one raw completion.
func (o *OllamaRuntime) Generate(ctx context.Context, h Handle, req GenerateRequest) (string, error) {
	opts := map[string]any{
		"num_predict":    req.Options.MaxTokens,
		"temperature":    req.Options.Temperature,
		"top_p":          req.Options.TopP,
		"repeat_last_n":  req.Options.RepeatLastN,
		"repeat_penalty": req.Options.RepeatPenalty,
		"num_thread":     req.Options.Threads,
		"num_gpu":        0,
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}

	var sb strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:     h.Model,
		Prompt:    req.Prompt,
		Raw:       true,
		Stream:    new(bool),
		KeepAlive: &api.Duration{Duration: -1},
		Options:   opts,
	}, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", failure.Wrap(err, failure.KindGenerationFault, "localmodel.OllamaRuntime.Generate", "generation failed")
	}
	return sb.String(), nil
}

func tokenizerFromInfo(info map[string]any) Tokenizer {
	t := Tokenizer{EOSTokenID: -1, PadTokenID: -1}
	if v, ok := numeric(info[eosKey]); ok {
		t.EOSTokenID = v
	}
	if v, ok := numeric(info[padKey]); ok {
		t.PadTokenID = v
	}
	return t
}

func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func classify(err error, op, msg string) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusNotFound {
			return failure.Wrap(err, failure.KindModelNotFound, op, msg)
		}
		return failure.Wrap(err, failure.KindResourceExhausted, op, msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(err, failure.KindTransientNetwork, op, msg)
	}
	return failure.Wrap(err, failure.KindResourceExhausted, op, msg)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}
