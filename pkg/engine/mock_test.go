package engine

import (
	"context"
	"sync"

	"personabot/pkg/cache"
	"personabot/pkg/gemini"
	"personabot/pkg/imageprep"
	"personabot/pkg/persona"
)

type MockRemote struct {
	NoKey        bool
	GenerateFunc func(spec persona.PromptSpec) (gemini.Result, error)

	mu    sync.Mutex
	specs []persona.PromptSpec
}

func (m *MockRemote) Configured() bool { return !m.NoKey }

func (m *MockRemote) Generate(_ context.Context, spec persona.PromptSpec) (gemini.Result, error) {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(spec)
	}
	return gemini.Result{Text: "remote says hi", Model: "gemini-2.0-flash"}, nil
}

func (m *MockRemote) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.specs)
}

type MockLocal struct {
	RunFunc func(slot persona.Slot, prompt string, stop []string) (string, error)

	mu      sync.Mutex
	prompts []string
	slots   []persona.Slot
}

func (m *MockLocal) Run(_ context.Context, slot persona.Slot, prompt string, stop []string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.slots = append(m.slots, slot)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(slot, prompt, stop)
	}
	return prompt + " local says hi", nil
}

func (m *MockLocal) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// MockCache is an in-memory ReplyCache keyed by fingerprint.
type MockCache struct {
	mu      sync.Mutex
	entries map[string]cache.Reply
	GetErr  error
}

func (m *MockCache) GetReply(_ context.Context, spec persona.PromptSpec) (cache.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return cache.Reply{}, m.GetErr
	}
	r, ok := m.entries[cache.Fingerprint(spec)]
	if !ok {
		return cache.Reply{}, cache.ErrMiss
	}
	return r, nil
}

func (m *MockCache) SetReply(_ context.Context, spec persona.PromptSpec, r cache.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]cache.Reply{}
	}
	m.entries[cache.Fingerprint(spec)] = r
	return nil
}

type MockImages struct {
	NormalizeFunc func(img persona.InlineImage) (persona.InlineImage, imageprep.Info, error)
}

func (m *MockImages) Normalize(img persona.InlineImage) (persona.InlineImage, imageprep.Info, error) {
	if m.NormalizeFunc != nil {
		return m.NormalizeFunc(img)
	}
	return persona.InlineImage{MimeType: "image/jpeg", Data: "U01BTEw="}, imageprep.Info{Width: 10, Height: 10}, nil
}
