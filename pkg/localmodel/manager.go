package localmodel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"personabot/pkg/failure"
	"personabot/pkg/persona"
)

// Config describes where slot models live and how they run.
type Config struct {
	// ModelsDir holds optional {slot}_model.gguf files.
	ModelsDir string

	// Repository prefixes {slot}_model names in the model registry.
	Repository string

	// BaselineModel is loaded when a slot has no fine-tuned model.
	BaselineModel string

	// FineTunedSlots are the slots that have their own model.
	FineTunedSlots []persona.Slot

	// MemoryCeilingBytes rejects a resident model larger than this. Zero disables the check.
	MemoryCeilingBytes int64

	Options Options
}

// Status is a snapshot of what is resident.
type Status struct {
	Resident  bool
	Slot      persona.Slot
	Model     string
	Source    SourceKind
	SizeBytes int64
	LoadedAt  time.Time
}

// Manager owns the single resident model. All operations are serialized so
// two models are never held at once.
type Manager struct {
	rt     Runtime
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	// reclaim runs after eviction, before the next load.
	reclaim func()
	stat    func(string) (os.FileInfo, error)

	mu       sync.Mutex
	current  *Handle
	loadedAt time.Time
}

// NewManager creates a manager over rt.
func NewManager(rt Runtime, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions()
	}
	return &Manager{
		rt:     rt,
		cfg:    cfg,
		logger: logger.Named("localmodel"),
		sem:    semaphore.NewWeighted(1),
		reclaim: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
		stat: os.Stat,
	}
}

// Ensure makes slot's model resident, evicting whatever was loaded before.
func (m *Manager) Ensure(ctx context.Context, slot persona.Slot) (Handle, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return Handle{}, failure.Wrap(err, failure.KindResourceExhausted, "localmodel.Ensure", "waiting for model slot")
	}
	defer m.sem.Release(1)

	return m.ensure(ctx, slot)
}

// Run makes slot resident and completes prompt in one exclusive step. The
// raw completion is returned; callers sanitize it.
func (m *Manager) Run(ctx context.Context, slot persona.Slot, prompt string, stop []string) (string, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", failure.Wrap(err, failure.KindResourceExhausted, "localmodel.Run", "waiting for model slot")
	}
	defer m.sem.Release(1)

	h, err := m.ensure(ctx, slot)
	if err != nil {
		return "", err
	}
	return m.generate(ctx, h, GenerateRequest{Prompt: prompt, Stop: stop, Options: m.cfg.Options})
}

// Release evicts the resident model, if any.
func (m *Manager) Release(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.evict(ctx)
	return nil
}

// Status reports the resident model without waiting for a running request.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Status{}
	}
	return Status{
		Resident:  true,
		Slot:      m.current.Slot,
		Model:     m.current.Model,
		Source:    m.current.Source,
		SizeBytes: m.current.SizeBytes,
		LoadedAt:  m.loadedAt,
	}
}

// Sources lists where slot's model is looked for, in order.
func (m *Manager) Sources(slot persona.Slot) []Source {
	var out []Source
	if m.fineTuned(slot) {
		if m.cfg.ModelsDir != "" {
			path := filepath.Join(m.cfg.ModelsDir, fmt.Sprintf("%s_model.gguf", slot))
			if info, err := m.stat(path); err == nil && !info.IsDir() {
				out = append(out, Source{Kind: SourceFile, Slot: slot, Ref: path})
			}
		}
		if m.cfg.Repository != "" {
			out = append(out, Source{
				Kind: SourceRepository,
				Slot: slot,
				Ref:  fmt.Sprintf("%s/%s_model", m.cfg.Repository, slot),
			})
		}
	}
	if m.cfg.BaselineModel != "" {
		out = append(out, Source{Kind: SourceBaseline, Slot: slot, Ref: m.cfg.BaselineModel})
	}
	return out
}

func (m *Manager) fineTuned(slot persona.Slot) bool {
	for _, s := range m.cfg.FineTunedSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// ensure must be called with the semaphore held.
func (m *Manager) ensure(ctx context.Context, slot persona.Slot) (Handle, error) {
	const op = "localmodel.Ensure"

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil && cur.Slot == slot {
		return *cur, nil
	}

	m.evict(ctx)

	sources := m.Sources(slot)
	if len(sources) == 0 {
		return Handle{}, failure.New(failure.KindConfig, op, fmt.Sprintf("no model source for slot %s", slot))
	}

	var errs []error
	for _, src := range sources {
		h, err := m.load(ctx, src)
		if err != nil {
			m.logger.Warn("model source failed",
				zap.String("slot", string(slot)),
				zap.String("source", string(src.Kind)),
				zap.String("model", src.Ref),
				zap.Error(err))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		m.mu.Lock()
		m.current = &h
		m.loadedAt = time.Now()
		m.mu.Unlock()

		m.logger.Info("model resident",
			zap.String("slot", string(slot)),
			zap.String("source", string(h.Source)),
			zap.String("model", h.Model),
			zap.Int64("size_bytes", h.SizeBytes))
		return h, nil
	}

	return Handle{}, failure.Wrap(errors.Join(errs...), failure.KindResourceExhausted, op,
		fmt.Sprintf("no model could be loaded for slot %s", slot))
}

// load tries one source and enforces the memory ceiling.
func (m *Manager) load(ctx context.Context, src Source) (h Handle, err error) {
	const op = "localmodel.load"

	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.KindResourceExhausted, op, fmt.Sprintf("panic while loading: %v", r))
		}
	}()

	h, err = m.rt.Load(ctx, src)
	if err != nil {
		if h.Model != "" {
			if relErr := m.safeRelease(ctx, h); relErr != nil {
				m.logger.Warn("release after failed load failed", zap.String("model", h.Model), zap.Error(relErr))
			}
			m.reclaim()
		}
		return Handle{}, err
	}
	h.Slot = src.Slot
	if h.Source == "" {
		h.Source = src.Kind
	}
	// Ollama takes no pad id, so this is informational for that runtime.
	if h.Tokenizer.PadTokenID < 0 {
		h.Tokenizer.PadTokenID = h.Tokenizer.EOSTokenID
	}

	if m.cfg.MemoryCeilingBytes > 0 && h.SizeBytes > m.cfg.MemoryCeilingBytes {
		if relErr := m.rt.Release(ctx, h); relErr != nil {
			m.logger.Warn("release after ceiling check failed", zap.String("model", h.Model), zap.Error(relErr))
		}
		m.reclaim()
		return Handle{}, failure.New(failure.KindResourceExhausted, op,
			fmt.Sprintf("%s needs %d bytes, ceiling is %d", h.Model, h.SizeBytes, m.cfg.MemoryCeilingBytes))
	}
	return h, nil
}

// evict drops the resident model and forces a reclamation pass. Must be
// called with the semaphore held.
func (m *Manager) evict(ctx context.Context) {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.loadedAt = time.Time{}
	m.mu.Unlock()

	if cur == nil {
		return
	}

	if err := m.safeRelease(ctx, *cur); err != nil {
		m.logger.Warn("release failed", zap.String("model", cur.Model), zap.Error(err))
	}
	m.reclaim()
	m.logger.Debug("model evicted", zap.String("slot", string(cur.Slot)), zap.String("model", cur.Model))
}

func (m *Manager) safeRelease(ctx context.Context, h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while releasing: %v", r)
		}
	}()
	return m.rt.Release(ctx, h)
}

func (m *Manager) generate(ctx context.Context, h Handle, req GenerateRequest) (text string, err error) {
	const op = "localmodel.Generate"

	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.KindGenerationFault, op, fmt.Sprintf("panic during generation: %v", r))
		}
	}()

	text, err = m.rt.Generate(ctx, h, req)
	if err != nil {
		if failure.KindOf(err) == failure.KindUnknown {
			return "", failure.Wrap(err, failure.KindGenerationFault, op, "generation failed")
		}
		return "", err
	}
	return text, nil
}
