package localmodel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"personabot/pkg/failure"
	"personabot/pkg/persona"
)

// fakeRuntime records every call and tracks how many models it holds.
type fakeRuntime struct {
	mu       sync.Mutex
	events   []string
	resident int
	maxHeld  int

	LoadFunc     func(src Source) (Handle, error)
	GenerateFunc func(h Handle, req GenerateRequest) (string, error)
}

func (f *fakeRuntime) record(e string) {
	f.events = append(f.events, e)
}

func (f *fakeRuntime) Load(_ context.Context, src Source) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("load:" + string(src.Kind) + ":" + src.Ref)
	h := Handle{Model: src.Ref, SizeBytes: 100, Tokenizer: Tokenizer{EOSTokenID: 2, PadTokenID: -1}}
	if f.LoadFunc != nil {
		var err error
		h, err = f.LoadFunc(src)
		if err != nil {
			// a named handle means the model stayed resident
			if h.Model != "" {
				f.hold()
			}
			return h, err
		}
	}
	f.hold()
	return h, nil
}

func (f *fakeRuntime) hold() {
	f.resident++
	if f.resident > f.maxHeld {
		f.maxHeld = f.resident
	}
}

func (f *fakeRuntime) Release(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("release:" + h.Model)
	f.resident--
	return nil
}

func (f *fakeRuntime) Generate(_ context.Context, h Handle, req GenerateRequest) (string, error) {
	f.mu.Lock()
	f.record("generate:" + h.Model)
	fn := f.GenerateFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(h, req)
	}
	return "reply from " + h.Model, nil
}

func (f *fakeRuntime) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func testConfig() Config {
	return Config{
		Repository:     "acme",
		BaselineModel:  "base",
		FineTunedSlots: []persona.Slot{persona.SlotRoast, persona.SlotRelationship},
	}
}

func newTestManager(rt Runtime, cfg Config) *Manager {
	m := NewManager(rt, cfg, nil)
	m.reclaim = func() {}
	return m
}

func TestSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roast_model.gguf"), []byte("gguf"), 0o644))

	cfg := testConfig()
	cfg.ModelsDir = dir
	m := newTestManager(&fakeRuntime{}, cfg)

	assert.Equal(t, []Source{
		{Kind: SourceFile, Slot: persona.SlotRoast, Ref: filepath.Join(dir, "roast_model.gguf")},
		{Kind: SourceRepository, Slot: persona.SlotRoast, Ref: "acme/roast_model"},
		{Kind: SourceBaseline, Slot: persona.SlotRoast, Ref: "base"},
	}, m.Sources(persona.SlotRoast))

	assert.Equal(t, []Source{
		{Kind: SourceRepository, Slot: persona.SlotRelationship, Ref: "acme/relationship_model"},
		{Kind: SourceBaseline, Slot: persona.SlotRelationship, Ref: "base"},
	}, m.Sources(persona.SlotRelationship))

	// friend has no fine-tuned model
	assert.Equal(t, []Source{
		{Kind: SourceBaseline, Slot: persona.SlotFriend, Ref: "base"},
	}, m.Sources(persona.SlotFriend))
}

func TestEnsure_HotPathIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, testConfig())
	ctx := context.Background()

	h1, err := m.Ensure(ctx, persona.SlotRoast)
	require.NoError(t, err)
	h2, err := m.Ensure(ctx, persona.SlotRoast)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, []string{"load:repository:acme/roast_model"}, rt.Events())
}

func TestEnsure_EvictsBeforeLoading(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, testConfig())

	reclaimed := 0
	m.reclaim = func() {
		reclaimed++
		rt.mu.Lock()
		rt.record("reclaim")
		rt.mu.Unlock()
	}

	ctx := context.Background()
	_, err := m.Ensure(ctx, persona.SlotRoast)
	require.NoError(t, err)
	_, err = m.Ensure(ctx, persona.SlotRelationship)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"load:repository:acme/roast_model",
		"release:acme/roast_model",
		"reclaim",
		"load:repository:acme/relationship_model",
	}, rt.Events())
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 1, rt.maxHeld)
	assert.Equal(t, persona.SlotRelationship, m.Status().Slot)
}

func TestEnsure_FallsBackToBaseline(t *testing.T) {
	rt := &fakeRuntime{
		LoadFunc: func(src Source) (Handle, error) {
			if src.Kind == SourceRepository {
				return Handle{}, failure.New(failure.KindModelNotFound, "test", "no such model")
			}
			return Handle{Model: src.Ref, Tokenizer: Tokenizer{EOSTokenID: 2, PadTokenID: 0}}, nil
		},
	}
	m := newTestManager(rt, testConfig())

	h, err := m.Ensure(context.Background(), persona.SlotRoast)
	require.NoError(t, err)
	assert.Equal(t, "base", h.Model)
	assert.Equal(t, SourceBaseline, h.Source)
	assert.Equal(t, persona.SlotRoast, h.Slot)
	assert.Equal(t, 0, h.Tokenizer.PadTokenID)
}

func TestEnsure_PadDefaultsToEOS(t *testing.T) {
	m := newTestManager(&fakeRuntime{}, testConfig())

	h, err := m.Ensure(context.Background(), persona.SlotFriend)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Tokenizer.PadTokenID)
}

func TestEnsure_AllSourcesFail(t *testing.T) {
	rt := &fakeRuntime{
		LoadFunc: func(src Source) (Handle, error) {
			return Handle{}, errors.New("out of memory")
		},
	}
	m := newTestManager(rt, testConfig())

	_, err := m.Ensure(context.Background(), persona.SlotRoast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ResourceExhausted))
	assert.False(t, m.Status().Resident)
}

func TestEnsure_FailureAfterResidentLeavesNothing(t *testing.T) {
	fail := false
	rt := &fakeRuntime{}
	rt.LoadFunc = func(src Source) (Handle, error) {
		if fail {
			return Handle{}, errors.New("disk gone")
		}
		return Handle{Model: src.Ref}, nil
	}
	m := newTestManager(rt, testConfig())
	ctx := context.Background()

	_, err := m.Ensure(ctx, persona.SlotRoast)
	require.NoError(t, err)

	fail = true
	_, err = m.Ensure(ctx, persona.SlotFriend)
	require.Error(t, err)
	assert.False(t, m.Status().Resident)
	assert.Contains(t, rt.Events(), "release:acme/roast_model")
}

func TestEnsure_MemoryCeiling(t *testing.T) {
	rt := &fakeRuntime{
		LoadFunc: func(src Source) (Handle, error) {
			if src.Kind == SourceRepository {
				return Handle{Model: src.Ref, SizeBytes: 5000}, nil
			}
			return Handle{Model: src.Ref, SizeBytes: 500}, nil
		},
	}
	cfg := testConfig()
	cfg.MemoryCeilingBytes = 1000
	m := newTestManager(rt, cfg)

	h, err := m.Ensure(context.Background(), persona.SlotRoast)
	require.NoError(t, err)
	assert.Equal(t, "base", h.Model)
	assert.Equal(t, []string{
		"load:repository:acme/roast_model",
		"release:acme/roast_model",
		"load:baseline:base",
	}, rt.Events())
	assert.Equal(t, 1, rt.maxHeld)
}

func TestEnsure_PartialLoadIsReleased(t *testing.T) {
	rt := &fakeRuntime{
		LoadFunc: func(src Source) (Handle, error) {
			if src.Kind == SourceRepository {
				return Handle{Model: src.Ref}, errors.New("size lookup failed")
			}
			return Handle{Model: src.Ref}, nil
		},
	}
	m := newTestManager(rt, testConfig())

	h, err := m.Ensure(context.Background(), persona.SlotRoast)
	require.NoError(t, err)
	assert.Equal(t, "base", h.Model)
	assert.Equal(t, []string{
		"load:repository:acme/roast_model",
		"release:acme/roast_model",
		"load:baseline:base",
	}, rt.Events())
	assert.Equal(t, 1, rt.maxHeld)
	assert.Equal(t, 1, rt.resident)
}

func TestEnsure_NoSources(t *testing.T) {
	m := newTestManager(&fakeRuntime{}, Config{})

	_, err := m.Ensure(context.Background(), persona.SlotFriend)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))
}

func TestRun_PassesOptionsAndStops(t *testing.T) {
	var got GenerateRequest
	rt := &fakeRuntime{
		GenerateFunc: func(h Handle, req GenerateRequest) (string, error) {
			got = req
			return "hehe", nil
		},
	}
	m := newTestManager(rt, testConfig())

	text, err := m.Run(context.Background(), persona.SlotFriend, "Context: x\nSam: hi\nBestie:", []string{"Sam:", "User:"})
	require.NoError(t, err)
	assert.Equal(t, "hehe", text)
	assert.Equal(t, DefaultOptions(), got.Options)
	assert.Equal(t, []string{"Sam:", "User:"}, got.Stop)
}

func TestRun_PanicBecomesGenerationFault(t *testing.T) {
	rt := &fakeRuntime{
		GenerateFunc: func(Handle, GenerateRequest) (string, error) {
			panic("tensor shape mismatch")
		},
	}
	m := newTestManager(rt, testConfig())

	_, err := m.Run(context.Background(), persona.SlotRoast, "x", nil)
	assert.True(t, errors.Is(err, failure.GenerationFault))
}

func TestRun_PlainErrorBecomesGenerationFault(t *testing.T) {
	rt := &fakeRuntime{
		GenerateFunc: func(Handle, GenerateRequest) (string, error) {
			return "", errors.New("decode failed")
		},
	}
	m := newTestManager(rt, testConfig())

	_, err := m.Run(context.Background(), persona.SlotRoast, "x", nil)
	assert.Equal(t, failure.KindGenerationFault, failure.KindOf(err))
}

func TestRun_ConcurrentNeverHoldsTwo(t *testing.T) {
	defer goleak.VerifyNone(t)

	rt := &fakeRuntime{}
	m := newTestManager(rt, testConfig())
	slots := []persona.Slot{persona.SlotRoast, persona.SlotRelationship, persona.SlotFriend}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(slot persona.Slot) {
			defer wg.Done()
			text, err := m.Run(context.Background(), slot, "hi", nil)
			assert.NoError(t, err)
			assert.NotEmpty(t, text)
		}(slots[i%len(slots)])
	}
	wg.Wait()

	assert.Equal(t, 1, rt.maxHeld)
}

func TestRelease(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Release(ctx))
	assert.Empty(t, rt.Events())

	_, err := m.Ensure(ctx, persona.SlotFriend)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx))

	assert.False(t, m.Status().Resident)
	assert.Equal(t, 0, rt.resident)
}

func TestEnsure_CanceledWhileWaiting(t *testing.T) {
	m := newTestManager(&fakeRuntime{}, testConfig())
	require.NoError(t, m.sem.Acquire(context.Background(), 1))
	defer m.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Ensure(ctx, persona.SlotRoast)
	assert.Equal(t, failure.KindResourceExhausted, failure.KindOf(err))
}
