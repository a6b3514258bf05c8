package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/checkpoint"
	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

// fakeStore records scan-state transitions in memory
type fakeStore struct {
	mu       sync.Mutex
	statuses []models.ScanStatus
	progress map[string]int
	errMsg   string
	resumed  *bool
	failOn   models.ScanStatus // inject a store failure on this transition
}

func newFakeStore() *fakeStore {
	return &fakeStore{progress: make(map[string]int)}
}

func (f *fakeStore) SetScanStatus(_ string, status models.ScanStatus, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && status == f.failOn {
		return faults.Errorf(faults.StoreWriteFailure, "fake", "store down")
	}
	f.statuses = append(f.statuses, status)
	if msg != "" {
		f.errMsg = msg
	}
	return nil
}

func (f *fakeStore) SetStageProgress(_ string, stage string, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[stage] = pct
	return nil
}

func (f *fakeStore) UpdateScan(_ string, fn func(*models.Scan) error) error {
	var s models.Scan
	s.Status = models.StatusRunning
	if err := fn(&s); err != nil {
		return err
	}
	f.mu.Lock()
	f.resumed = &s.Resumed
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) statusTrace() []models.ScanStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ScanStatus(nil), f.statuses...)
}

// memCheckpoints keeps payloads in memory
type memCheckpoints struct {
	mu      sync.Mutex
	saved   map[string]*checkpoint.Payload
	history []*checkpoint.Payload
	loadErr error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{saved: make(map[string]*checkpoint.Payload)}
}

func (m *memCheckpoints) Save(p *checkpoint.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	clone.CompletedModules = append([]string(nil), p.CompletedModules...)
	m.saved[p.ScanID] = &clone
	m.history = append(m.history, &clone)
	return nil
}

func (m *memCheckpoints) Load(scanID string) (*checkpoint.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.saved[scanID], nil
}

func (m *memCheckpoints) Clear(scanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, scanID)
	return nil
}

func namedStage(name string, calls *[]string, fn StageFunc) Stage {
	return Stage{Name: name, Run: func(ctx context.Context, sc *StageContext) (any, error) {
		*calls = append(*calls, name)
		if fn != nil {
			return fn(ctx, sc)
		}
		return map[string]int{"items": 0}, nil
	}}
}

func allStages(calls *[]string) []Stage {
	var stages []Stage
	for _, name := range Order() {
		stages = append(stages, namedStage(name, calls, nil))
	}
	return stages
}

func testEngine(store Store, ckpts Checkpoints, stages []Stage) *Engine {
	e := NewEngine(EngineConfig{
		Store:       store,
		Checkpoints: ckpts,
		Stages:      stages,
		Profile:     config.ProfileConfig{},
	})
	e.PausePoll = 5 * time.Millisecond
	return e
}

func testScan() (*models.Scan, *models.Target) {
	target := models.NewTarget("acme", "example.com")
	scan := models.NewScan(target.ID, models.ProfileNormal)
	return scan, target
}

func TestRunHappyPath(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))

	scan, target := testScan()
	require.NoError(t, e.Run(context.Background(), scan, target))

	assert.Equal(t, Order(), calls, "all stages run in order")
	trace := store.statusTrace()
	assert.Equal(t, models.StatusRunning, trace[0])
	assert.Equal(t, models.StatusCompleted, trace[len(trace)-1])
	for _, name := range Order() {
		assert.Equal(t, 100, store.progress[name])
	}
	assert.Empty(t, ckpts.saved, "checkpoint cleared after completion")
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	scan, target := testScan()

	done := Order()[:3]
	require.NoError(t, ckpts.Save(&checkpoint.Payload{
		ScanID:           scan.ID,
		CompletedModules: done,
		PendingModules:   Order()[3:],
		ResultsCache: map[string]json.RawMessage{
			StageSubdomainEnum: json.RawMessage(`{"hostnames":["www.example.com"]}`),
		},
	}))

	var calls []string
	var sawPrior bool
	stages := allStages(&calls)
	stages[3] = namedStage(StagePortScan, &calls, func(_ context.Context, sc *StageContext) (any, error) {
		var prior struct {
			Hostnames []string `json:"hostnames"`
		}
		sawPrior = sc.PriorInto(StageSubdomainEnum, &prior) && len(prior.Hostnames) == 1
		return nil, nil
	})
	e := testEngine(store, ckpts, stages)

	scan.Resumed = true
	require.NoError(t, e.Run(context.Background(), scan, target))

	assert.Equal(t, Order()[3:], calls, "first three stages skipped")
	assert.True(t, sawPrior, "results cache rehydrated from checkpoint")
}

func TestRunRestartsOnCorruptCheckpoint(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	ckpts.loadErr = faults.Errorf(faults.CheckpointCorrupt, "checkpoint.Load", "digest mismatch")

	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))

	scan, target := testScan()
	scan.Resumed = true
	require.NoError(t, e.Run(context.Background(), scan, target))

	assert.Equal(t, Order(), calls, "every stage reruns")
	assert.False(t, scan.Resumed)
	require.NotNil(t, store.resumed)
	assert.False(t, *store.resumed, "resumed flag lowered in the store")
}

func TestRunRestartsOnUnknownCompletedStage(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	scan, target := testScan()
	require.NoError(t, ckpts.Save(&checkpoint.Payload{
		ScanID:           scan.ID,
		CompletedModules: []string{"no_such_stage"},
	}))

	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))
	scan.Resumed = true
	require.NoError(t, e.Run(context.Background(), scan, target))
	assert.Equal(t, Order(), calls)
}

func TestStageErrorIsAbsorbed(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	stages := allStages(&calls)
	stages[2] = namedStage(StageHTTPProbe, &calls, func(context.Context, *StageContext) (any, error) {
		return nil, faults.Errorf(faults.ToolSpawnFailed, "tools/httpx", "binary missing")
	})
	e := testEngine(store, ckpts, stages)

	scan, target := testScan()
	require.NoError(t, e.Run(context.Background(), scan, target))

	assert.Equal(t, Order(), calls, "pipeline continues past the failed stage")
	trace := store.statusTrace()
	assert.Equal(t, models.StatusCompleted, trace[len(trace)-1])
}

func TestStageErrorFailsScanWithStopOnError(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	stages := allStages(&calls)
	stages[1] = namedStage(StageDNSResolution, &calls, func(context.Context, *StageContext) (any, error) {
		return nil, errors.New("resolver exploded")
	})
	e := NewEngine(EngineConfig{
		Store:       store,
		Checkpoints: ckpts,
		Stages:      stages,
		StopOnError: true,
	})

	scan, target := testScan()
	err := e.Run(context.Background(), scan, target)
	require.Error(t, err)
	assert.Equal(t, faults.StageException, faults.KindOf(err))
	assert.Equal(t, []string{StageSubdomainEnum, StageDNSResolution}, calls)
	trace := store.statusTrace()
	assert.Equal(t, models.StatusFailed, trace[len(trace)-1])
}

func TestStagePanicIsIsolated(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	stages := allStages(&calls)
	stages[0] = namedStage(StageSubdomainEnum, &calls, func(context.Context, *StageContext) (any, error) {
		panic("boom")
	})
	e := testEngine(store, ckpts, stages)

	scan, target := testScan()
	require.NoError(t, e.Run(context.Background(), scan, target))
	assert.Equal(t, Order(), calls)
}

func TestStopEndsScanAsFailedStoppedByUser(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))

	// Stop after the second stage completes.
	stages := e.stages
	stages[1].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		calls = append(calls, StageDNSResolution)
		e.Stop()
		return nil, nil
	}

	scan, target := testScan()
	err := e.Run(context.Background(), scan, target)
	require.Error(t, err)
	assert.Equal(t, faults.StopRequested, faults.KindOf(err))
	assert.Equal(t, []string{StageSubdomainEnum, StageDNSResolution}, calls,
		"no stage begins after the stop signal")
	assert.Equal(t, "stopped by user", store.errMsg)
}

func TestPauseBlocksBetweenStages(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))

	var mu sync.Mutex
	pausedAt := -1
	e.stages[0].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		mu.Lock()
		calls = append(calls, StageSubdomainEnum)
		mu.Unlock()
		e.Pause()
		return nil, nil
	}

	scan, target := testScan()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), scan, target) }()

	// The engine must sit at the boundary without starting stage two.
	require.Eventually(t, func() bool {
		trace := store.statusTrace()
		return len(trace) > 0 && trace[len(trace)-1] == models.StatusPaused
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	pausedAt = len(calls)
	mu.Unlock()
	assert.Equal(t, 1, pausedAt, "only the first stage ran before the pause")

	e.Resume()
	require.NoError(t, <-done)

	trace := store.statusTrace()
	assert.Contains(t, trace, models.StatusPaused)
	assert.Equal(t, models.StatusCompleted, trace[len(trace)-1])
	assert.Equal(t, Order(), calls)
}

func TestPersistedPauseHoldsAcrossRestart(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	scan, target := testScan()
	require.NoError(t, ckpts.Save(&checkpoint.Payload{
		ScanID:           scan.ID,
		CompletedModules: Order()[:2],
		PendingModules:   Order()[2:],
	}))

	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))
	scan.Resumed = true
	scan.Status = models.StatusPaused

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), scan, target) }()

	// The re-armed pause must surface before any stage runs, without a
	// transient running status.
	require.Eventually(t, func() bool {
		trace := store.statusTrace()
		return len(trace) > 0 && trace[len(trace)-1] == models.StatusPaused
	}, time.Second, 5*time.Millisecond)
	trace := store.statusTrace()
	assert.NotContains(t, trace, models.StatusRunning,
		"a paused scan never reports running until an explicit resume")

	e.Resume()
	require.NoError(t, <-done)

	assert.Equal(t, Order()[2:], calls, "work starts only after the resume")
	trace = store.statusTrace()
	assert.Equal(t, models.StatusCompleted, trace[len(trace)-1])
}

func TestAbsorbedFailureIsNotCheckpointed(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	stages := allStages(&calls)
	stages[2] = namedStage(StageHTTPProbe, &calls, func(context.Context, *StageContext) (any, error) {
		return nil, faults.Errorf(faults.ToolExitNonZero, "tools/httpx", "exit code 2")
	})
	e := testEngine(store, ckpts, stages)

	scan, target := testScan()
	require.NoError(t, e.Run(context.Background(), scan, target))

	// The boundary after the failed stage writes no checkpoint, so a
	// crash there would retry the stage on resume.
	require.NotEmpty(t, ckpts.history)
	for _, p := range ckpts.history {
		last := p.CompletedModules[len(p.CompletedModules)-1]
		assert.NotEqual(t, StageHTTPProbe, last)
	}
	// Once a later stage checkpoints, the failure is sealed into the
	// completed prefix and the scan still finishes.
	final := ckpts.history[len(ckpts.history)-1]
	assert.Contains(t, final.CompletedModules, StageHTTPProbe)
}

func TestProfileDisabledStageIsSkippedButCompleted(t *testing.T) {
	store := newFakeStore()
	ckpts := newMemCheckpoints()
	var calls []string
	stages := allStages(&calls)
	e := NewEngine(EngineConfig{
		Store:       store,
		Checkpoints: ckpts,
		Stages:      stages,
		Profile: config.ProfileConfig{
			Stages: map[string]bool{StagePortScan: false, StageFuzzing: false},
		},
	})

	scan, target := testScan()
	require.NoError(t, e.Run(context.Background(), scan, target))

	assert.NotContains(t, calls, StagePortScan)
	assert.NotContains(t, calls, StageFuzzing)
	// Skipped stages still count as completed so the checkpoint prefix
	// property holds; the last checkpoint before clearance covered all.
	assert.Equal(t, 100, store.progress[StagePortScan])
}

func TestStoreFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.failOn = models.StatusRunning
	ckpts := newMemCheckpoints()
	var calls []string
	e := testEngine(store, ckpts, allStages(&calls))

	scan, target := testScan()
	err := e.Run(context.Background(), scan, target)
	require.Error(t, err)
	assert.Equal(t, faults.StoreWriteFailure, faults.KindOf(err))
	assert.Empty(t, calls, "no stage runs when the store is down")
}

func TestResumeIndex(t *testing.T) {
	order := Order()
	tests := []struct {
		name      string
		completed []string
		wantIdx   int
		wantOK    bool
	}{
		{"empty", nil, 0, true},
		{"prefix", order[:3], 3, true},
		{"all done", order, len(order), true},
		{"unknown stage", []string{"bogus"}, 0, false},
		{"out of order", []string{order[1], order[0]}, 0, false},
		{"too long", append(append([]string{}, order...), "extra"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := resumeIndex(order, tt.completed)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantIdx, idx)
		})
	}
}
