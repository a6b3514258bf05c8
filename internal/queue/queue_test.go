package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/models"
)

// fakeExecutor blocks in Run until released, recording control calls
type fakeExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	paused  int
	resumed int
	stopped int
}

func newFakeExecutor(started chan string) *fakeExecutor {
	return &fakeExecutor{started: started, release: make(chan struct{})}
}

func (f *fakeExecutor) Run(ctx context.Context, scan *models.Scan, _ *models.Target) error {
	f.started <- scan.ID
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return nil
}

func (f *fakeExecutor) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeExecutor) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeExecutor) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	select {
	case <-f.release:
	default:
		close(f.release)
	}
}

func (f *fakeExecutor) counts() (paused, resumed, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, f.resumed, f.stopped
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses map[string]models.ScanStatus
	messages map[string]string
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{
		statuses: make(map[string]models.ScanStatus),
		messages: make(map[string]string),
	}
}

func (r *statusRecorder) SetScanStatus(id string, status models.ScanStatus, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
	r.messages[id] = msg
	return nil
}

type harness struct {
	queue   *Queue
	store   *statusRecorder
	started chan string

	mu    sync.Mutex
	execs map[string]*fakeExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newStatusRecorder(),
		started: make(chan string, 8),
		execs:   make(map[string]*fakeExecutor),
	}
	h.queue = New(Options{
		Store: h.store,
		Factory: func(scan *models.Scan, _ *models.Target) Executor {
			exec := newFakeExecutor(h.started)
			h.mu.Lock()
			h.execs[scan.ID] = exec
			h.mu.Unlock()
			return exec
		},
	})
	h.queue.GatePoll = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	h.queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.queue.done
	})
	return h
}

func (h *harness) exec(scanID string) *fakeExecutor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execs[scanID]
}

func (h *harness) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no scan started")
		return ""
	}
}

func scanFor(t *testing.T) (*models.Scan, *models.Target) {
	t.Helper()
	target := models.NewTarget("acme", "example.com")
	return models.NewScan(target.ID, models.ProfileNormal), target
}

func TestQueueRunsScansInOrder(t *testing.T) {
	h := newHarness(t)
	first, target := scanFor(t)
	second, _ := scanFor(t)

	require.NoError(t, h.queue.Enqueue(first, target))
	require.NoError(t, h.queue.Enqueue(second, target))

	assert.Equal(t, first.ID, h.waitStarted(t))
	// the second stays queued until the first finishes
	assert.Contains(t, h.queue.Status().Waiting, second.ID)

	close(h.exec(first.ID).release)
	assert.Equal(t, second.ID, h.waitStarted(t))
	close(h.exec(second.ID).release)
}

func TestQueueRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	scan, target := scanFor(t)

	require.NoError(t, h.queue.Enqueue(scan, target))
	assert.Error(t, h.queue.Enqueue(scan, target))

	h.waitStarted(t)
	close(h.exec(scan.ID).release)
}

func TestStopCancelsQueuedScanInPlace(t *testing.T) {
	h := newHarness(t)
	active, target := scanFor(t)
	waiting, _ := scanFor(t)

	require.NoError(t, h.queue.Enqueue(active, target))
	h.waitStarted(t)
	require.NoError(t, h.queue.Enqueue(waiting, target))

	require.NoError(t, h.queue.Stop(waiting.ID))

	h.store.mu.Lock()
	assert.Equal(t, models.StatusFailed, h.store.statuses[waiting.ID])
	assert.Equal(t, "stopped by user", h.store.messages[waiting.ID])
	h.store.mu.Unlock()

	// the cancelled scan must never start
	close(h.exec(active.ID).release)
	select {
	case id := <-h.started:
		t.Fatalf("cancelled scan %s started", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopActiveScanDelegates(t *testing.T) {
	h := newHarness(t)
	scan, target := scanFor(t)

	require.NoError(t, h.queue.Enqueue(scan, target))
	h.waitStarted(t)

	require.NoError(t, h.queue.Stop(scan.ID))
	_, _, stopped := h.exec(scan.ID).counts()
	assert.Equal(t, 1, stopped)
}

func TestPauseResumeDelegateToActive(t *testing.T) {
	h := newHarness(t)
	scan, target := scanFor(t)

	assert.Error(t, h.queue.Pause(scan.ID), "nothing running yet")

	require.NoError(t, h.queue.Enqueue(scan, target))
	h.waitStarted(t)

	require.NoError(t, h.queue.Pause(scan.ID))
	require.NoError(t, h.queue.Resume(scan.ID))
	paused, resumed, _ := h.exec(scan.ID).counts()
	assert.Equal(t, 1, paused)
	assert.Equal(t, 1, resumed)

	close(h.exec(scan.ID).release)
}

func TestGateBlocksNewScans(t *testing.T) {
	h := newHarness(t)
	scan, target := scanFor(t)

	h.queue.PauseAll("network outage")
	require.NoError(t, h.queue.Enqueue(scan, target))

	select {
	case id := <-h.started:
		t.Fatalf("scan %s started through a closed gate", id)
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, h.queue.Status().GateClosed)

	h.queue.ResumeAll()
	assert.Equal(t, scan.ID, h.waitStarted(t))
	close(h.exec(scan.ID).release)
}

func TestSystemPauseHoldsActiveScan(t *testing.T) {
	h := newHarness(t)
	scan, target := scanFor(t)

	require.NoError(t, h.queue.Enqueue(scan, target))
	h.waitStarted(t)

	h.queue.PauseAll("battery low")
	paused, _, _ := h.exec(scan.ID).counts()
	assert.Equal(t, 1, paused)

	// user resume is refused while the system holds the scan
	err := h.queue.Resume(scan.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "battery low")

	h.queue.ResumeAll()
	_, resumed, _ := h.exec(scan.ID).counts()
	assert.Equal(t, 1, resumed)

	close(h.exec(scan.ID).release)
}

func TestQueueFull(t *testing.T) {
	h := &harness{store: newStatusRecorder(), started: make(chan string, 1), execs: map[string]*fakeExecutor{}}
	q := New(Options{Capacity: 1, Store: h.store, Factory: func(*models.Scan, *models.Target) Executor {
		return newFakeExecutor(h.started)
	}})
	// worker never started: the channel alone bounds capacity
	first, target := scanFor(t)
	second, _ := scanFor(t)

	require.NoError(t, q.Enqueue(first, target))
	err := q.Enqueue(second, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestDepthHookFires(t *testing.T) {
	var mu sync.Mutex
	var depths []int
	started := make(chan string, 4)
	q := New(Options{
		OnDepth: func(d int) {
			mu.Lock()
			depths = append(depths, d)
			mu.Unlock()
		},
		Factory: func(*models.Scan, *models.Target) Executor {
			return newFakeExecutor(started)
		},
	})
	scan, target := scanFor(t)
	require.NoError(t, q.Enqueue(scan, target))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, depths)
	assert.Equal(t, 1, depths[0])
}
