// Package queue serializes scan execution. One worker drains a FIFO of
// submitted scans, so at most one scan's subprocess tree is live at a
// time; everything else waits its turn. A process-wide gate lets the
// resilience monitor freeze the whole queue without touching the
// per-scan state machines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
)

// Executor drives one scan to a terminal status. The pipeline engine
// satisfies it.
type Executor interface {
	Run(ctx context.Context, scan *models.Scan, target *models.Target) error
	Pause()
	Resume()
	Stop()
}

// Factory builds a fresh executor per scan; each scan gets its own
// engine and process supervisor.
type Factory func(scan *models.Scan, target *models.Target) Executor

// Store is the status-write capability the queue needs for scans it
// cancels before they ever start.
type Store interface {
	SetScanStatus(id string, status models.ScanStatus, errorMessage string) error
}

// task is one queued scan
type task struct {
	scan      *models.Scan
	target    *models.Target
	cancelled atomic.Bool
}

// Options tunes a queue
type Options struct {
	Log     *zap.Logger
	Store   Store
	Factory Factory
	// Capacity bounds how many scans may wait; 0 means 64.
	Capacity int
	// OnDepth fires with the waiting count after every change.
	OnDepth func(depth int)
}

// Queue is the single-worker scan scheduler
type Queue struct {
	log     *zap.Logger
	store   Store
	factory Factory
	onDepth func(int)

	tasks chan *task

	mu       sync.Mutex
	waiting  map[string]*task
	active   string
	executor Executor
	sysPause map[string]string // scanID -> reason, scans paused by PauseAll

	gateClosed atomic.Bool

	// GatePoll is how often a blocked worker rechecks the gate,
	// shortened in tests.
	GatePoll time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped queue; call Start to launch the worker
func New(opts Options) *Queue {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		log:      log,
		store:    opts.Store,
		factory:  opts.Factory,
		onDepth:  opts.OnDepth,
		tasks:    make(chan *task, capacity),
		waiting:  make(map[string]*task),
		sysPause: make(map[string]string),
		GatePoll: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	go q.worker(ctx)
}

// Shutdown stops the active scan and waits for the worker to drain
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.executor != nil {
		q.executor.Stop()
	}
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a scan. The scan runs as soon as the worker and the
// gate allow; until then it reports as queued.
func (q *Queue) Enqueue(scan *models.Scan, target *models.Target) error {
	t := &task{scan: scan, target: target}
	q.mu.Lock()
	if _, dup := q.waiting[scan.ID]; dup || q.active == scan.ID {
		q.mu.Unlock()
		return fmt.Errorf("scan %s already queued", scan.ID)
	}
	q.waiting[scan.ID] = t
	q.mu.Unlock()

	select {
	case q.tasks <- t:
		q.reportDepth()
		return nil
	default:
		q.mu.Lock()
		delete(q.waiting, scan.ID)
		q.mu.Unlock()
		return errors.New("queue full")
	}
}

// Pause pauses the named scan. Only the active scan can pause; a queued
// scan has nothing to interrupt yet.
func (q *Queue) Pause(scanID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != scanID || q.executor == nil {
		return fmt.Errorf("scan %s is not running", scanID)
	}
	q.executor.Pause()
	return nil
}

// Resume lifts a pause on the active scan. A scan paused by the system
// gate stays paused until the gate opens.
func (q *Queue) Resume(scanID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != scanID || q.executor == nil {
		return fmt.Errorf("scan %s is not running", scanID)
	}
	if reason, held := q.sysPause[scanID]; held {
		return fmt.Errorf("scan %s is paused by the system: %s", scanID, reason)
	}
	q.executor.Resume()
	return nil
}

// Stop terminates the named scan. An active scan aborts at its next
// check point; a queued scan is cancelled in place and marked failed
// without ever starting.
func (q *Queue) Stop(scanID string) error {
	q.mu.Lock()
	if q.active == scanID && q.executor != nil {
		q.executor.Stop()
		q.mu.Unlock()
		return nil
	}
	t, ok := q.waiting[scanID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("scan %s is not queued or running", scanID)
	}
	t.cancelled.Store(true)
	delete(q.waiting, scanID)
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.SetScanStatus(scanID, models.StatusFailed, "stopped by user"); err != nil {
			q.log.Warn("marking cancelled scan", zap.String("scan_id", scanID), zap.Error(err))
		}
	}
	q.reportDepth()
	return nil
}

// PauseAll closes the gate: the active scan pauses, queued scans stay
// queued, and nothing new starts until ResumeAll. The reason lands in
// the log and on Status.
func (q *Queue) PauseAll(reason string) {
	q.gateClosed.Store(true)
	q.mu.Lock()
	if q.active != "" && q.executor != nil {
		if _, held := q.sysPause[q.active]; !held {
			q.sysPause[q.active] = reason
			q.executor.Pause()
		}
	}
	q.mu.Unlock()
	q.log.Warn("queue paused", zap.String("reason", reason))
}

// ResumeAll opens the gate and resumes only the scans PauseAll paused;
// a scan the user paused individually stays paused.
func (q *Queue) ResumeAll() {
	q.gateClosed.Store(false)
	q.mu.Lock()
	if q.active != "" && q.executor != nil {
		if _, held := q.sysPause[q.active]; held {
			delete(q.sysPause, q.active)
			q.executor.Resume()
		}
	}
	q.sysPause = make(map[string]string)
	q.mu.Unlock()
	q.log.Info("queue resumed")
}

// Snapshot is the queue's externally visible state
type Snapshot struct {
	Active      string   `json:"active_scan,omitempty"`
	Waiting     []string `json:"waiting,omitempty"`
	Depth       int      `json:"depth"`
	GateClosed  bool     `json:"gate_closed"`
	PauseReason string   `json:"pause_reason,omitempty"`
}

// Status reports the current queue state
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		Active:     q.active,
		Depth:      len(q.waiting),
		GateClosed: q.gateClosed.Load(),
	}
	for id := range q.waiting {
		snap.Waiting = append(snap.Waiting, id)
	}
	for _, reason := range q.sysPause {
		snap.PauseReason = reason
		break
	}
	return snap
}

// worker drains the FIFO, one scan at a time
func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			if t.cancelled.Load() {
				continue
			}
			if !q.waitForGate(ctx, t) {
				return
			}
			if t.cancelled.Load() {
				continue
			}
			q.execute(ctx, t)
		}
	}
}

// waitForGate blocks while the system gate is closed. False means the
// context died while waiting.
func (q *Queue) waitForGate(ctx context.Context, t *task) bool {
	for q.gateClosed.Load() {
		if t.cancelled.Load() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.GatePoll):
		}
	}
	return true
}

func (q *Queue) execute(ctx context.Context, t *task) {
	exec := q.factory(t.scan, t.target)

	q.mu.Lock()
	delete(q.waiting, t.scan.ID)
	q.active = t.scan.ID
	q.executor = exec
	q.mu.Unlock()
	q.reportDepth()

	q.log.Info("scan dequeued",
		zap.String("scan_id", t.scan.ID),
		zap.String("domain", t.target.Domain))

	if err := exec.Run(ctx, t.scan, t.target); err != nil {
		q.log.Warn("scan finished with error",
			zap.String("scan_id", t.scan.ID),
			zap.Error(err))
	}

	q.mu.Lock()
	q.active = ""
	q.executor = nil
	delete(q.sysPause, t.scan.ID)
	q.mu.Unlock()
}

func (q *Queue) reportDepth() {
	if q.onDepth == nil {
		return
	}
	q.mu.Lock()
	depth := len(q.waiting)
	q.mu.Unlock()
	q.onDepth(depth)
}
