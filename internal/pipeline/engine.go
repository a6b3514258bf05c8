// Package pipeline runs the fixed DAG of scan stages with checkpointing
// at every boundary. The engine owns the scan state machine: it moves a
// scan from running through any number of paused intervals to exactly
// one terminal status, and guarantees that everything stage K persisted
// is durable before stage K+1 begins.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/checkpoint"
	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

// Store is the narrow artifact-store contract the engine needs. Keeping
// it an interface keeps the engine testable without a real database.
type Store interface {
	SetScanStatus(id string, status models.ScanStatus, errorMessage string) error
	SetStageProgress(id, stage string, percent int) error
	UpdateScan(id string, fn func(*models.Scan) error) error
}

// Checkpoints is the progress-snapshot contract of the checkpoint store
type Checkpoints interface {
	Save(p *checkpoint.Payload) error
	Load(scanID string) (*checkpoint.Payload, error)
	Clear(scanID string) error
}

// Interrupter propagates pause/stop to in-flight subprocesses. The
// process supervisor satisfies it.
type Interrupter interface {
	Pause()
	Resume()
	Stop()
}

// Hooks are optional per-transition callbacks, consumed by the event
// broadcaster and the metrics collectors. Nil fields are skipped.
type Hooks struct {
	StageStarted  func(scanID, stage string, index, total int)
	StageFinished func(scanID, stage string, err error, elapsed time.Duration)
	ScanFinished  func(scanID string, status models.ScanStatus, errorMessage string)
	ScanPaused    func(scanID string)
	ScanResumed   func(scanID string)
	ObserveStage  func(stage string, elapsed time.Duration)
}

// EngineConfig wires one engine instance
type EngineConfig struct {
	Log         *zap.Logger
	Store       Store
	Checkpoints Checkpoints
	Stages      []Stage
	Profile     config.ProfileConfig
	Supervisor  Interrupter
	Hooks       Hooks
	ReportsDir  string
	StopOnError bool
}

// Engine executes the stage DAG for exactly one scan. One stage runs at
// a time; pause blocks between stages only, stop aborts at the next
// boundary and terminates any in-flight child processes.
type Engine struct {
	log     *zap.Logger
	store   Store
	ckpts   Checkpoints
	stages  []Stage
	profile config.ProfileConfig
	sup     Interrupter
	hooks   Hooks

	reportsDir  string
	stopOnError bool

	// PausePoll is the boundary-wait granularity, shortened in tests.
	PausePoll time.Duration

	paused  atomic.Bool
	stopped atomic.Bool
}

// NewEngine builds an engine from its wiring
func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:         log,
		store:       cfg.Store,
		ckpts:       cfg.Checkpoints,
		stages:      cfg.Stages,
		profile:     cfg.Profile,
		sup:         cfg.Supervisor,
		hooks:       cfg.Hooks,
		reportsDir:  cfg.ReportsDir,
		stopOnError: cfg.StopOnError,
		PausePoll:   time.Second,
	}
}

// Pause requests a pause at the next stage boundary and throttles
// subprocess output consumption immediately.
func (e *Engine) Pause() {
	e.paused.Store(true)
	if e.sup != nil {
		e.sup.Pause()
	}
}

// Resume lifts a pause
func (e *Engine) Resume() {
	e.paused.Store(false)
	if e.sup != nil {
		e.sup.Resume()
	}
}

// Stop aborts the scan at the next check point and terminates every
// in-flight child. Stop overrides pause.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	if e.sup != nil {
		e.sup.Stop()
	}
}

// Paused reports whether a pause is requested
func (e *Engine) Paused() bool { return e.paused.Load() }

// Run executes the DAG for one scan and blocks until it reaches a
// terminal status. The scan row is updated at every transition; the
// returned error is nil only when the scan completed.
func (e *Engine) Run(ctx context.Context, scan *models.Scan, target *models.Target) error {
	cache := make(map[string]json.RawMessage)
	moduleState := make(map[string]string)
	var completed []string
	startIdx := 0

	if scan.Resumed {
		startIdx, completed, cache, moduleState = e.restore(scan)
	}

	// A pause on the scan row outlives the process that held it. Re-arm
	// it instead of writing running: the scan sits at its first boundary
	// until an explicit resume.
	if scan.Status == models.StatusPaused {
		e.Pause()
	} else if err := e.store.SetScanStatus(scan.ID, models.StatusRunning, ""); err != nil {
		return e.finish(scan.ID, models.StatusFailed, err.Error(), err)
	}

	order := stageNames(e.stages)
	total := len(e.stages)
	var runErr error

	for i := startIdx; i < total; i++ {
		stage := e.stages[i]

		if err := e.waitAtBoundary(ctx, scan.ID); err != nil {
			runErr = err
			break
		}
		if err := e.store.SetStageProgress(scan.ID, stage.Name, 0); err != nil {
			runErr = err
			break
		}
		if e.hooks.StageStarted != nil {
			e.hooks.StageStarted(scan.ID, stage.Name, i, total)
		}

		started := time.Now()
		var result any
		var stageErr error

		if !e.profile.StageEnabled(stage.Name) {
			moduleState[stage.Name] = "skipped: disabled by profile"
			e.log.Info("stage skipped",
				zap.String("scan_id", scan.ID),
				zap.String("stage", stage.Name))
		} else {
			sc := &StageContext{
				Target:  target,
				ScanID:  scan.ID,
				Profile: e.profile,
				Prior:   cache,
			}
			result, stageErr = runIsolated(ctx, stage, sc)
		}
		elapsed := time.Since(started)

		if e.hooks.StageFinished != nil {
			e.hooks.StageFinished(scan.ID, stage.Name, stageErr, elapsed)
		}
		if e.hooks.ObserveStage != nil {
			e.hooks.ObserveStage(stage.Name, elapsed)
		}

		if stageErr != nil {
			kind := faults.KindOf(stageErr)
			moduleState[stage.Name] = stageErr.Error()

			if kind == faults.StopRequested || kind == faults.StoreWriteFailure || e.stopOnError {
				runErr = stageErr
				break
			}
			// Absorbed: the stage is recorded with its error note and
			// the pipeline moves on. Artifacts it managed to persist
			// before failing stay.
			e.log.Warn("stage failed, continuing",
				zap.String("scan_id", scan.ID),
				zap.String("stage", stage.Name),
				zap.String("kind", string(kind)),
				zap.Error(stageErr))
			result = nil
		} else {
			e.log.Info("stage complete",
				zap.String("scan_id", scan.ID),
				zap.String("stage", stage.Name),
				zap.Duration("elapsed", elapsed))
		}

		cache[stage.Name] = marshalResult(result)
		completed = append(completed, stage.Name)

		if err := e.store.SetStageProgress(scan.ID, stage.Name, 100); err != nil {
			runErr = err
			break
		}
		if stageErr != nil {
			// No checkpoint at this boundary: a crash before the next
			// one resumes at this stage and retries it. The next
			// successful boundary seals the failure into the prefix.
			continue
		}
		if err := e.ckpts.Save(&checkpoint.Payload{
			ScanID:           scan.ID,
			CurrentModule:    nextStage(order, i),
			CompletedModules: completed,
			PendingModules:   order[i+1:],
			ModuleState:      moduleState,
			ResultsCache:     cache,
		}); err != nil {
			runErr = faults.New(faults.StoreWriteFailure, "pipeline.checkpoint", err)
			break
		}
	}

	if runErr == nil && e.stopped.Load() {
		runErr = faults.Errorf(faults.StopRequested, "pipeline.Run", "stopped by user")
	}

	switch {
	case runErr == nil:
		if err := e.ckpts.Clear(scan.ID); err != nil {
			e.log.Warn("clearing checkpoint after completion", zap.Error(err))
		}
		e.writeReport(scan, target, completed, moduleState, cache)
		return e.finish(scan.ID, models.StatusCompleted, "", nil)
	case faults.Is(runErr, faults.StopRequested):
		return e.finish(scan.ID, models.StatusFailed, "stopped by user", runErr)
	default:
		return e.finish(scan.ID, models.StatusFailed, runErr.Error(), runErr)
	}
}

// restore loads the checkpoint of a resumed scan. A missing checkpoint,
// or one that fails its digest, restarts from the first stage with the
// resumed flag lowered; a corrupt payload is logged exactly once.
func (e *Engine) restore(scan *models.Scan) (int, []string, map[string]json.RawMessage, map[string]string) {
	fresh := func() (int, []string, map[string]json.RawMessage, map[string]string) {
		scan.Resumed = false
		if err := e.store.UpdateScan(scan.ID, func(s *models.Scan) error {
			s.Resumed = false
			return nil
		}); err != nil {
			e.log.Warn("lowering resumed flag", zap.Error(err))
		}
		return 0, nil, make(map[string]json.RawMessage), make(map[string]string)
	}

	payload, err := e.ckpts.Load(scan.ID)
	if err != nil {
		e.log.Warn("checkpoint rejected, restarting from the first stage",
			zap.String("scan_id", scan.ID),
			zap.Error(err))
		if clearErr := e.ckpts.Clear(scan.ID); clearErr != nil {
			e.log.Warn("discarding rejected checkpoint", zap.Error(clearErr))
		}
		return fresh()
	}
	if payload == nil {
		return fresh()
	}

	order := stageNames(e.stages)
	idx, ok := resumeIndex(order, payload.CompletedModules)
	if !ok {
		e.log.Warn("checkpoint stage list does not prefix the pipeline order, restarting",
			zap.String("scan_id", scan.ID),
			zap.Strings("completed", payload.CompletedModules))
		return fresh()
	}

	cache := payload.ResultsCache
	if cache == nil {
		cache = make(map[string]json.RawMessage)
	}
	moduleState := payload.ModuleState
	if moduleState == nil {
		moduleState = make(map[string]string)
	}

	e.log.Info("resuming scan from checkpoint",
		zap.String("scan_id", scan.ID),
		zap.String("last_completed", payload.LastCompleted()),
		zap.Int("stages_done", idx))
	return idx, payload.CompletedModules, cache, moduleState
}

// waitAtBoundary blocks while the engine is paused, surfacing the paused
// status on the scan row for the duration. Stop and context cancellation
// break the wait.
func (e *Engine) waitAtBoundary(ctx context.Context, scanID string) error {
	if e.stopped.Load() {
		return faults.Errorf(faults.StopRequested, "pipeline.Run", "stopped by user")
	}
	if err := ctx.Err(); err != nil {
		return faults.New(faults.StopRequested, "pipeline.Run", err)
	}
	if !e.paused.Load() {
		return nil
	}

	if err := e.store.SetScanStatus(scanID, models.StatusPaused, ""); err != nil {
		return err
	}
	if e.hooks.ScanPaused != nil {
		e.hooks.ScanPaused(scanID)
	}
	e.log.Info("scan paused at stage boundary", zap.String("scan_id", scanID))

	for e.paused.Load() {
		if e.stopped.Load() {
			return faults.Errorf(faults.StopRequested, "pipeline.Run", "stopped by user")
		}
		select {
		case <-ctx.Done():
			return faults.New(faults.StopRequested, "pipeline.Run", ctx.Err())
		case <-time.After(e.PausePoll):
		}
	}

	if err := e.store.SetScanStatus(scanID, models.StatusRunning, ""); err != nil {
		return err
	}
	if e.hooks.ScanResumed != nil {
		e.hooks.ScanResumed(scanID)
	}
	e.log.Info("scan resumed", zap.String("scan_id", scanID))
	return nil
}

// finish moves the scan to its terminal status and fires the hook. The
// original run error wins over a status-write failure.
func (e *Engine) finish(scanID string, status models.ScanStatus, msg string, runErr error) error {
	if err := e.store.SetScanStatus(scanID, status, msg); err != nil {
		e.log.Error("writing terminal scan status",
			zap.String("scan_id", scanID),
			zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	if e.hooks.ScanFinished != nil {
		e.hooks.ScanFinished(scanID, status, msg)
	}
	return runErr
}

// writeReport dumps the raw results cache under the reports directory.
// Best-effort; a report is a convenience artifact, not scan state.
func (e *Engine) writeReport(scan *models.Scan, target *models.Target, completed []string, moduleState map[string]string, cache map[string]json.RawMessage) {
	if e.reportsDir == "" {
		return
	}
	report := struct {
		ScanID           string                     `json:"scan_id"`
		Target           string                     `json:"target"`
		Domain           string                     `json:"domain"`
		Profile          models.Profile             `json:"profile"`
		CompletedModules []string                   `json:"completed_modules"`
		ModuleState      map[string]string          `json:"module_state,omitempty"`
		Results          map[string]json.RawMessage `json:"results"`
		GeneratedAt      time.Time                  `json:"generated_at"`
	}{
		ScanID:           scan.ID,
		Target:           target.Name,
		Domain:           target.Domain,
		Profile:          scan.Profile,
		CompletedModules: completed,
		ModuleState:      moduleState,
		Results:          cache,
		GeneratedAt:      time.Now(),
	}

	data, err := json.MarshalIndent(&report, "", "  ")
	if err != nil {
		e.log.Warn("marshaling report", zap.Error(err))
		return
	}
	path := filepath.Join(e.reportsDir, scan.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.log.Warn("writing report", zap.String("path", path), zap.Error(err))
	}
}

// runIsolated executes one stage inside a deferred recover so a panic in
// stage code is recorded as a stage exception instead of taking down the
// worker.
func runIsolated(ctx context.Context, s Stage, sc *StageContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = faults.Errorf(faults.StageException, "pipeline/"+s.Name, "panic: %v", r)
		}
	}()
	result, err = s.Run(ctx, sc)
	if err != nil && faults.KindOf(err) == "" {
		err = faults.New(faults.StageException, "pipeline/"+s.Name, err)
	}
	return result, err
}

// resumeIndex returns the index of the first stage to run given the
// completed list, and whether that list is a valid prefix of the order.
func resumeIndex(order, completed []string) (int, bool) {
	if len(completed) == 0 {
		return 0, true
	}
	if len(completed) > len(order) {
		return 0, false
	}
	for i, name := range completed {
		if order[i] != name {
			return 0, false
		}
	}
	return len(completed), true
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

func nextStage(order []string, i int) string {
	if i+1 < len(order) {
		return order[i+1]
	}
	return ""
}

func marshalResult(result any) json.RawMessage {
	if result == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("{\"marshal_error\":%q}", err.Error()))
	}
	return data
}
