package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/checkpoint"
	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/llm"
	"github.com/mzaki/scanward/internal/metrics"
	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/notify"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/proc"
	"github.com/mzaki/scanward/internal/queue"
	"github.com/mzaki/scanward/internal/scanners"
	"github.com/mzaki/scanward/internal/scope"
	"github.com/mzaki/scanward/internal/storage"
	"github.com/mzaki/scanward/internal/tools"
	"github.com/mzaki/scanward/internal/wordlist"
)

// app bundles the long-lived components every command wires the same way
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *storage.Store
	ckpts    *checkpoint.Store
	registry *tools.Registry
	lists    *wordlist.Manager
	triager  *llm.Triager
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	httpc    *http.Client
}

// newApp bootstraps the workspace and opens every shared component
func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := storage.BootstrapWorkspace(cfg); err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	ckpts, err := checkpoint.NewStore(cfg.CheckpointDir, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	lists := wordlist.NewManager(cfg.WordlistsDir())
	if err := lists.EnsureDefaults(); err != nil {
		log.Warn("seeding default wordlists", zap.Error(err))
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		ckpts:    ckpts,
		registry: tools.NewRegistry(log, proc.NewSupervisor(log), cfg.Tools),
		lists:    lists,
		metrics:  metrics.New(),
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.LLM.Enabled {
		a.triager = llm.NewTriager(cfg.LLM, llm.NewOllamaClient(cfg.LLM.Endpoint), log)
	}
	if cfg.Notify.WebhookURL != "" {
		a.notifier = notify.New(cfg.Notify.WebhookURL, log)
	}
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
}

// stageDeps assembles the per-scan stage capabilities
func (a *app) stageDeps(sup *proc.Supervisor, target *models.Target) *scanners.Deps {
	var triage scanners.Triager
	if a.triager != nil && a.triager.Enabled() {
		triage = a.triager
	}
	return &scanners.Deps{
		Runner: sup,
		Tools:  a.registry,
		Sink:   a.store,
		Lists:  a.lists,
		Triage: triage,
		Scope:  scope.ForTarget(target),
		HTTP:   a.httpc,
		DNS:    net.DefaultResolver,
		Log:    a.log,
	}
}

// engineFactory builds one engine per dequeued scan. The extra hooks,
// when non-nil, are layered over the metrics and notification wiring.
func (a *app) engineFactory(extra func(scan *models.Scan, target *models.Target) pipeline.Hooks) queue.Factory {
	return func(scan *models.Scan, target *models.Target) queue.Executor {
		sup := proc.NewSupervisor(a.log)
		sup.Observe = func(tag, outcome string, _ time.Duration) {
			a.metrics.ToolInvocations.WithLabelValues(tag, outcome).Inc()
		}

		hooks := pipeline.Hooks{
			ObserveStage: func(stage string, elapsed time.Duration) {
				a.metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
			},
			ScanFinished: func(scanID string, status models.ScanStatus, errorMessage string) {
				a.metrics.ScansFinished.WithLabelValues(string(status)).Inc()
				a.notifyFinished(scanID, target)
			},
		}
		if extra != nil {
			hooks = mergeHooks(hooks, extra(scan, target))
		}
		a.metrics.ScansStarted.Inc()

		return pipeline.NewEngine(pipeline.EngineConfig{
			Log:         a.log,
			Store:       a.store,
			Checkpoints: a.ckpts,
			Stages:      scanners.Stages(a.stageDeps(sup, target)),
			Profile:     a.cfg.ProfileFor(string(scan.Profile)),
			Supervisor:  sup,
			Hooks:       hooks,
			ReportsDir:  a.cfg.ReportsDir(),
			StopOnError: scan.StopOnError,
		})
	}
}

// notifyFinished fires the completion webhook with final artifact counts
func (a *app) notifyFinished(scanID string, target *models.Target) {
	if a.notifier == nil {
		return
	}
	scan, err := a.store.GetScan(scanID)
	if err != nil || scan == nil {
		return
	}
	counts, err := a.store.CountArtifacts(scanID)
	if err != nil {
		a.log.Warn("counting artifacts for notification", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.notifier.ScanFinished(ctx, scan, target, counts)
}

// mergeHooks chains two hook sets, base first
func mergeHooks(base, over pipeline.Hooks) pipeline.Hooks {
	out := base
	if over.StageStarted != nil {
		prev := out.StageStarted
		out.StageStarted = func(scanID, stage string, index, total int) {
			if prev != nil {
				prev(scanID, stage, index, total)
			}
			over.StageStarted(scanID, stage, index, total)
		}
	}
	if over.StageFinished != nil {
		prev := out.StageFinished
		out.StageFinished = func(scanID, stage string, err error, elapsed time.Duration) {
			if prev != nil {
				prev(scanID, stage, err, elapsed)
			}
			over.StageFinished(scanID, stage, err, elapsed)
		}
	}
	if over.ScanFinished != nil {
		prev := out.ScanFinished
		out.ScanFinished = func(scanID string, status models.ScanStatus, errorMessage string) {
			if prev != nil {
				prev(scanID, status, errorMessage)
			}
			over.ScanFinished(scanID, status, errorMessage)
		}
	}
	if over.ScanPaused != nil {
		prev := out.ScanPaused
		out.ScanPaused = func(scanID string) {
			if prev != nil {
				prev(scanID)
			}
			over.ScanPaused(scanID)
		}
	}
	if over.ScanResumed != nil {
		prev := out.ScanResumed
		out.ScanResumed = func(scanID string) {
			if prev != nil {
				prev(scanID)
			}
			over.ScanResumed(scanID)
		}
	}
	if over.ObserveStage != nil {
		prev := out.ObserveStage
		out.ObserveStage = func(stage string, elapsed time.Duration) {
			if prev != nil {
				prev(stage, elapsed)
			}
			over.ObserveStage(stage, elapsed)
		}
	}
	return out
}
