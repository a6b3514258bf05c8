package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/queue"
	"github.com/mzaki/scanward/internal/resilience"
	"github.com/mzaki/scanward/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan orchestrator daemon",
	Long: `Start the long-running orchestrator: the HTTP control surface, the
scan queue worker, the resilience monitor and the event stream. Scans
submitted over the API are executed one at a time with checkpointed
progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		events := server.NewBroadcaster(logger)

		q := queue.New(queue.Options{
			Log:     logger,
			Store:   app.store,
			Factory: app.engineFactory(func(scan *models.Scan, target *models.Target) pipeline.Hooks {
				return pipeline.Hooks{
					StageStarted: func(scanID, stage string, index, total int) {
						events.Publish("stage_started", map[string]any{
							"scan_id": scanID,
							"stage":   stage,
							"index":   index,
							"total":   total,
						})
					},
					StageFinished: func(scanID, stage string, err error, elapsed time.Duration) {
						payload := map[string]any{
							"scan_id":    scanID,
							"stage":      stage,
							"elapsed_ms": elapsed.Milliseconds(),
						}
						if err != nil {
							payload["error"] = err.Error()
						}
						events.Publish("stage_finished", payload)
					},
					ScanFinished: func(scanID string, status models.ScanStatus, errorMessage string) {
						events.Publish("scan_finished", map[string]any{
							"scan_id": scanID,
							"status":  status,
							"error":   errorMessage,
						})
					},
					ScanPaused: func(scanID string) {
						events.Publish("scan_paused", map[string]string{"scan_id": scanID})
					},
					ScanResumed: func(scanID string) {
						events.Publish("scan_resumed", map[string]string{"scan_id": scanID})
					},
				}
			}),
			OnDepth: func(depth int) {
				app.metrics.QueueDepth.Set(float64(depth))
			},
		})

		monitor := resilience.New(cfg.Resilience, q, app.store, logger)
		monitor.OnNetworkChange = func(online bool) {
			if online {
				app.metrics.NetworkOnline.Set(1)
			} else {
				app.metrics.NetworkOnline.Set(0)
			}
			events.Publish("network_changed", map[string]bool{"online": online})
		}
		if app.triager != nil {
			monitor.SetModelReporter(app.triager)
		}

		srv := server.New(server.Config{
			Log:         logger,
			Store:       app.store,
			Scheduler:   q,
			System:      monitor,
			Events:      events,
			Metrics:     app.metrics.Handler(),
			CORSOrigins: cfg.Server.AllowedOrigins,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q.Start(ctx)
		monitor.Start(ctx)
		resumeInterrupted(app, q)

		if app.triager != nil && cfg.LLM.AutoScale {
			if model, err := app.triager.AutoScale(ctx); err != nil {
				logger.Warn("llm autoscale", zap.Error(err))
			} else {
				logger.Info("triage model loaded", zap.String("model", model))
			}
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(cfg.Server.Listen) }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		if err := q.Shutdown(shutdownCtx); err != nil {
			logger.Warn("queue shutdown", zap.Error(err))
		}
		monitor.Stop()
		return nil
	},
}

// resumeInterrupted re-queues scans a previous process left in a
// non-terminal state. Their checkpoints carry the completed prefix, so
// each one picks up at its last stage boundary. A scan whose row reads
// paused is re-queued too, but its engine starts with the pause armed
// and holds until an explicit resume.
func resumeInterrupted(app *app, q *queue.Queue) {
	scans, err := app.store.ListScans()
	if err != nil {
		app.log.Warn("listing scans for resume", zap.Error(err))
		return
	}
	for _, scan := range scans {
		if scan.Status.IsTerminal() || scan.Status == models.StatusPending {
			continue
		}
		target, err := app.store.GetTarget(scan.TargetID)
		if err != nil || target == nil {
			app.log.Warn("orphaned scan, skipping resume", zap.String("scan_id", scan.ID))
			continue
		}
		scan.Resumed = true
		if err := app.store.SaveScan(scan); err != nil {
			app.log.Warn("raising resumed flag", zap.String("scan_id", scan.ID), zap.Error(err))
			continue
		}
		if err := q.Enqueue(scan, target); err != nil {
			app.log.Warn("re-queuing interrupted scan", zap.String("scan_id", scan.ID), zap.Error(err))
			continue
		}
		app.log.Info("interrupted scan re-queued",
			zap.String("scan_id", scan.ID),
			zap.String("domain", target.Domain))
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
