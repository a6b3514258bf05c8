package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/proc"
	"github.com/mzaki/scanward/internal/scanners"
)

var (
	scanProfile     string
	scanStopOnError bool
	scanResume      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <domain>",
	Short: "Run a full scan against a domain",
	Long: `Run the complete stage pipeline against a domain and block until it
reaches a terminal status. The domain must belong to a registered
target; an unknown domain is registered automatically with its default
scope.

With --resume, the most recent interrupted scan for the domain is
continued from its checkpoint instead of starting a new one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := strings.ToLower(args[0])
		if !models.Profile(scanProfile).IsValid() {
			return fmt.Errorf("unknown profile %q", scanProfile)
		}

		app, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.store.GetTargetByDomain(domain)
		if err != nil {
			return err
		}
		if target == nil {
			target = models.NewTarget(domain, domain)
			if err := app.store.SaveTarget(target); err != nil {
				return err
			}
			logger.Info("registered new target", zap.String("domain", domain))
		}

		scan, err := selectScan(app, target)
		if err != nil {
			return err
		}

		sup := proc.NewSupervisor(logger)
		engine := pipeline.NewEngine(pipeline.EngineConfig{
			Log:         logger,
			Store:       app.store,
			Checkpoints: app.ckpts,
			Stages:      scanners.Stages(app.stageDeps(sup, target)),
			Profile:     cfg.ProfileFor(string(scan.Profile)),
			Supervisor:  sup,
			ReportsDir:  cfg.ReportsDir(),
			StopOnError: scan.StopOnError,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			engine.Stop()
		}()

		fmt.Printf("Scanning %s (scan %s, profile %s)\n", domain, scan.ID, scan.Profile)
		if err := engine.Run(context.Background(), scan, target); err != nil {
			return err
		}

		counts, err := app.store.CountArtifacts(scan.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Scan complete: %d subdomains, %d endpoints, %d open ports, %d findings\n",
			counts.Subdomains, counts.Endpoints, counts.Ports, counts.Findings)
		fmt.Printf("Report: %s/%s.json\n", cfg.ReportsDir(), scan.ID)
		return nil
	},
}

// selectScan creates a fresh scan row, or re-arms the latest interrupted
// one when --resume is set.
func selectScan(app *app, target *models.Target) (*models.Scan, error) {
	if scanResume {
		scans, err := app.store.ListScansForTarget(target.ID)
		if err != nil {
			return nil, err
		}
		for _, scan := range scans {
			if scan.Status.IsTerminal() {
				continue
			}
			scan.Resumed = true
			if err := app.store.SaveScan(scan); err != nil {
				return nil, err
			}
			app.log.Info("resuming interrupted scan",
				zap.String("scan_id", scan.ID),
				zap.String("status", string(scan.Status)))
			return scan, nil
		}
		return nil, fmt.Errorf("no interrupted scan to resume for %s", target.Domain)
	}

	scan := models.NewScan(target.ID, models.Profile(scanProfile))
	scan.StopOnError = scanStopOnError
	if err := app.store.SaveScan(scan); err != nil {
		return nil, err
	}
	return scan, nil
}

func init() {
	scanCmd.Flags().StringVar(&scanProfile, "profile", "normal", "scan profile: stealth, normal or aggressive")
	scanCmd.Flags().BoolVar(&scanStopOnError, "stop-on-error", false, "fail the scan on the first stage error")
	scanCmd.Flags().BoolVar(&scanResume, "resume", false, "resume the most recent interrupted scan")
	rootCmd.AddCommand(scanCmd)
}
