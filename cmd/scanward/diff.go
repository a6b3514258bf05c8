package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mzaki/scanward/internal/diff"
	"github.com/mzaki/scanward/internal/models"
)

var diffAgainst string

var diffCmd = &cobra.Command{
	Use:   "diff <domain>",
	Short: "Compare the two most recent scans of a domain",
	Long: `Compare the most recent completed scan of a domain against the one
before it and report what changed: subdomains that appeared or vanished,
ports that opened or closed, and findings that are new or no longer
reproduce.

Use --against to pin the baseline to a specific scan ID instead of the
second-most-recent scan.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := strings.ToLower(args[0])
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
			return fmt.Errorf("target %s not found", domain)
		}

		scans, err := app.store.ListScansForTarget(target.ID)
		if err != nil {
			return err
		}
		currentID, previousID, err := pickDiffPair(scans, diffAgainst)
		if err != nil {
			return err
		}

		current, err := diff.Load(app.store, currentID)
		if err != nil {
			return err
		}
		previous := &diff.Snapshot{}
		if previousID != "" {
			if previous, err = diff.Load(app.store, previousID); err != nil {
				return err
			}
		}

		result := diff.Compute(current, previous)

		baseline := "nothing (first scan)"
		if previousID != "" {
			baseline = shortScanID(previousID)
		}
		fmt.Printf("\nDiff for %s: %s vs %s\n\n", domain, shortScanID(currentID), baseline)
		fmt.Printf("Subdomains: +%d new, -%d removed (%d total)\n",
			len(result.NewSubdomains), len(result.RemovedSubdomains), result.CurrentCounts.Subdomains)
		fmt.Printf("Ports:      +%d opened, -%d closed (%d total)\n",
			len(result.NewPorts), len(result.ClosedPorts), result.CurrentCounts.Ports)
		fmt.Printf("Findings:   +%d new, -%d resolved (%d total)\n",
			len(result.NewFindings), len(result.ResolvedFindings), result.CurrentCounts.Findings)

		if len(result.NewSubdomains) > 0 {
			fmt.Println("\nNew subdomains:")
			for _, s := range result.NewSubdomains {
				fmt.Printf("  + %s\n", s.Hostname)
			}
		}
		if len(result.NewPorts) > 0 {
			fmt.Println("\nOpened ports:")
			for _, p := range result.NewPorts {
				fmt.Printf("  + %s:%d/%s\n", p.IP, p.Port.Port, p.Port.Protocol)
			}
		}
		if len(result.NewFindings) > 0 {
			fmt.Println("\nNew findings:")
			for _, f := range result.NewFindings {
				fmt.Printf("  + [%s] %s\n", f.Severity, f.Title)
			}
		}
		fmt.Println()
		return nil
	},
}

// pickDiffPair selects the newest completed scan as current and either
// the pinned baseline or the completed scan before it as previous. An
// empty previous ID means there is nothing older to compare against.
func pickDiffPair(scans []*models.Scan, against string) (current, previous string, err error) {
	var completed []string
	for _, scan := range scans {
		if scan.Status == models.StatusCompleted {
			completed = append(completed, scan.ID)
		}
	}
	if len(completed) == 0 {
		return "", "", fmt.Errorf("no completed scans to compare")
	}
	current = completed[0]

	if against != "" {
		if against == current {
			return "", "", fmt.Errorf("--against must name an older scan than the current one")
		}
		for _, id := range completed {
			if id == against {
				return current, against, nil
			}
		}
		return "", "", fmt.Errorf("scan %s not found among completed scans", against)
	}
	if len(completed) > 1 {
		previous = completed[1]
	}
	return current, previous, nil
}

func init() {
	diffCmd.Flags().StringVar(&diffAgainst, "against", "", "baseline scan ID (default: second-most-recent completed scan)")
	rootCmd.AddCommand(diffCmd)
}
