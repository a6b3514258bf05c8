package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mzaki/scanward/internal/models"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <domain>",
	Short: "Show scan history for a domain",
	Long: `Display past scans for a target domain, newest first. Each row shows
the scan ID (truncated), creation time, profile, terminal status and
per-stage progress.

Use --limit to cap the number of rows shown (default: 10).`,
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
			return fmt.Errorf("listing scans for %s: %w", domain, err)
		}
		if len(scans) == 0 {
			fmt.Printf("No scan history found for %s\n", domain)
			return nil
		}
		if historyLimit > 0 && len(scans) > historyLimit {
			scans = scans[:historyLimit]
		}

		const separator = "────────────────────────────────────────────────────────────────────────"

		fmt.Printf("\nScan History for %s\n", domain)
		fmt.Println(separator)
		fmt.Printf("  %-3s  %-12s  %-18s  %-11s  %-10s  %s\n", "#", "Scan ID", "Created", "Profile", "Status", "Progress")
		fmt.Println(separator)

		for i, scan := range scans {
			fmt.Printf("  %-3d  %-12s  %-18s  %-11s  %-10s  %s\n",
				i+1,
				shortScanID(scan.ID),
				scan.CreatedAt.UTC().Format("2006-01-02 15:04"),
				scan.Profile,
				formatStatus(scan),
				formatProgress(scan))
		}

		fmt.Println(separator)
		fmt.Printf("Total: %d scan(s)\n\n", len(scans))
		return nil
	},
}

// shortScanID truncates a UUID for compact table display
func shortScanID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// formatStatus renders the status with the error note for failed scans
func formatStatus(scan *models.Scan) string {
	if scan.Status == models.StatusFailed && scan.ErrorMessage == "stopped by user" {
		return "stopped"
	}
	return string(scan.Status)
}

// formatProgress summarizes the per-stage progress map as "done/total"
// plus the stage in flight, if any.
func formatProgress(scan *models.Scan) string {
	if len(scan.Progress) == 0 {
		return "-"
	}
	done := 0
	for _, pct := range scan.Progress {
		if pct >= 100 {
			done++
		}
	}
	out := fmt.Sprintf("%d/%d stages", done, len(scan.Progress))
	if scan.CurrentStage != "" && !scan.Status.IsTerminal() {
		out += " (" + scan.CurrentStage + ")"
	}
	return out
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "maximum number of scans to display")
	rootCmd.AddCommand(historyCmd)
}
