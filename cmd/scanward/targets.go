package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mzaki/scanward/internal/models"
)

var (
	targetName    string
	targetInclude []string
	targetExclude []string
	targetRanges  []string
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage engagement targets and their scope",
}

var targetsAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Register a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := strings.ToLower(args[0])
		app, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		name := targetName
		if name == "" {
			name = domain
		}
		target := models.NewTarget(name, domain)
		target.ScopeInclude = append(target.ScopeInclude, targetInclude...)
		target.ScopeExclude = targetExclude
		target.IPRanges = targetRanges

		if err := app.store.SaveTarget(target); err != nil {
			return err
		}
		fmt.Printf("Registered %s (%s)\n", domain, target.ID)
		return nil
	},
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		targets, err := app.store.ListTargets()
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			fmt.Println("No targets registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "Domain\tName\tScope\tExcluded\tCreated")
		fmt.Fprintln(w, "------\t----\t-----\t--------\t-------")
		for _, t := range targets {
			fmt.Fprintf(w, "%s\t%s\t%d entries\t%d entries\t%s\n",
				t.Domain, t.Name,
				len(t.ScopeInclude), len(t.ScopeExclude),
				t.CreatedAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var targetsRemoveCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Delete a target and every scan under it",
	Args:  cobra.ExactArgs(1),
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
		if err := app.store.DeleteTarget(target.ID); err != nil {
			return err
		}
		fmt.Printf("Removed %s and its scan history\n", domain)
		return nil
	},
}

func init() {
	targetsAddCmd.Flags().StringVar(&targetName, "name", "", "display name (defaults to the domain)")
	targetsAddCmd.Flags().StringSliceVar(&targetInclude, "include", nil, "additional in-scope patterns")
	targetsAddCmd.Flags().StringSliceVar(&targetExclude, "exclude", nil, "out-of-scope patterns")
	targetsAddCmd.Flags().StringSliceVar(&targetRanges, "ip-range", nil, "in-scope CIDR ranges")

	targetsCmd.AddCommand(targetsAddCmd)
	targetsCmd.AddCommand(targetsListCmd)
	targetsCmd.AddCommand(targetsRemoveCmd)
	rootCmd.AddCommand(targetsCmd)
}
