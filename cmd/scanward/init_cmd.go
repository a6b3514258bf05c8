package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/storage"
)

var (
	initForce bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize scanward with default configuration",
	Long: `Creates a default configuration file (scanward.yaml), bootstraps the
workspace directory tree, and initializes the artifact database.

This is typically the first command you run when setting up scanward.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(initDir, "scanward.yaml")

		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("config file already exists at %s. Use --force to overwrite", configPath)
		}

		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Printf("Created %s with default configuration\n", configPath)

		// Load the config we just created to resolve workspace paths
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := storage.BootstrapWorkspace(cfg); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
		fmt.Printf("Created workspace: %s\n", cfg.WorkspaceRoot)

		store, err := storage.NewStore(cfg.DBPath, zap.NewNop())
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()
		fmt.Printf("Initialized database: %s\n", cfg.DBPath)

		fmt.Println()
		fmt.Println("Scanward initialized successfully!")
		fmt.Println("Run 'scanward check' to verify your tools.")

		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing config file")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "output directory")
	rootCmd.AddCommand(initCmd)
}
