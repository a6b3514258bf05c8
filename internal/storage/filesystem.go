package storage

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/mzaki/scanward/internal/config"
)

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9.\-]+`)

// SanitizeTarget replaces characters unsafe for filesystem paths.
// Alphanumerics, dots and hyphens pass through, everything else becomes
// an underscore.
func SanitizeTarget(target string) string {
	return unsafePathChars.ReplaceAllString(target, "_")
}

// EnsureDir creates a directory and any missing parents
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// BootstrapWorkspace lays out the on-disk workspace the configuration
// points at: the database directory, checkpoint state, logs, reports and
// wordlists. Safe to call on every startup.
func BootstrapWorkspace(cfg *config.Config) error {
	dirs := []string{
		cfg.WorkspaceRoot,
		filepath.Dir(cfg.DBPath),
		cfg.CheckpointDir,
		cfg.LogsDir(),
		cfg.ReportsDir(),
		cfg.WordlistsDir(),
	}
	for _, dir := range dirs {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}
