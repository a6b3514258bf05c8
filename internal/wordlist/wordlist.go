// Package wordlist manages the lists consumed by the fuzzing and
// subdomain stages. Built-in defaults are materialised into the
// workspace on startup so a fresh install can scan without downloading
// anything; users replace the files to bring their own lists.
package wordlist

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Built-in list names
const (
	Common     = "common.txt"
	Subdomains = "subdomains.txt"
)

// Manager resolves list names to files under the workspace wordlists
// directory.
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dir
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// EnsureDefaults creates the wordlists directory and writes the built-in
// lists for any name not already present. Existing files are never
// overwritten.
func (m *Manager) EnsureDefaults() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("wordlist.EnsureDefaults: %w", err)
	}
	for name, entries := range builtins {
		path := filepath.Join(m.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		content := strings.Join(entries, "\n") + "\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("wordlist.EnsureDefaults: %w", err)
		}
	}
	return nil
}

// Path returns the absolute path of a named list, erroring when the file
// does not exist.
func (m *Manager) Path(name string) (string, error) {
	path := filepath.Join(m.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("wordlist %q not found in %s", name, m.dir)
	}
	return path, nil
}

// Load reads a named list, skipping blank lines and # comments
func (m *Manager) Load(name string) ([]string, error) {
	path, err := m.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wordlist.Load: %w", err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wordlist.Load: %w", err)
	}
	return entries, nil
}

// builtins are the default lists. Deliberately short: content discovery
// at depth is what user-supplied lists are for.
var builtins = map[string][]string{
	Common: {
		".env", ".git/config", ".htaccess",
		"admin", "admin/login", "api", "api/v1", "api/v2",
		"backup", "backup.zip", "backup.sql", "bin",
		"config", "config.php", "console", "dashboard", "db",
		"debug", "dev", "docs", "download",
		"graphql", "health", "healthz", "hidden",
		"index.php", "info.php", "internal",
		"js", "login", "logout", "logs",
		"manage", "metrics", "monitor",
		"old", "panel", "phpinfo.php", "portal", "private",
		"register", "robots.txt", "secret", "server-status",
		"settings", "setup", "sitemap.xml", "staging", "static",
		"status", "swagger", "swagger.json", "swagger-ui",
		"temp", "test", "tmp", "upload", "uploads",
		"v1", "v2", "version", "wp-admin", "wp-login.php",
	},
	Subdomains: {
		"admin", "api", "app", "assets", "auth", "beta", "blog",
		"cdn", "ci", "dashboard", "db", "demo", "dev", "docs",
		"files", "ftp", "git", "internal", "jenkins", "mail",
		"monitor", "mx", "ns1", "ns2", "portal", "proxy", "qa",
		"secure", "smtp", "stage", "staging", "static", "support",
		"test", "vpn", "web", "webmail", "wiki", "www",
	},
}
