package tools

import (
	"bytes"
	"os/exec"
	"sort"
	"strings"

	"github.com/mzaki/scanward/internal/config"
)

// CheckResult represents the result of checking a single tool
type CheckResult struct {
	Tool    Tool
	Found   bool
	Path    string
	Version string
}

// Check probes every registered tool without installing anything. Results
// come back sorted by name for stable CLI output.
func (r *Registry) Check() []CheckResult {
	r.mu.Lock()
	entries := make([]Tool, 0, len(r.entries))
	for _, t := range r.entries {
		entries = append(entries, t)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	results := make([]CheckResult, len(entries))
	for i, tool := range entries {
		results[i] = probeTool(tool)
	}
	return results
}

// probeTool checks if a single tool is available
func probeTool(tool Tool) CheckResult {
	result := CheckResult{Tool: tool}

	path, err := exec.LookPath(config.ExpandHome(tool.Binary))
	if err != nil {
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(path)

	return result
}

// getVersion attempts to get the version of a tool (best effort)
func getVersion(binary string) string {
	versionFlags := []string{"--version", "-version", "-v", "version"}

	for _, flag := range versionFlags {
		cmd := exec.Command(binary, flag)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if err == nil && out.Len() > 0 {
			firstLine := strings.Split(out.String(), "\n")[0]
			version := strings.TrimSpace(firstLine)
			if len(version) > 50 {
				version = version[:50] + "..."
			}
			return version
		}
	}

	return "unknown"
}
