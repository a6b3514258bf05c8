package tools

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/proc"
)

// Tool is one registry entry: how to find a binary, how to install it,
// and what it is for.
type Tool struct {
	Name     string
	Binary   string
	Install  string
	Category string
	Purpose  string
	Required bool
	Enabled  bool
}

// DefaultTools returns the scanning tool roster
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:     "subfinder",
			Binary:   "subfinder",
			Install:  "go install -v github.com/projectdiscovery/subfinder/v2/cmd/subfinder@latest",
			Category: "passive",
			Purpose:  "Passive subdomain discovery",
			Required: true,
			Enabled:  true,
		},
		{
			Name:     "amass",
			Binary:   "amass",
			Install:  "go install -v github.com/owasp-amass/amass/v4/...@master",
			Category: "passive",
			Purpose:  "Passive subdomain discovery (secondary source)",
			Enabled:  true,
		},
		{
			Name:     "dnsx",
			Binary:   "dnsx",
			Install:  "go install -v github.com/projectdiscovery/dnsx/cmd/dnsx@latest",
			Category: "dns",
			Purpose:  "Bulk DNS resolution",
			Required: true,
			Enabled:  true,
		},
		{
			Name:     "httpx",
			Binary:   "httpx",
			Install:  "go install -v github.com/projectdiscovery/httpx/cmd/httpx@latest",
			Category: "http",
			Purpose:  "HTTP probing and tech detection",
			Required: true,
			Enabled:  true,
		},
		{
			Name:     "naabu",
			Binary:   "naabu",
			Install:  "go install -v github.com/projectdiscovery/naabu/v2/cmd/naabu@latest",
			Category: "port",
			Purpose:  "Fast port sweep",
			Enabled:  true,
		},
		{
			Name:     "nmap",
			Binary:   "nmap",
			Install:  "apt install nmap (or brew install nmap on macOS)",
			Category: "port",
			Purpose:  "Service fingerprinting",
			Enabled:  true,
		},
		{
			Name:     "cdncheck",
			Binary:   "cdncheck",
			Install:  "go install -v github.com/projectdiscovery/cdncheck/cmd/cdncheck@latest",
			Category: "port",
			Purpose:  "CDN/WAF classification (skips CDN ranges in port scans)",
			Enabled:  true,
		},
		{
			Name:     "gau",
			Binary:   "gau",
			Install:  "go install -v github.com/lc/gau/v2/cmd/gau@latest",
			Category: "content",
			Purpose:  "Historical URL mining",
			Enabled:  true,
		},
		{
			Name:     "ffuf",
			Binary:   "ffuf",
			Install:  "go install -v github.com/ffuf/ffuf/v2@latest",
			Category: "content",
			Purpose:  "Content fuzzing",
			Enabled:  true,
		},
		{
			Name:     "nuclei",
			Binary:   "nuclei",
			Install:  "go install -v github.com/projectdiscovery/nuclei/v3/cmd/nuclei@latest",
			Category: "vuln",
			Purpose:  "Template-based vulnerability matching",
			Required: true,
			Enabled:  true,
		},
	}
}

// Registry resolves tool names to binaries and installs what is missing.
// Ensure is idempotent, and concurrent calls for the same tool collapse
// into one install attempt.
type Registry struct {
	log    *zap.Logger
	runner Runner

	mu        sync.Mutex
	entries   map[string]Tool
	installed map[string]string // name -> resolved path
	failed    map[string]string // name -> failure memo (cleared per scan)

	group singleflight.Group

	// InstallTimeout bounds one install command.
	InstallTimeout time.Duration
}

// NewRegistry builds a registry from the default roster with config
// overrides applied.
func NewRegistry(log *zap.Logger, runner Runner, overrides map[string]config.ToolOverride) *Registry {
	if log == nil {
		log = zap.NewNop()
	}

	entries := make(map[string]Tool)
	for _, t := range DefaultTools() {
		if o, ok := overrides[t.Name]; ok {
			if o.Binary != "" {
				t.Binary = o.Binary
			}
			if o.Install != "" {
				t.Install = o.Install
			}
			if o.Enabled != nil {
				t.Enabled = *o.Enabled
			}
		}
		entries[t.Name] = t
	}

	return &Registry{
		log:            log,
		runner:         runner,
		entries:        entries,
		installed:      make(map[string]string),
		failed:         make(map[string]string),
		InstallTimeout: 10 * time.Minute,
	}
}

// Lookup returns the registry entry for a tool name
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.entries[name]
	return t, ok
}

// Names returns all registered tool names
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

// Ensure resolves a tool to a runnable binary path, installing it when
// the probe fails. A success is memoised; a failure is memoised too, so a
// scan does not retry a broken install for every host it touches.
func (r *Registry) Ensure(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	tool, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return "", faults.Errorf(faults.ToolSpawnFailed, "tools/"+name, "unknown tool")
	}
	if !tool.Enabled {
		r.mu.Unlock()
		return "", faults.Errorf(faults.ToolSpawnFailed, "tools/"+name, "tool disabled by configuration")
	}
	if path, done := r.installed[name]; done {
		r.mu.Unlock()
		return path, nil
	}
	if msg, bad := r.failed[name]; bad {
		r.mu.Unlock()
		return "", faults.Errorf(faults.ToolSpawnFailed, "tools/"+name, "%s", msg)
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(name, func() (any, error) {
		return r.ensureSlow(ctx, tool)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ensureSlow probes, installs on a miss, and re-probes. Runs at most once
// per tool at a time (callers are collapsed by the singleflight group).
func (r *Registry) ensureSlow(ctx context.Context, tool Tool) (string, error) {
	binary := config.ExpandHome(tool.Binary)

	if path, err := exec.LookPath(binary); err == nil {
		r.memoInstalled(tool.Name, path)
		return path, nil
	}

	if tool.Install == "" || r.runner == nil {
		msg := fmt.Sprintf("binary %q not found and no install command", binary)
		r.memoFailed(tool.Name, msg)
		return "", faults.Errorf(faults.ToolSpawnFailed, "tools/"+tool.Name, "%s", msg)
	}

	r.log.Info("installing missing tool",
		zap.String("tool", tool.Name),
		zap.String("command", tool.Install))

	res, err := r.runner.Run(ctx, proc.Spec{
		Line:    tool.Install,
		Timeout: r.InstallTimeout,
		Tag:     "install/" + tool.Name,
	})
	if err != nil {
		msg := fmt.Sprintf("install failed: %v", err)
		if res != nil && res.Stderr != "" {
			msg = fmt.Sprintf("install failed: %v: %s", err, firstLine(res.Stderr))
		}
		r.memoFailed(tool.Name, msg)
		return "", faults.New(faults.ToolSpawnFailed, "tools/"+tool.Name, err)
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		msg := fmt.Sprintf("binary %q still missing after install", binary)
		r.memoFailed(tool.Name, msg)
		return "", faults.Errorf(faults.ToolSpawnFailed, "tools/"+tool.Name, "%s", msg)
	}

	r.memoInstalled(tool.Name, path)
	return path, nil
}

func (r *Registry) memoInstalled(name, path string) {
	r.mu.Lock()
	r.installed[name] = path
	delete(r.failed, name)
	r.mu.Unlock()
}

func (r *Registry) memoFailed(name, msg string) {
	r.mu.Lock()
	r.failed[name] = msg
	r.mu.Unlock()
}

// ResetFailures clears the failure memos. The queue calls this at scan
// admission so one scan's broken tool does not poison the next.
func (r *Registry) ResetFailures() {
	r.mu.Lock()
	r.failed = make(map[string]string)
	r.mu.Unlock()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
