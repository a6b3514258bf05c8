// Package scanners implements the nine pipeline stages. Every stage
// depends only on the narrow capabilities below plus its prior results,
// which keeps the stages free of engine and storage internals and makes
// each one testable with fakes.
package scanners

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/scope"
	"github.com/mzaki/scanward/internal/tools"
)

// Sink is the artifact-write capability, satisfied by the storage package
type Sink interface {
	SaveSubdomains(scanID string, batch []models.Subdomain) error
	SaveEndpoints(scanID string, batch []models.Endpoint) error
	SaveFindings(scanID string, batch []models.Finding) error
	SavePorts(scanID string, batch []models.Port) error
	GetSubdomains(scanID string) ([]models.Subdomain, error)
	GetEndpoints(scanID string) ([]models.Endpoint, error)
}

// Tools resolves a tool name to a runnable binary, installing on demand
type Tools interface {
	Ensure(ctx context.Context, name string) (string, error)
}

// Wordlists is the list-lookup capability of the wordlist manager
type Wordlists interface {
	Path(name string) (string, error)
	Load(name string) ([]string, error)
}

// Triager post-filters findings; the llm package satisfies it
type Triager interface {
	Triage(ctx context.Context, f models.Finding) models.Finding
}

// Resolver looks up hostnames; net.Resolver satisfies it
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Deps bundles the capabilities shared by all stages
type Deps struct {
	Runner tools.Runner
	Tools  Tools
	Sink   Sink
	Lists  Wordlists
	Triage Triager
	Scope  *scope.Scope
	HTTP   *http.Client
	DNS    Resolver
	Log    *zap.Logger
}

func (d *Deps) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func (d *Deps) httpClient() *http.Client {
	if d.HTTP == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return d.HTTP
}

// Stages builds the full stage list in canonical order over one set of
// capabilities.
func Stages(d *Deps) []pipeline.Stage {
	return []pipeline.Stage{
		{Name: pipeline.StageSubdomainEnum, Run: d.runSubdomainEnum},
		{Name: pipeline.StageDNSResolution, Run: d.runDNSResolution},
		{Name: pipeline.StageHTTPProbe, Run: d.runHTTPProbe},
		{Name: pipeline.StagePortScan, Run: d.runPortScan},
		{Name: pipeline.StageWaybackURLs, Run: d.runWaybackURLs},
		{Name: pipeline.StageJSAnalysis, Run: d.runJSAnalysis},
		{Name: pipeline.StageGFPatterns, Run: d.runGFPatterns},
		{Name: pipeline.StageFuzzing, Run: d.runFuzzing},
		{Name: pipeline.StageNucleiScan, Run: d.runNucleiScan},
	}
}

// ensure resolves a tool, logging the miss. The empty path signals the
// caller to skip or fall back.
func (d *Deps) ensure(ctx context.Context, name string) (string, error) {
	path, err := d.Tools.Ensure(ctx, name)
	if err != nil {
		d.log().Warn("tool unavailable",
			zap.String("tool", name),
			zap.Error(err))
		return "", err
	}
	return path, nil
}
