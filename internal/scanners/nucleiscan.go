package scanners

import (
	"context"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/tools"
)

// NucleiScanResult is the cached output of the nuclei_scan stage
type NucleiScanResult struct {
	Targets    int            `json:"targets"`
	Findings   int            `json:"findings"`
	BySeverity map[string]int `json:"by_severity,omitempty"`
}

// runNucleiScan sweeps the live URLs with the nuclei template engine.
// Each raw hit passes through triage before it is stored; triage is
// best-effort and never drops a finding on its own failure.
func (d *Deps) runNucleiScan(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	targets := d.liveBaseURLs(sc)
	result := NucleiScanResult{Targets: len(targets)}
	if len(targets) == 0 {
		return result, nil
	}

	binary, err := d.ensure(ctx, "nuclei")
	if err != nil {
		return result, err
	}

	hits, err := tools.RunNuclei(ctx, d.Runner, targets, tools.NucleiOptions{
		Binary:      binary,
		Severities:  sc.Profile.NucleiSeverities,
		Concurrency: sc.Profile.Concurrency,
		RateLimit:   sc.Profile.RateLimit,
		Timeout:     sc.Profile.ProcessTimeout,
		Log:         d.Log,
	})
	if err != nil && len(hits) == 0 {
		return result, err
	}

	result.BySeverity = make(map[string]int)
	findings := make([]models.Finding, 0, len(hits))
	for _, hit := range hits {
		f := hit.ToFinding(sc.ScanID)
		if d.Triage != nil {
			f = d.Triage.Triage(ctx, f)
		}
		findings = append(findings, f)
		result.BySeverity[string(f.Severity)]++
	}
	result.Findings = len(findings)

	if err := d.Sink.SaveFindings(sc.ScanID, findings); err != nil {
		return nil, err
	}

	d.log().Info("vulnerability scan finished",
		zap.Int("targets", result.Targets),
		zap.Int("findings", result.Findings))
	return result, nil
}
