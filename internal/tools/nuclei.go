package tools

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/proc"
)

// NucleiClassification holds CVE/CWE and CVSS metadata for a finding.
type NucleiClassification struct {
	CVEID       []string `json:"cve-id"`
	CWEID       []string `json:"cwe-id"`
	CVSSMetrics string   `json:"cvss-metrics"`
	CVSSScore   float64  `json:"cvss-score"`
}

// NucleiResultInfo holds the template info block from nuclei JSONL output.
type NucleiResultInfo struct {
	Name           string                `json:"name"`
	Severity       string                `json:"severity"`
	Description    string                `json:"description"`
	Reference      []string              `json:"reference"`
	Classification *NucleiClassification `json:"classification"`
	Remediation    string                `json:"remediation"`
	Tags           []string              `json:"tags"`
}

// NucleiResult represents one finding from nuclei's JSONL output.
type NucleiResult struct {
	TemplateID    string           `json:"template-id"`
	TemplateURL   string           `json:"template-url"`
	Info          NucleiResultInfo `json:"info"`
	Type          string           `json:"type"`
	Host          string           `json:"host"`
	MatchedAt     string           `json:"matched-at"`
	IP            string           `json:"ip"`
	CurlCommand   string           `json:"curl-command"`
	Timestamp     string           `json:"timestamp"`
	MatcherStatus bool             `json:"matcher-status"`
}

// NucleiOptions tunes one nuclei invocation
type NucleiOptions struct {
	Binary      string
	Severities  []string
	Concurrency int
	RateLimit   int
	Timeout     time.Duration
	Log         *zap.Logger
}

// RunNuclei executes nuclei against the given targets and returns parsed
// findings. Targets are piped via stdin (one per line); findings stream out
// as JSONL. Findings parsed before an abnormal exit are still returned.
func RunNuclei(ctx context.Context, r Runner, targets []string, o NucleiOptions) ([]NucleiResult, error) {
	if len(targets) == 0 {
		return []NucleiResult{}, nil
	}

	binary := "nuclei"
	if o.Binary != "" {
		binary = o.Binary
	}
	severities := o.Severities
	if len(severities) == 0 {
		severities = []string{"critical", "high", "medium"}
	}
	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = 25
	}
	rateLimit := o.RateLimit
	if rateLimit <= 0 {
		rateLimit = 150
	}

	args := []string{
		binary,
		"-jsonl",
		"-silent",
		"-severity", strings.Join(severities, ","),
		"-c", strconv.Itoa(concurrency),
		"-rl", strconv.Itoa(rateLimit),
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Stdin:   stdinList(targets),
		Timeout: o.Timeout,
		Tag:     "nuclei",
	})
	if res == nil {
		return nil, err
	}

	results := decodeJSONLines[NucleiResult](res.Stdout, o.Log, "nuclei")
	return results, err
}

// ToFinding converts a nuclei result to the stored finding shape.
// Severity strings map onto the severity enum, unknown values become info.
func (nr NucleiResult) ToFinding(scanID string) models.Finding {
	f := models.Finding{
		ScanID:     scanID,
		Title:      nr.Info.Name,
		Severity:   mapSeverity(nr.Info.Severity),
		URL:        nr.MatchedAt,
		Evidence:   nr.Info.Description,
		Tool:       "nuclei",
		TemplateID: nr.TemplateID,
	}
	if nr.Info.Classification != nil {
		f.CVSS = nr.Info.Classification.CVSSScore
	}
	if nr.CurlCommand != "" {
		f.Reproduction = []string{nr.CurlCommand}
	}
	return f
}

// mapSeverity converts a nuclei severity string to a models.Severity constant.
func mapSeverity(s string) models.Severity {
	switch s {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "medium":
		return models.SeverityMedium
	case "low":
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}
