package scanners

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
)

const (
	jsFetchFanout = 8
	// jsBodyLimit keeps a hostile server from feeding us gigabytes
	jsBodyLimit = 5 << 20
)

// secretRule pairs a detection pattern with its finding metadata
type secretRule struct {
	name     string
	severity models.Severity
	re       *regexp.Regexp
}

var secretRules = []secretRule{
	{"AWS access key ID", models.SeverityCritical,
		regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"Google API key", models.SeverityHigh,
		regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)},
	{"Slack token", models.SeverityHigh,
		regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z\-]{10,}\b`)},
	{"Private key material", models.SeverityCritical,
		regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY`)},
	{"JSON web token", models.SeverityMedium,
		regexp.MustCompile(`\beyJ[0-9A-Za-z_\-]{10,}\.[0-9A-Za-z_\-]{10,}\.[0-9A-Za-z_\-]{5,}\b`)},
	{"Bearer token", models.SeverityMedium,
		regexp.MustCompile(`(?i)\bbearer\s+[0-9a-z_\-.=]{20,}`)},
	{"Hardcoded credential", models.SeverityMedium,
		regexp.MustCompile(`(?i)\b(?:api[_-]?key|api[_-]?secret|access[_-]?token|client[_-]?secret)\b\s*[:=]\s*["'][0-9a-z_\-./+=]{12,}["']`)},
}

// JSAnalysisResult is the cached output of the js_analysis stage
type JSAnalysisResult struct {
	Files    int `json:"files"`
	Fetched  int `json:"fetched"`
	Findings int `json:"findings"`
}

// runJSAnalysis downloads the JavaScript files observed so far and runs
// the secret battery over each body. Fetch failures are skipped; the
// stage only reports what it could read.
func (d *Deps) runJSAnalysis(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	files := d.scriptURLsFor(sc)
	if max := sc.Profile.MaxJSFiles; max > 0 && len(files) > max {
		files = files[:max]
	}
	result := JSAnalysisResult{Files: len(files)}
	if len(files) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	var findings []models.Finding
	fetched := 0

	p := pool.New().WithMaxGoroutines(jsFetchFanout)
	for _, fileURL := range files {
		p.Go(func() {
			body, err := d.fetchScript(ctx, fileURL)
			if err != nil {
				d.log().Debug("script fetch failed",
					zap.String("url", fileURL),
					zap.Error(err))
				return
			}
			hits := scanSecrets(sc.ScanID, fileURL, body)
			mu.Lock()
			fetched++
			findings = append(findings, hits...)
			mu.Unlock()
		})
	}
	p.Wait()

	result.Fetched = fetched
	result.Findings = len(findings)
	if err := d.Sink.SaveFindings(sc.ScanID, findings); err != nil {
		return nil, err
	}

	d.log().Info("javascript analysis finished",
		zap.Int("files", result.Files),
		zap.Int("fetched", result.Fetched),
		zap.Int("findings", result.Findings))
	return result, nil
}

// scanSecrets applies every rule to one script body. Evidence is the
// redacted match; one finding per rule per file regardless of how many
// times the pattern repeats.
func scanSecrets(scanID, fileURL, body string) []models.Finding {
	var findings []models.Finding
	for _, rule := range secretRules {
		match := rule.re.FindString(body)
		if match == "" {
			continue
		}
		findings = append(findings, models.Finding{
			ScanID:   scanID,
			Title:    fmt.Sprintf("%s exposed in JavaScript", rule.name),
			Severity: rule.severity,
			URL:      fileURL,
			Evidence: redactSecret(match),
			Tool:     "js-analysis",
		})
	}
	return findings
}

// redactSecret keeps enough of the match to locate it without putting
// the full credential into the store.
func redactSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 12 {
		return s
	}
	return s[:8] + "..." + s[len(s)-4:]
}

func (d *Deps) fetchScript(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, jsBodyLimit))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// scriptURLsFor collects in-scope .js URLs from the recorded endpoints
func (d *Deps) scriptURLsFor(sc *pipeline.StageContext) []string {
	endpoints, err := d.Sink.GetEndpoints(sc.ScanID)
	if err != nil {
		d.log().Warn("loading endpoints for script analysis", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var files []string
	for _, ep := range endpoints {
		if !isScriptURL(ep.URL) || seen[ep.URL] {
			continue
		}
		if d.Scope != nil && !d.Scope.AllowsURL(ep.URL) {
			continue
		}
		seen[ep.URL] = true
		files = append(files, ep.URL)
	}
	sort.Strings(files)
	return files
}

func isScriptURL(raw string) bool {
	path := raw
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(strings.ToLower(path), ".js")
}
