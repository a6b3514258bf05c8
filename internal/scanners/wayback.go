package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/tools"
)

// waybackSampleSize caps the URL sample kept in the results cache
const waybackSampleSize = 10

// WaybackResult is the cached output of the wayback_urls stage
type WaybackResult struct {
	Fetched int      `json:"fetched"`
	Kept    int      `json:"kept"`
	Sample  []string `json:"sample,omitempty"`
}

// runWaybackURLs mines historical URLs with gau, falling back to the
// Wayback Machine's CDX API when the binary is unavailable. Out-of-scope
// URLs are dropped before anything is persisted.
func (d *Deps) runWaybackURLs(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	domain := sc.Target.Domain
	maxURLs := sc.Profile.MaxWaybackURLs

	urls, err := d.mineArchivedURLs(ctx, sc, domain, maxURLs)
	result := WaybackResult{Fetched: len(urls)}
	if err != nil && len(urls) == 0 {
		return result, err
	}

	var endpoints []models.Endpoint
	for _, raw := range urls {
		if d.Scope != nil && !d.Scope.AllowsURL(raw) {
			continue
		}
		ep := models.Endpoint{
			URL:    raw,
			Method: "GET",
			Source: "wayback",
			Params: queryParamNames(raw),
		}
		endpoints = append(endpoints, ep)
		result.Kept++
		if len(result.Sample) < waybackSampleSize {
			result.Sample = append(result.Sample, raw)
		}
	}

	if err := d.Sink.SaveEndpoints(sc.ScanID, endpoints); err != nil {
		return nil, err
	}

	d.log().Info("wayback mining finished",
		zap.String("domain", domain),
		zap.Int("fetched", result.Fetched),
		zap.Int("kept", result.Kept))
	return result, nil
}

// mineArchivedURLs prefers gau and falls back to the CDX API on a spawn
// failure. Other gau failures surface as-is; partial output still counts.
func (d *Deps) mineArchivedURLs(ctx context.Context, sc *pipeline.StageContext, domain string, maxURLs int) ([]string, error) {
	binary, err := d.ensure(ctx, "gau")
	if err == nil {
		urls, runErr := tools.RunGau(ctx, d.Runner, domain, tools.GauOptions{
			Binary:  binary,
			Threads: sc.Profile.Concurrency,
			MaxURLs: maxURLs,
			Timeout: sc.Profile.ProcessTimeout,
		})
		if runErr == nil || len(urls) > 0 {
			return urls, runErr
		}
		if !faults.Is(runErr, faults.ToolSpawnFailed) {
			return nil, runErr
		}
	}

	d.log().Info("gau unavailable, falling back to the CDX API",
		zap.String("domain", domain))
	return d.fetchCDX(ctx, domain, maxURLs)
}

// fetchCDX queries web.archive.org's CDX index directly. Output is a
// JSON array of rows, the first row being the column header.
func (d *Deps) fetchCDX(ctx context.Context, domain string, maxURLs int) ([]string, error) {
	query := url.Values{
		"url":      {"*." + domain + "/*"},
		"output":   {"json"},
		"fl":       {"original"},
		"collapse": {"urlkey"},
	}
	if maxURLs > 0 {
		query.Set("limit", fmt.Sprint(maxURLs))
	}
	endpoint := "https://web.archive.org/cdx/search/cdx?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdx: status %d", resp.StatusCode)
	}

	var rows [][]string
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("cdx: %w", err)
	}

	var urls []string
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		urls = append(urls, row[0])
		if maxURLs > 0 && len(urls) >= maxURLs {
			break
		}
	}
	return urls, nil
}

// queryParamNames extracts the parameter names of a URL's query string
func queryParamNames(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	values := u.Query()
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	return names
}
