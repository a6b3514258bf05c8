package scanners

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/tools"
)

// DNSResolutionResult is the cached output of the dns_resolution stage
type DNSResolutionResult struct {
	Resolved   map[string][]string `json:"resolved"`
	Unresolved []string            `json:"unresolved,omitempty"`
	CNAMEs     map[string]string   `json:"cnames,omitempty"`
	Dangling   []string            `json:"dangling,omitempty"`
}

// takeoverProviders maps CNAME target substrings to the service they
// belong to. A dangling CNAME into one of these is a takeover candidate;
// first match wins.
var takeoverProviders = []struct {
	suffix string
	label  string
}{
	{".azurewebsites.net", "Azure"},
	{".cloudfront.net", "CloudFront"},
	{".s3.amazonaws.com", "AWS S3"},
	{".s3-website", "AWS S3"},
	{".herokuapp.com", "Heroku"},
	{".github.io", "GitHub Pages"},
	{".netlify.app", "Netlify"},
	{".shopify.com", "Shopify"},
	{".ghost.io", "Ghost"},
	{".pantheon.io", "Pantheon"},
}

// runDNSResolution resolves the enumerated hostnames in one dnsx batch
// and records the addresses on each subdomain row. Hostnames come from
// the prior stage's cache, falling back to the store so a resumed scan
// with a cold cache still makes progress.
func (d *Deps) runDNSResolution(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	hostnames := d.hostnamesFor(sc)
	result := DNSResolutionResult{Resolved: make(map[string][]string), CNAMEs: make(map[string]string)}
	if len(hostnames) == 0 {
		return result, nil
	}

	binary, err := d.ensure(ctx, "dnsx")
	if err != nil {
		return result, err
	}

	records, err := tools.RunDnsx(ctx, d.Runner, hostnames, tools.DnsxOptions{
		Binary:  binary,
		Threads: sc.Profile.Concurrency,
		Timeout: sc.Profile.ProcessTimeout,
		Log:     d.Log,
	})
	if err != nil && len(records) == 0 {
		return result, err
	}

	batch := make([]models.Subdomain, 0, len(records))
	var takeovers []models.Finding
	for _, rec := range records {
		ips := rec.IPs()
		if len(ips) == 0 && len(rec.CNAME) == 0 {
			continue
		}
		if len(rec.CNAME) > 0 {
			result.CNAMEs[rec.Host] = rec.CNAME[0]
		}
		// a CNAME into the void is a takeover candidate, not a resolution
		if len(ips) == 0 {
			result.Dangling = append(result.Dangling, rec.Host)
			if f, ok := takeoverFinding(sc.ScanID, rec.Host, rec.CNAME[0]); ok {
				takeovers = append(takeovers, f)
			}
			continue
		}
		result.Resolved[rec.Host] = ips
		batch = append(batch, models.Subdomain{Hostname: rec.Host, IPs: ips, Sources: []string{"dnsx"}})
	}

	for _, host := range hostnames {
		if _, ok := result.Resolved[host]; !ok && result.CNAMEs[host] == "" {
			result.Unresolved = append(result.Unresolved, host)
		}
	}
	sort.Strings(result.Unresolved)
	sort.Strings(result.Dangling)

	if err := d.Sink.SaveSubdomains(sc.ScanID, batch); err != nil {
		return nil, err
	}
	if len(takeovers) > 0 {
		if err := d.Sink.SaveFindings(sc.ScanID, takeovers); err != nil {
			return nil, err
		}
	}

	d.log().Info("dns resolution finished",
		zap.Int("resolved", len(result.Resolved)),
		zap.Int("unresolved", len(result.Unresolved)),
		zap.Int("dangling", len(result.Dangling)))
	return result, nil
}

// takeoverFinding builds a finding for a dangling CNAME into a known
// claimable provider. Dangling CNAMEs into unrecognized targets are
// recorded in the stage result but not raised as findings.
func takeoverFinding(scanID, host, cname string) (models.Finding, bool) {
	lower := strings.ToLower(cname)
	for _, p := range takeoverProviders {
		if strings.Contains(lower, p.suffix) {
			return models.Finding{
				ScanID:   scanID,
				Title:    "Possible subdomain takeover: " + host,
				Severity: models.SeverityHigh,
				URL:      "https://" + host,
				Evidence: host + " CNAME " + cname + " (" + p.label + ", target does not resolve)",
				Tool:     "dns-resolution",
			}, true
		}
	}
	return models.Finding{}, false
}

// hostnamesFor pulls the hostname set from the prior cache or the store
func (d *Deps) hostnamesFor(sc *pipeline.StageContext) []string {
	var prior SubdomainEnumResult
	if sc.PriorInto(pipeline.StageSubdomainEnum, &prior) && len(prior.Hostnames) > 0 {
		return prior.Hostnames
	}
	subs, err := d.Sink.GetSubdomains(sc.ScanID)
	if err != nil || len(subs) == 0 {
		return nil
	}
	hostnames := make([]string, len(subs))
	for i, s := range subs {
		hostnames[i] = s.Hostname
	}
	return hostnames
}
