package scanners

import (
	"context"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/tools"
)

// LiveHost is one responsive HTTP service
type LiveHost struct {
	URL          string   `json:"url"`
	Hostname     string   `json:"hostname"`
	Status       int      `json:"status"`
	Title        string   `json:"title,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

// HTTPProbeResult is the cached output of the http_probe stage
type HTTPProbeResult struct {
	Live  []LiveHost `json:"live"`
	Total int        `json:"total_probed"`
}

// runHTTPProbe feeds the resolved hostnames through httpx, marks the
// responsive ones alive on their subdomain rows, and records each live
// root URL as an endpoint for the content stages.
func (d *Deps) runHTTPProbe(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	hosts := d.resolvedHostsFor(sc)
	result := HTTPProbeResult{Total: len(hosts)}
	if len(hosts) == 0 {
		return result, nil
	}

	binary, err := d.ensure(ctx, "httpx")
	if err != nil {
		return result, err
	}

	probes, err := tools.RunHttpx(ctx, d.Runner, hosts, tools.HttpxOptions{
		Binary:         binary,
		Threads:        sc.Profile.Concurrency,
		RateLimit:      sc.Profile.RateLimit,
		RequestTimeout: sc.Profile.RequestTimeout,
		Timeout:        sc.Profile.ProcessTimeout,
		Log:            d.Log,
	})
	if err != nil && len(probes) == 0 {
		return result, err
	}

	var subs []models.Subdomain
	var endpoints []models.Endpoint
	for _, p := range probes {
		hostname := p.Input
		if hostname == "" {
			hostname = p.URL
		}
		result.Live = append(result.Live, LiveHost{
			URL:          p.URL,
			Hostname:     hostname,
			Status:       p.StatusCode,
			Title:        p.Title,
			Technologies: p.Technologies,
		})
		subs = append(subs, models.Subdomain{
			Hostname:     hostname,
			Alive:        true,
			HTTPStatus:   p.StatusCode,
			Title:        p.Title,
			Technologies: p.Technologies,
			Sources:      []string{"httpx"},
		})
		endpoints = append(endpoints, models.Endpoint{
			URL:           p.URL,
			Method:        "GET",
			Status:        p.StatusCode,
			ContentType:   p.ContentType,
			ContentLength: p.ContentLength,
			Source:        "httpx",
		})
	}

	if err := d.Sink.SaveSubdomains(sc.ScanID, subs); err != nil {
		return nil, err
	}
	if err := d.Sink.SaveEndpoints(sc.ScanID, endpoints); err != nil {
		return nil, err
	}

	d.log().Info("http probing finished",
		zap.Int("probed", result.Total),
		zap.Int("live", len(result.Live)))
	return result, nil
}

// resolvedHostsFor pulls resolvable hostnames from the dns stage, then
// any enumerated hostnames, then the store.
func (d *Deps) resolvedHostsFor(sc *pipeline.StageContext) []string {
	var dns DNSResolutionResult
	if sc.PriorInto(pipeline.StageDNSResolution, &dns) && len(dns.Resolved) > 0 {
		hosts := make([]string, 0, len(dns.Resolved))
		for host := range dns.Resolved {
			hosts = append(hosts, host)
		}
		return hosts
	}
	return d.hostnamesFor(sc)
}
