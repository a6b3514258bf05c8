package scanners

import (
	"context"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/tools"
	"github.com/mzaki/scanward/internal/wordlist"
)

// ffufFanout bounds concurrent ffuf runs; each run already fans out
// internally up to the profile concurrency.
const ffufFanout = 3

// FuzzingResult is the cached output of the fuzzing stage
type FuzzingResult struct {
	Targets    int `json:"targets"`
	Discovered int `json:"discovered"`
}

// runFuzzing brute-forces paths on the live base URLs with ffuf and the
// common wordlist. Per-target failures are absorbed; discovered paths
// land as endpoints.
func (d *Deps) runFuzzing(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	targets := d.liveBaseURLs(sc)
	if max := sc.Profile.MaxFuzzTargets; max > 0 && len(targets) > max {
		targets = targets[:max]
	}
	result := FuzzingResult{Targets: len(targets)}
	if len(targets) == 0 {
		return result, nil
	}

	binary, err := d.ensure(ctx, "ffuf")
	if err != nil {
		return result, err
	}
	listPath, err := d.Lists.Path(wordlist.Common)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	var endpoints []models.Endpoint

	p := pool.New().WithMaxGoroutines(ffufFanout)
	for _, base := range targets {
		p.Go(func() {
			hits, err := tools.RunFfuf(ctx, d.Runner, base, tools.FfufOptions{
				Binary:    binary,
				Wordlist:  listPath,
				Threads:   sc.Profile.Concurrency,
				RateLimit: sc.Profile.RateLimit,
				Timeout:   sc.Profile.ProcessTimeout,
				Log:       d.Log,
			})
			if err != nil && len(hits) == 0 {
				d.log().Warn("fuzzing target failed",
					zap.String("base", base),
					zap.Error(err))
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				if d.Scope != nil && !d.Scope.AllowsURL(hit.URL) {
					continue
				}
				endpoints = append(endpoints, models.Endpoint{
					URL:           hit.URL,
					Method:        "GET",
					Status:        hit.Status,
					ContentType:   hit.ContentType,
					ContentLength: int64(hit.Length),
					Source:        "ffuf",
				})
			}
		})
	}
	p.Wait()

	result.Discovered = len(endpoints)
	if err := d.Sink.SaveEndpoints(sc.ScanID, endpoints); err != nil {
		return nil, err
	}

	d.log().Info("fuzzing finished",
		zap.Int("targets", result.Targets),
		zap.Int("discovered", result.Discovered))
	return result, nil
}

// liveBaseURLs collects the live root URLs from the probe stage's cache,
// falling back to alive subdomain rows in the store.
func (d *Deps) liveBaseURLs(sc *pipeline.StageContext) []string {
	var probe HTTPProbeResult
	if sc.PriorInto(pipeline.StageHTTPProbe, &probe) && len(probe.Live) > 0 {
		urls := make([]string, 0, len(probe.Live))
		for _, host := range probe.Live {
			urls = append(urls, host.URL)
		}
		return urls
	}

	subs, err := d.Sink.GetSubdomains(sc.ScanID)
	if err != nil {
		return nil
	}
	var urls []string
	for _, sub := range subs {
		if sub.Alive {
			urls = append(urls, "https://"+sub.Hostname)
		}
	}
	sort.Strings(urls)
	return urls
}
