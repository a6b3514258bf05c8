package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
	"github.com/mzaki/scanward/internal/tools"
	"github.com/mzaki/scanward/internal/wordlist"
)

// SubdomainEnumResult is the cached output of the subdomain_enum stage
type SubdomainEnumResult struct {
	Hostnames []string       `json:"hostnames"`
	Sources   map[string]int `json:"sources"`
}

// runSubdomainEnum fans out over the passive sources (subfinder, amass,
// crt.sh) plus wordlist permutations verified by opportunistic DNS
// lookups. Every source is best-effort; the stage only fails when no
// source could run at all.
func (d *Deps) runSubdomainEnum(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	domain := sc.Target.Domain
	log := d.log()

	var mu sync.Mutex
	found := make(map[string][]string) // hostname -> discovering sources
	sourceCounts := make(map[string]int)
	var sourceErrs []error

	record := func(source string, hosts []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range hosts {
			host, ok := normalizeSubdomain(h, domain)
			if !ok || (d.Scope != nil && !d.Scope.Allows(host)) {
				continue
			}
			if !contains(found[host], source) {
				found[host] = append(found[host], source)
			}
			sourceCounts[source]++
		}
	}
	fail := func(source string, err error) {
		mu.Lock()
		defer mu.Unlock()
		sourceErrs = append(sourceErrs, fmt.Errorf("%s: %w", source, err))
	}

	p := pool.New().WithMaxGoroutines(4)

	p.Go(func() {
		binary, err := d.ensure(ctx, "subfinder")
		if err != nil {
			fail("subfinder", err)
			return
		}
		results, err := tools.RunSubfinder(ctx, d.Runner, domain, tools.SubfinderOptions{
			Binary:  binary,
			Threads: sc.Profile.Concurrency,
			Timeout: sc.Profile.ProcessTimeout,
			Log:     log,
		})
		if err != nil && len(results) == 0 {
			fail("subfinder", err)
			return
		}
		hosts := make([]string, len(results))
		for i, r := range results {
			hosts[i] = r.Host
		}
		record("subfinder", hosts)
	})

	p.Go(func() {
		binary, err := d.ensure(ctx, "amass")
		if err != nil {
			fail("amass", err)
			return
		}
		hosts, err := tools.RunAmass(ctx, d.Runner, domain, tools.AmassOptions{
			Binary:  binary,
			Timeout: sc.Profile.ProcessTimeout,
		})
		if err != nil && len(hosts) == 0 {
			fail("amass", err)
			return
		}
		record("amass", hosts)
	})

	p.Go(func() {
		hosts, err := d.fetchCrtSh(ctx, domain)
		if err != nil {
			fail("crtsh", err)
			return
		}
		record("crtsh", hosts)
	})

	p.Go(func() {
		hosts, err := d.resolvePermutations(ctx, domain, sc.Profile.Concurrency)
		if err != nil {
			fail("permutation", err)
			return
		}
		record("permutation", hosts)
	})

	p.Wait()

	hostnames := make([]string, 0, len(found))
	batch := make([]models.Subdomain, 0, len(found))
	for host, sources := range found {
		hostnames = append(hostnames, host)
		batch = append(batch, models.Subdomain{Hostname: host, Sources: sources})
	}
	sort.Strings(hostnames)

	if err := d.Sink.SaveSubdomains(sc.ScanID, batch); err != nil {
		return nil, err
	}

	log.Info("subdomain enumeration finished",
		zap.String("domain", domain),
		zap.Int("hostnames", len(hostnames)),
		zap.Int("failed_sources", len(sourceErrs)))

	result := SubdomainEnumResult{Hostnames: hostnames, Sources: sourceCounts}
	if len(hostnames) == 0 && len(sourceErrs) == 4 {
		// Nothing ran. Surface the first failure so the engine records it.
		return result, sourceErrs[0]
	}
	return result, nil
}

// crtShEntry is one row of crt.sh's JSON output
type crtShEntry struct {
	NameValue string `json:"name_value"`
}

// fetchCrtSh queries certificate transparency logs for names under the
// domain.
func (d *Deps) fetchCrtSh(ctx context.Context, domain string) ([]string, error) {
	url := fmt.Sprintf("https://crt.sh/?q=%%25.%s&output=json", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crt.sh: status %d", resp.StatusCode)
	}

	var entries []crtShEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("crt.sh: %w", err)
	}

	var hosts []string
	for _, e := range entries {
		for _, name := range strings.Split(e.NameValue, "\n") {
			hosts = append(hosts, name)
		}
	}
	return hosts, nil
}

// resolvePermutations tries wordlist-seeded candidates (dev.example.com,
// api.example.com, ...) and keeps the ones that actually resolve.
func (d *Deps) resolvePermutations(ctx context.Context, domain string, concurrency int) ([]string, error) {
	if d.Lists == nil || d.DNS == nil {
		return nil, fmt.Errorf("permutation source not configured")
	}
	seeds, err := d.Lists.Load(wordlist.Subdomains)
	if err != nil {
		return nil, fmt.Errorf("permutation seeds: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	var mu sync.Mutex
	var hosts []string
	p := pool.New().WithMaxGoroutines(concurrency)
	for _, seed := range seeds {
		candidate := seed + "." + domain
		p.Go(func() {
			lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if addrs, err := d.DNS.LookupHost(lookupCtx, candidate); err == nil && len(addrs) > 0 {
				mu.Lock()
				hosts = append(hosts, candidate)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return hosts, nil
}

// normalizeSubdomain lowercases, strips trailing dots and wildcard
// markers, and rejects names outside the target domain.
func normalizeSubdomain(host, domain string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "*.")
	if host == "" || strings.ContainsAny(host, " \t*") {
		return "", false
	}
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return "", false
	}
	return host, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
