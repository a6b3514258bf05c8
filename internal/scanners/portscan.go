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
)

// nmapFanout bounds concurrent service-detection runs; nmap is heavy
// enough that the profile concurrency would oversubscribe the host.
const nmapFanout = 4

// PortScanResult is the cached output of the port_scan stage
type PortScanResult struct {
	OpenPorts map[string][]int  `json:"open_ports"`
	Total     int               `json:"total"`
	CDNHosts  map[string]string `json:"cdn_hosts,omitempty"`
}

// runPortScan sweeps the resolved addresses with naabu, then runs nmap
// service detection per host over the open ports. CDN-fronted addresses
// are excluded from the sweep first; port-scanning a CDN edge only
// measures the CDN. The sweep rows are persisted before fingerprinting
// so a failed fingerprint pass still leaves the open ports on record.
func (d *Deps) runPortScan(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	ips := d.addressesFor(sc)
	result := PortScanResult{OpenPorts: make(map[string][]int)}
	if len(ips) == 0 {
		return result, nil
	}

	ips, result.CDNHosts = d.filterCDN(ctx, sc, ips)
	if len(ips) == 0 {
		return result, nil
	}

	binary, err := d.ensure(ctx, "naabu")
	if err != nil {
		return result, err
	}

	sweep, err := tools.RunNaabu(ctx, d.Runner, ips, tools.NaabuOptions{
		Binary:  binary,
		Ports:   sc.Profile.TopPorts,
		Rate:    sc.Profile.RateLimit,
		Timeout: sc.Profile.ProcessTimeout,
		Log:     d.Log,
	})
	if err != nil && len(sweep) == 0 {
		return result, err
	}

	var ports []models.Port
	for _, hit := range sweep {
		ip := hit.IP
		if ip == "" {
			ip = hit.Host
		}
		if d.Scope != nil && !d.Scope.AllowsIP(ip) {
			continue
		}
		result.OpenPorts[ip] = append(result.OpenPorts[ip], hit.Port)
		result.Total++
		ports = append(ports, models.Port{
			IP:       ip,
			Port:     hit.Port,
			Protocol: "tcp",
			State:    models.PortOpen,
		})
	}
	for ip := range result.OpenPorts {
		sort.Ints(result.OpenPorts[ip])
	}
	if err := d.Sink.SavePorts(sc.ScanID, ports); err != nil {
		return nil, err
	}

	d.fingerprintServices(ctx, sc, result.OpenPorts)

	d.log().Info("port scan finished",
		zap.Int("hosts", len(result.OpenPorts)),
		zap.Int("open_ports", result.Total))
	return result, nil
}

// filterCDN drops CDN-classified addresses from the sweep set. Best
// effort: when cdncheck is unavailable or fails, every address stays in.
func (d *Deps) filterCDN(ctx context.Context, sc *pipeline.StageContext, ips []string) ([]string, map[string]string) {
	binary, err := d.ensure(ctx, "cdncheck")
	if err != nil {
		return ips, nil
	}

	classified, err := tools.RunCdncheck(ctx, d.Runner, ips, tools.CdncheckOptions{
		Binary:  binary,
		Timeout: sc.Profile.ProcessTimeout,
		Log:     d.Log,
	})
	if err != nil && len(classified) == 0 {
		d.log().Warn("cdn classification failed, sweeping all addresses", zap.Error(err))
		return ips, nil
	}

	cdn := make(map[string]string)
	for _, c := range classified {
		if c.IsCDN {
			name := c.CDNName
			if name == "" {
				name = "unknown"
			}
			cdn[c.IP] = name
		}
	}
	if len(cdn) == 0 {
		return ips, nil
	}

	scannable := make([]string, 0, len(ips))
	for _, ip := range ips {
		if _, isCDN := cdn[ip]; !isCDN {
			scannable = append(scannable, ip)
		}
	}
	d.log().Info("cdn addresses excluded from sweep",
		zap.Int("cdn", len(cdn)),
		zap.Int("scannable", len(scannable)))
	return scannable, cdn
}

// fingerprintServices enriches the swept ports with nmap -sV output.
// Best-effort per host: a failed fingerprint never fails the stage.
func (d *Deps) fingerprintServices(ctx context.Context, sc *pipeline.StageContext, openPorts map[string][]int) {
	nmapBin, err := d.ensure(ctx, "nmap")
	if err != nil {
		return
	}

	var mu sync.Mutex
	var enriched []models.Port
	p := pool.New().WithMaxGoroutines(nmapFanout)
	for ip, ports := range openPorts {
		p.Go(func() {
			services, err := tools.RunNmap(ctx, d.Runner, ip, ports, tools.NmapOptions{
				Binary:  nmapBin,
				Timeout: sc.Profile.ProcessTimeout,
			})
			if err != nil && len(services) == 0 {
				d.log().Warn("nmap fingerprint failed",
					zap.String("ip", ip),
					zap.Error(err))
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, svc := range services {
				enriched = append(enriched, models.Port{
					IP:       svc.IP,
					Port:     svc.Port,
					Protocol: svc.Protocol,
					Service:  svc.Service,
					Version:  svc.Version,
					State:    portState(svc.State),
				})
			}
		})
	}
	p.Wait()

	if len(enriched) > 0 {
		if err := d.Sink.SavePorts(sc.ScanID, enriched); err != nil {
			d.log().Warn("persisting fingerprinted ports", zap.Error(err))
		}
	}
}

func portState(s string) models.PortState {
	switch s {
	case "open":
		return models.PortOpen
	case "filtered":
		return models.PortFiltered
	case "closed":
		return models.PortClosed
	default:
		return models.PortOpen
	}
}

// addressesFor collects the unique resolved addresses from the dns stage
func (d *Deps) addressesFor(sc *pipeline.StageContext) []string {
	seen := make(map[string]bool)
	var ips []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			ips = append(ips, addr)
		}
	}

	var dns DNSResolutionResult
	if sc.PriorInto(pipeline.StageDNSResolution, &dns) {
		for _, addrs := range dns.Resolved {
			for _, addr := range addrs {
				add(addr)
			}
		}
	}
	if len(ips) == 0 {
		subs, err := d.Sink.GetSubdomains(sc.ScanID)
		if err == nil {
			for _, sub := range subs {
				for _, addr := range sub.IPs {
					add(addr)
				}
			}
		}
	}
	sort.Strings(ips)
	return ips
}
