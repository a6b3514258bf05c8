// Package diff computes the delta between two scans of the same target:
// which subdomains appeared or vanished, which ports opened or closed,
// and which findings are new or no longer reproduce.
package diff

import (
	"fmt"
	"sort"

	"github.com/mzaki/scanward/internal/models"
)

// Snapshot is the artifact set of one scan, as read from the store
type Snapshot struct {
	ScanID     string
	Subdomains []models.Subdomain
	Ports      []models.Port
	Findings   []models.Finding
}

// Store is the read surface needed to load a snapshot
type Store interface {
	GetSubdomains(scanID string) ([]models.Subdomain, error)
	GetPorts(scanID string) ([]models.Port, error)
	GetFindings(scanID string) ([]models.Finding, error)
}

// Load pulls one scan's artifacts into a Snapshot
func Load(store Store, scanID string) (*Snapshot, error) {
	snap := &Snapshot{ScanID: scanID}
	var err error
	if snap.Subdomains, err = store.GetSubdomains(scanID); err != nil {
		return nil, fmt.Errorf("loading subdomains for %s: %w", scanID, err)
	}
	if snap.Ports, err = store.GetPorts(scanID); err != nil {
		return nil, fmt.Errorf("loading ports for %s: %w", scanID, err)
	}
	if snap.Findings, err = store.GetFindings(scanID); err != nil {
		return nil, fmt.Errorf("loading findings for %s: %w", scanID, err)
	}
	return snap, nil
}

// PortChange pins a port event to the address it happened on
type PortChange struct {
	IP   string      `json:"ip"`
	Port models.Port `json:"port"`
}

// Result is the full delta between a current and a previous snapshot.
// Slice fields are non-nil so callers can range over them unconditionally.
type Result struct {
	NewSubdomains     []models.Subdomain `json:"new_subdomains"`
	RemovedSubdomains []models.Subdomain `json:"removed_subdomains"`

	NewPorts    []PortChange `json:"new_ports"`
	ClosedPorts []PortChange `json:"closed_ports"`

	NewFindings      []models.Finding `json:"new_findings"`
	ResolvedFindings []models.Finding `json:"resolved_findings"`

	CurrentCounts  Counts `json:"current_counts"`
	PreviousCounts Counts `json:"previous_counts"`
}

// Counts summarizes one snapshot for rendering without re-iterating
type Counts struct {
	Subdomains int `json:"subdomains"`
	Ports      int `json:"ports"`
	Findings   int `json:"findings"`
}

// Compute calculates the delta between two snapshots. Both arguments
// must be non-nil; pass an empty Snapshot for the no-previous-scan case.
func Compute(current, previous *Snapshot) *Result {
	r := &Result{
		NewSubdomains:     []models.Subdomain{},
		RemovedSubdomains: []models.Subdomain{},
		NewPorts:          []PortChange{},
		ClosedPorts:       []PortChange{},
		NewFindings:       []models.Finding{},
		ResolvedFindings:  []models.Finding{},
		CurrentCounts: Counts{
			Subdomains: len(current.Subdomains),
			Ports:      len(current.Ports),
			Findings:   len(current.Findings),
		},
		PreviousCounts: Counts{
			Subdomains: len(previous.Subdomains),
			Ports:      len(previous.Ports),
			Findings:   len(previous.Findings),
		},
	}

	diffSubdomains(r, current.Subdomains, previous.Subdomains)
	diffPorts(r, current.Ports, previous.Ports)
	diffFindings(r, current.Findings, previous.Findings)

	sort.Slice(r.NewSubdomains, func(i, j int) bool { return r.NewSubdomains[i].Hostname < r.NewSubdomains[j].Hostname })
	sort.Slice(r.RemovedSubdomains, func(i, j int) bool { return r.RemovedSubdomains[i].Hostname < r.RemovedSubdomains[j].Hostname })
	return r
}

// diffSubdomains keys on the hostname
func diffSubdomains(r *Result, current, previous []models.Subdomain) {
	prev := make(map[string]bool, len(previous))
	for _, s := range previous {
		prev[s.Hostname] = true
	}
	curr := make(map[string]bool, len(current))
	for _, s := range current {
		curr[s.Hostname] = true
		if !prev[s.Hostname] {
			r.NewSubdomains = append(r.NewSubdomains, s)
		}
	}
	for _, s := range previous {
		if !curr[s.Hostname] {
			r.RemovedSubdomains = append(r.RemovedSubdomains, s)
		}
	}
}

// portKey identifies a port on a specific address, e.g. "10.0.0.1:443/tcp"
func portKey(p models.Port) string {
	return fmt.Sprintf("%s:%d/%s", p.IP, p.Port, p.Protocol)
}

func diffPorts(r *Result, current, previous []models.Port) {
	prev := make(map[string]bool, len(previous))
	for _, p := range previous {
		prev[portKey(p)] = true
	}
	curr := make(map[string]bool, len(current))
	for _, p := range current {
		curr[portKey(p)] = true
		if !prev[portKey(p)] {
			r.NewPorts = append(r.NewPorts, PortChange{IP: p.IP, Port: p})
		}
	}
	for _, p := range previous {
		if !curr[portKey(p)] {
			r.ClosedPorts = append(r.ClosedPorts, PortChange{IP: p.IP, Port: p})
		}
	}
}

// findingKey identifies a finding by its template and location. Findings
// without a template id (JS secrets, takeover candidates) key on title.
func findingKey(f models.Finding) string {
	id := f.TemplateID
	if id == "" {
		id = f.Title
	}
	return id + "::" + f.URL
}

func diffFindings(r *Result, current, previous []models.Finding) {
	prev := make(map[string]bool, len(previous))
	for _, f := range previous {
		prev[findingKey(f)] = true
	}
	curr := make(map[string]bool, len(current))
	for _, f := range current {
		curr[findingKey(f)] = true
		if !prev[findingKey(f)] {
			r.NewFindings = append(r.NewFindings, f)
		}
	}
	for _, f := range previous {
		if !curr[findingKey(f)] {
			r.ResolvedFindings = append(r.ResolvedFindings, f)
		}
	}
}
