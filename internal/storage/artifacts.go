package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

// SaveSubdomains upserts a batch of subdomains. (scan, hostname) is the
// unique key; a re-discovered hostname merges sources and keeps the
// richest probe data seen so far.
func (s *Store) SaveSubdomains(scanID string, batch []models.Subdomain) error {
	if len(batch) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSubdomains))
		for _, sub := range batch {
			if sub.Hostname == "" {
				continue
			}
			sub.ScanID = scanID
			key := scanKey(scanID, sub.Hostname)

			if existing := bucket.Get(key); existing != nil {
				var old models.Subdomain
				if err := json.Unmarshal(existing, &old); err != nil {
					return err
				}
				sub = mergeSubdomain(old, sub)
			}

			data, err := json.Marshal(&sub)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SaveSubdomains", err)
	}
	return nil
}

// mergeSubdomain folds a re-discovery into the stored record. Sources
// accumulate; probe fields prefer the newer non-empty value; a host once
// seen alive stays alive.
func mergeSubdomain(prev, next models.Subdomain) models.Subdomain {
	merged := next
	merged.Sources = unionStrings(prev.Sources, next.Sources)
	merged.Alive = prev.Alive || next.Alive
	if len(merged.IPs) == 0 {
		merged.IPs = prev.IPs
	}
	if merged.HTTPStatus == 0 {
		merged.HTTPStatus = prev.HTTPStatus
	}
	if merged.Title == "" {
		merged.Title = prev.Title
	}
	if len(merged.Technologies) == 0 {
		merged.Technologies = prev.Technologies
	}
	return merged
}

// GetSubdomains returns a scan's subdomains sorted by hostname
func (s *Store) GetSubdomains(scanID string) ([]models.Subdomain, error) {
	var out []models.Subdomain
	err := s.forEachPrefix(bucketSubdomains, scanID, func(v []byte) error {
		var sub models.Subdomain
		if err := json.Unmarshal(v, &sub); err != nil {
			return err
		}
		out = append(out, sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// SaveEndpoints upserts endpoints keyed by URL so stage replays after a
// crash do not duplicate rows. Pattern tags accumulate across saves.
func (s *Store) SaveEndpoints(scanID string, batch []models.Endpoint) error {
	if len(batch) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEndpoints))
		for _, ep := range batch {
			if ep.URL == "" {
				continue
			}
			ep.ScanID = scanID
			key := scanKey(scanID, ep.URL)

			if existing := bucket.Get(key); existing != nil {
				var old models.Endpoint
				if err := json.Unmarshal(existing, &old); err != nil {
					return err
				}
				ep = mergeEndpoint(old, ep)
			}

			data, err := json.Marshal(&ep)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SaveEndpoints", err)
	}
	return nil
}

func mergeEndpoint(prev, next models.Endpoint) models.Endpoint {
	merged := next
	merged.PatternTags = unionStrings(prev.PatternTags, next.PatternTags)
	merged.Params = unionStrings(prev.Params, next.Params)
	if merged.Status == 0 {
		merged.Status = prev.Status
	}
	if merged.ContentType == "" {
		merged.ContentType = prev.ContentType
	}
	if merged.ContentLength == 0 {
		merged.ContentLength = prev.ContentLength
	}
	if merged.Source == "" {
		merged.Source = prev.Source
	}
	return merged
}

// GetEndpoints returns a scan's endpoints sorted by URL
func (s *Store) GetEndpoints(scanID string) ([]models.Endpoint, error) {
	var out []models.Endpoint
	err := s.forEachPrefix(bucketEndpoints, scanID, func(v []byte) error {
		var ep models.Endpoint
		if err := json.Unmarshal(v, &ep); err != nil {
			return err
		}
		out = append(out, ep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// SaveFindings upserts findings. The dedupe key combines tool, template
// and location, so the same nuclei match reported twice lands on one row
// and a later save (triage annotations) overwrites the earlier one.
func (s *Store) SaveFindings(scanID string, batch []models.Finding) error {
	if len(batch) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketFindings))
		for _, f := range batch {
			if f.Title == "" {
				continue
			}
			f.ScanID = scanID
			if !f.Severity.IsValid() {
				f.Severity = models.SeverityInfo
			}

			data, err := json.Marshal(&f)
			if err != nil {
				return err
			}
			if err := bucket.Put(scanKey(scanID, findingKey(f)), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SaveFindings", err)
	}
	return nil
}

func findingKey(f models.Finding) string {
	return strings.Join([]string{f.Tool, f.TemplateID, f.URL, f.Title}, "|")
}

// GetFindings returns a scan's findings sorted by severity (critical
// first), then title.
func (s *Store) GetFindings(scanID string) ([]models.Finding, error) {
	var out []models.Finding
	err := s.forEachPrefix(bucketFindings, scanID, func(v []byte) error {
		var f models.Finding
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].Title < out[j].Title
	})
	return out, nil
}

// SavePorts upserts ports keyed by (ip, port, protocol). Service and
// version details from a later fingerprint pass overwrite the sweep's
// empty values.
func (s *Store) SavePorts(scanID string, batch []models.Port) error {
	if len(batch) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPorts))
		for _, p := range batch {
			if p.IP == "" || p.Port == 0 {
				continue
			}
			p.ScanID = scanID
			if p.Protocol == "" {
				p.Protocol = "tcp"
			}
			if p.State == "" {
				p.State = models.PortOpen
			}
			key := scanKey(scanID, fmt.Sprintf("%s:%d/%s", p.IP, p.Port, p.Protocol))

			if existing := bucket.Get(key); existing != nil {
				var old models.Port
				if err := json.Unmarshal(existing, &old); err != nil {
					return err
				}
				if p.Service == "" {
					p.Service = old.Service
				}
				if p.Version == "" {
					p.Version = old.Version
				}
			}

			data, err := json.Marshal(&p)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SavePorts", err)
	}
	return nil
}

// GetPorts returns a scan's ports sorted by IP then port number
func (s *Store) GetPorts(scanID string) ([]models.Port, error) {
	var out []models.Port
	err := s.forEachPrefix(bucketPorts, scanID, func(v []byte) error {
		var p models.Port
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

// ArtifactCounts summarises how much a scan found, for listings and the
// final report header.
type ArtifactCounts struct {
	Subdomains int `json:"subdomains"`
	Endpoints  int `json:"endpoints"`
	Findings   int `json:"findings"`
	Ports      int `json:"ports"`
}

// CountArtifacts tallies a scan's stored artifacts in one read transaction
func (s *Store) CountArtifacts(scanID string) (ArtifactCounts, error) {
	var counts ArtifactCounts
	prefix := scanPrefix(scanID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		tally := func(bucket string) int {
			n := 0
			c := tx.Bucket([]byte(bucket)).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				n++
			}
			return n
		}
		counts.Subdomains = tally(bucketSubdomains)
		counts.Endpoints = tally(bucketEndpoints)
		counts.Findings = tally(bucketFindings)
		counts.Ports = tally(bucketPorts)
		return nil
	})
	return counts, err
}

// forEachPrefix iterates values under a scan's prefix in one bucket
func (s *Store) forEachPrefix(bucket, scanID string, fn func(v []byte) error) error {
	prefix := scanPrefix(scanID)
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// unionStrings merges two string sets preserving first-seen order
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
