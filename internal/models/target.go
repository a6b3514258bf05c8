package models

import (
	"time"

	"github.com/google/uuid"
)

// Target is a scope declaration: the domain under test plus the patterns
// that bound what a scan may touch.
type Target struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	ScopeInclude []string  `json:"scope_include,omitempty"`
	ScopeExclude []string  `json:"scope_exclude,omitempty"`
	IPRanges     []string  `json:"ip_ranges,omitempty"`
	ASNs         []string  `json:"asns,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewTarget creates a target with a fresh identifier. The primary domain
// is always part of the include scope.
func NewTarget(name, domain string) *Target {
	return &Target{
		ID:           uuid.New().String(),
		Name:         name,
		Domain:       domain,
		ScopeInclude: []string{domain, "*." + domain},
		CreatedAt:    time.Now(),
	}
}
