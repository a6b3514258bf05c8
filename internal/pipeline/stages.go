package pipeline

import (
	"context"
	"encoding/json"

	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/models"
)

// Canonical stage names. The pipeline is a fixed linear order; resume,
// checkpoint prefixes and progress reporting all hang off these names.
const (
	StageSubdomainEnum = "subdomain_enum"
	StageDNSResolution = "dns_resolution"
	StageHTTPProbe     = "http_probe"
	StagePortScan      = "port_scan"
	StageWaybackURLs   = "wayback_urls"
	StageJSAnalysis    = "js_analysis"
	StageGFPatterns    = "gf_patterns"
	StageFuzzing       = "fuzzing"
	StageNucleiScan    = "nuclei_scan"
)

// Order returns the static stage ordering
func Order() []string {
	return []string{
		StageSubdomainEnum,
		StageDNSResolution,
		StageHTTPProbe,
		StagePortScan,
		StageWaybackURLs,
		StageJSAnalysis,
		StageGFPatterns,
		StageFuzzing,
		StageNucleiScan,
	}
}

// StageFunc is the signature every stage satisfies. The returned value
// is serialised into the results cache for downstream stages; the engine
// never inspects it.
type StageFunc func(ctx context.Context, sc *StageContext) (any, error)

// Stage pairs a canonical name with its execution function
type Stage struct {
	Name string
	Run  StageFunc
}

// StageContext is the shared input shape for all stages. Stages read
// upstream data only from Prior plus the artifact store; they never call
// each other.
type StageContext struct {
	Target  *models.Target
	ScanID  string
	Profile config.ProfileConfig
	Prior   map[string]json.RawMessage
}

// PriorInto unmarshals a prior stage's cached result into v. False when
// the stage produced nothing; stages must tolerate that and produce an
// empty result of their own.
func (sc *StageContext) PriorInto(stage string, v any) bool {
	raw, ok := sc.Prior[stage]
	if !ok || len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
