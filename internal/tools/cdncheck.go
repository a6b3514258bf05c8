package tools

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// CdncheckResult is the CDN/cloud/WAF classification for one IP
type CdncheckResult struct {
	IP      string `json:"ip"`
	IsCDN   bool   `json:"cdn"`
	CDNName string `json:"cdn_name"`
	IsCloud bool   `json:"cloud"`
	IsWAF   bool   `json:"waf"`
	WAFName string `json:"waf_name"`
}

// CdncheckOptions tunes one cdncheck invocation
type CdncheckOptions struct {
	Binary  string
	Timeout time.Duration
	Log     *zap.Logger
}

// RunCdncheck classifies a batch of IPs fed on stdin. An IP that belongs
// to no known CDN, cloud or WAF range produces no output line.
func RunCdncheck(ctx context.Context, r Runner, ips []string, o CdncheckOptions) ([]CdncheckResult, error) {
	if len(ips) == 0 {
		return nil, nil
	}

	binary := "cdncheck"
	if o.Binary != "" {
		binary = o.Binary
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    []string{binary, "-j", "-silent"},
		Stdin:   stdinList(ips),
		Timeout: o.Timeout,
		Tag:     "cdncheck",
	})
	if res == nil {
		return nil, err
	}

	return decodeJSONLines[CdncheckResult](res.Stdout, o.Log, "cdncheck"), err
}
