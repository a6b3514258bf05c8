package tools

import (
	"context"
	"strings"
	"time"

	"github.com/mzaki/scanward/internal/proc"
)

// AmassOptions tunes one amass invocation
type AmassOptions struct {
	Binary  string
	Timeout time.Duration
}

// RunAmass executes amass in passive mode and returns discovered
// hostnames, one per output line. Amass prints discovery records in
// "name (FQDN) --> ..." form in newer releases; only the leading hostname
// token is kept.
func RunAmass(ctx context.Context, r Runner, domain string, o AmassOptions) ([]string, error) {
	binary := "amass"
	if o.Binary != "" {
		binary = o.Binary
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    []string{binary, "enum", "-passive", "-d", domain, "-silent"},
		Timeout: o.Timeout,
		Tag:     "amass",
	})
	if res == nil {
		return nil, err
	}

	var hosts []string
	for _, line := range plainLines(res.Stdout) {
		host := line
		if i := strings.IndexByte(line, ' '); i > 0 {
			host = line[:i]
		}
		if strings.Contains(host, ".") {
			hosts = append(hosts, host)
		}
	}

	return hosts, err
}
