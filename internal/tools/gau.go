package tools

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mzaki/scanward/internal/proc"
)

// GauOptions tunes one gau invocation
type GauOptions struct {
	Binary  string
	Threads int
	MaxURLs int
	Timeout time.Duration
}

// RunGau fetches archived URLs for a domain and its subdomains from
// wayback/CommonCrawl/OTX providers. Output is one URL per line; MaxURLs
// caps how many are kept (0 means unlimited).
func RunGau(ctx context.Context, r Runner, domain string, o GauOptions) ([]string, error) {
	binary := "gau"
	if o.Binary != "" {
		binary = o.Binary
	}

	args := []string{binary, "--subs"}
	if o.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(o.Threads))
	}
	args = append(args, domain)

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Timeout: o.Timeout,
		Tag:     "gau",
	})
	if res == nil {
		return nil, err
	}

	var urls []string
	for _, line := range plainLines(res.Stdout) {
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			continue
		}
		urls = append(urls, line)
		if o.MaxURLs > 0 && len(urls) >= o.MaxURLs {
			break
		}
	}

	return urls, err
}
