package tools

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// DnsxResult represents one resolved hostname from dnsx JSONL output
type DnsxResult struct {
	Host  string   `json:"host"`
	A     []string `json:"a,omitempty"`
	AAAA  []string `json:"aaaa,omitempty"`
	CNAME []string `json:"cname,omitempty"`
}

// IPs returns the resolved addresses, A records first
func (d DnsxResult) IPs() []string {
	out := make([]string, 0, len(d.A)+len(d.AAAA))
	out = append(out, d.A...)
	out = append(out, d.AAAA...)
	return out
}

// DnsxOptions tunes one dnsx invocation
type DnsxOptions struct {
	Binary  string
	Threads int
	Timeout time.Duration
	Log     *zap.Logger
}

// RunDnsx resolves a batch of hostnames fed on stdin, requesting A, AAAA
// and CNAME records. Hostnames that do not resolve produce no output
// line; the caller derives the unresolved set by difference.
func RunDnsx(ctx context.Context, r Runner, hostnames []string, o DnsxOptions) ([]DnsxResult, error) {
	if len(hostnames) == 0 {
		return nil, nil
	}

	binary := "dnsx"
	if o.Binary != "" {
		binary = o.Binary
	}

	args := []string{
		binary,
		"-a", "-aaaa", "-cname",
		"-resp",
		"-silent",
		"-json",
	}
	if o.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(o.Threads))
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Stdin:   stdinList(hostnames),
		Timeout: o.Timeout,
		Tag:     "dnsx",
	})
	if res == nil {
		return nil, err
	}

	return decodeJSONLines[DnsxResult](res.Stdout, o.Log, "dnsx"), err
}
