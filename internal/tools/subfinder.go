package tools

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// SubfinderResult represents a single subdomain discovery result from subfinder
type SubfinderResult struct {
	Host   string `json:"host"`
	Source string `json:"source"`
}

// SubfinderOptions tunes one subfinder invocation
type SubfinderOptions struct {
	Binary  string
	Threads int
	Timeout time.Duration
	Log     *zap.Logger
}

// RunSubfinder executes subfinder against a domain with all passive
// sources enabled and returns parsed JSONL results. On a failed run the
// output that arrived before the failure is still parsed and returned
// alongside the error.
func RunSubfinder(ctx context.Context, r Runner, domain string, o SubfinderOptions) ([]SubfinderResult, error) {
	binary := "subfinder"
	if o.Binary != "" {
		binary = o.Binary
	}

	args := []string{
		binary,
		"-d", domain,
		"-all",
		"-silent",
		"-oJ",
		"-cs",
	}
	if o.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(o.Threads))
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Timeout: o.Timeout,
		Tag:     "subfinder",
	})
	if res == nil {
		return nil, err
	}

	return decodeJSONLines[SubfinderResult](res.Stdout, o.Log, "subfinder"), err
}
