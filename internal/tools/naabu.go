package tools

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// NaabuResult represents one open port reported by naabu
type NaabuResult struct {
	Host string `json:"host"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NaabuOptions tunes one naabu invocation
type NaabuOptions struct {
	Binary  string
	Ports   []int
	Rate    int
	Timeout time.Duration
	Log     *zap.Logger
}

// RunNaabu sweeps the given hosts for open TCP ports, hosts fed on
// stdin, and returns parsed JSONL results.
func RunNaabu(ctx context.Context, r Runner, hosts []string, o NaabuOptions) ([]NaabuResult, error) {
	if len(hosts) == 0 {
		return nil, nil
	}

	binary := "naabu"
	if o.Binary != "" {
		binary = o.Binary
	}

	args := []string{
		binary,
		"-silent",
		"-json",
	}
	if len(o.Ports) > 0 {
		args = append(args, "-port", joinPorts(o.Ports))
	} else {
		args = append(args, "-top-ports", "100")
	}
	if o.Rate > 0 {
		args = append(args, "-rate", strconv.Itoa(o.Rate))
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Stdin:   stdinList(hosts),
		Timeout: o.Timeout,
		Tag:     "naabu",
	})
	if res == nil {
		return nil, err
	}

	return decodeJSONLines[NaabuResult](res.Stdout, o.Log, "naabu"), err
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
