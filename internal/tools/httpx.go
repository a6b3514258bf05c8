package tools

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// HttpxResult represents the probed HTTP endpoint data returned by httpx
type HttpxResult struct {
	URL           string   `json:"url"`
	Input         string   `json:"input"`
	StatusCode    int      `json:"status_code"`
	Title         string   `json:"title"`
	ContentLength int64    `json:"content_length"`
	ContentType   string   `json:"content_type"`
	WebServer     string   `json:"webserver"`
	Technologies  []string `json:"tech"`
	HostIP        string   `json:"host"`
	Port          string   `json:"port"`
}

// PortNumber converts the string port httpx emits, zero when absent
func (h HttpxResult) PortNumber() int {
	n, err := strconv.Atoi(h.Port)
	if err != nil {
		return 0
	}
	return n
}

// HttpxOptions tunes one httpx invocation
type HttpxOptions struct {
	Binary         string
	Threads        int
	RateLimit      int
	RequestTimeout time.Duration
	Timeout        time.Duration
	Log            *zap.Logger
}

// RunHttpx probes the given targets (hostnames, host:port pairs or URLs)
// fed on stdin and returns parsed JSONL results.
func RunHttpx(ctx context.Context, r Runner, targets []string, o HttpxOptions) ([]HttpxResult, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	binary := "httpx"
	if o.Binary != "" {
		binary = o.Binary
	}

	args := []string{
		binary,
		"-json",
		"-silent",
		"-status-code",
		"-title",
		"-content-length",
		"-content-type",
		"-web-server",
		"-tech-detect",
		"-ip",
	}
	if o.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(o.Threads))
	}
	if o.RateLimit > 0 {
		args = append(args, "-rate-limit", strconv.Itoa(o.RateLimit))
	}
	if o.RequestTimeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(int(o.RequestTimeout.Seconds())))
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Stdin:   stdinList(targets),
		Timeout: o.Timeout,
		Tag:     "httpx",
	})
	if res == nil {
		return nil, err
	}

	return decodeJSONLines[HttpxResult](res.Stdout, o.Log, "httpx"), err
}
