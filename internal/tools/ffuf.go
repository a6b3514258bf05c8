package tools

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// FfufResult represents a single matched response from content discovery
type FfufResult struct {
	Input            map[string]string `json:"input"`
	Position         int               `json:"position"`
	Status           int               `json:"status"`
	Length           int               `json:"length"`
	Words            int               `json:"words"`
	Lines            int               `json:"lines"`
	ContentType      string            `json:"content-type"`
	RedirectLocation string            `json:"redirectlocation"`
	URL              string            `json:"url"`
	Duration         int64             `json:"duration"`
	Host             string            `json:"host"`
}

// Path returns the FUZZ keyword substitution that produced this hit
func (f FfufResult) Path() string {
	return f.Input["FUZZ"]
}

// FfufOptions tunes one ffuf invocation
type FfufOptions struct {
	Binary     string
	Wordlist   string
	MatchCodes string
	RateLimit  int
	Threads    int
	ReqTimeout int
	Timeout    time.Duration
	Log        *zap.Logger
}

// RunFfuf brute-forces paths under baseURL using the FUZZ placeholder.
// Matches stream to stdout as JSON lines (-json -s). Parsed results are
// returned even when ffuf exits abnormally.
func RunFfuf(ctx context.Context, r Runner, baseURL string, o FfufOptions) ([]FfufResult, error) {
	binary := "ffuf"
	if o.Binary != "" {
		binary = o.Binary
	}
	matchCodes := o.MatchCodes
	if matchCodes == "" {
		matchCodes = "200,301,302,403"
	}

	args := []string{
		binary,
		"-u", baseURL + "/FUZZ",
		"-w", o.Wordlist,
		"-mc", matchCodes,
		"-json",
		"-s",
	}
	if o.RateLimit > 0 {
		args = append(args, "-rate", strconv.Itoa(o.RateLimit))
	}
	if o.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(o.Threads))
	}
	if o.ReqTimeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(o.ReqTimeout))
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Timeout: o.Timeout,
		Tag:     "ffuf",
	})
	if res == nil {
		return nil, err
	}

	results := decodeJSONLines[FfufResult](res.Stdout, o.Log, "ffuf")
	return results, err
}
