package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/proc"
)

// Runner is the subprocess capability the adapters depend on. The scan
// supervisor satisfies it; tests substitute scripted results.
type Runner interface {
	Run(ctx context.Context, spec proc.Spec) (*proc.Result, error)
}

// decodeJSONLines parses line-delimited JSON output, skipping lines that
// fail to decode. Tools mix banners and warnings into stdout often enough
// that a bad line is never fatal.
func decodeJSONLines[T any](output string, log *zap.Logger, tool string) []T {
	if log == nil {
		log = zap.NewNop()
	}

	var results []T
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			log.Warn("skipping unparseable output line",
				zap.String("tool", tool),
				zap.Error(err))
			continue
		}
		results = append(results, item)
	}

	return results
}

// plainLines splits tool output into trimmed non-empty lines
func plainLines(output string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// stdinList joins values into the newline-delimited form the
// projectdiscovery tools accept on stdin.
func stdinList(values []string) []byte {
	if len(values) == 0 {
		return nil
	}
	return []byte(strings.Join(values, "\n") + "\n")
}
