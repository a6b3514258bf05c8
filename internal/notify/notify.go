// Package notify posts scan completion summaries to a configured
// webhook. Delivery is best-effort: failures are logged and never affect
// the scan outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/storage"
)

// Notifier delivers webhook notifications. A Notifier with an empty URL
// is a no-op, so callers never need to branch on configuration.
type Notifier struct {
	url    string
	log    *zap.Logger
	client *http.Client
}

// New creates a notifier for the given webhook URL
func New(url string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		url:    url,
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// payload is the JSON body posted to the webhook
type payload struct {
	ScanID       string                 `json:"scan_id"`
	Target       string                 `json:"target"`
	Domain       string                 `json:"domain"`
	Status       models.ScanStatus      `json:"status"`
	Error        string                 `json:"error,omitempty"`
	Counts       storage.ArtifactCounts `json:"counts"`
	DurationSecs float64                `json:"duration_seconds"`
}

// ScanFinished posts the final summary of a scan. Errors are swallowed
// after logging; a dead webhook must not fail a completed scan.
func (n *Notifier) ScanFinished(ctx context.Context, scan *models.Scan, target *models.Target, counts storage.ArtifactCounts) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(payload{
		ScanID:       scan.ID,
		Target:       target.Name,
		Domain:       target.Domain,
		Status:       scan.Status,
		Error:        scan.ErrorMessage,
		Counts:       counts,
		DurationSecs: scan.Duration().Seconds(),
	})
	if err != nil {
		n.log.Warn("notify: marshaling payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("notify: building request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("notify: webhook unreachable", zap.String("url", n.url), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Warn("notify: webhook rejected payload",
			zap.String("url", n.url),
			zap.Int("status", resp.StatusCode))
	}
}
