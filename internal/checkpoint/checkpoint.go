// Package checkpoint persists per-scan progress snapshots. Every payload
// is dual-backed: a JSON file in the state directory and a blob beside
// the scan row. The file is written first and preferred on read, which
// bounds any crash inconsistency to "newer file, older row".
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/faults"
)

// Payload is the durable snapshot taken at each stage boundary. Checksum
// is the first 16 hex digits of SHA-256 over the payload serialised with
// the checksum field removed.
type Payload struct {
	ScanID           string                     `json:"scan_id"`
	Timestamp        time.Time                  `json:"timestamp"`
	CurrentModule    string                     `json:"current_module"`
	CompletedModules []string                   `json:"completed_modules"`
	PendingModules   []string                   `json:"pending_modules"`
	ModuleState      map[string]string          `json:"module_state,omitempty"`
	ResultsCache     map[string]json.RawMessage `json:"results_cache,omitempty"`
	Checksum         string                     `json:"checksum,omitempty"`
}

// Digest computes the truncated integrity digest over the payload with
// the checksum field excluded.
func (p *Payload) Digest() (string, error) {
	clone := *p
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Seal stamps the payload and fills in its checksum
func (p *Payload) Seal() error {
	p.Timestamp = time.Now()
	digest, err := p.Digest()
	if err != nil {
		return err
	}
	p.Checksum = digest
	return nil
}

// Verify recomputes the digest and compares it to the stored checksum
func (p *Payload) Verify() error {
	digest, err := p.Digest()
	if err != nil {
		return err
	}
	if digest != p.Checksum {
		return fmt.Errorf("digest mismatch: computed %s, stored %s", digest, p.Checksum)
	}
	return nil
}

// LastCompleted returns the most recently completed stage, empty before
// the first boundary.
func (p *Payload) LastCompleted() string {
	if len(p.CompletedModules) == 0 {
		return ""
	}
	return p.CompletedModules[len(p.CompletedModules)-1]
}

// RowStore is the blob side of the dual backing, satisfied by the
// artifact store.
type RowStore interface {
	SaveCheckpointBlob(scanID string, blob []byte) error
	GetCheckpointBlob(scanID string) ([]byte, error)
	ClearCheckpointBlob(scanID string) error
}

// Store reads and writes checkpoints for all scans
type Store struct {
	dir  string
	rows RowStore
	log  *zap.Logger
}

// NewStore creates a checkpoint store writing files under dir
func NewStore(dir string, rows RowStore, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint.NewStore: %w", err)
	}
	return &Store{dir: dir, rows: rows, log: log}, nil
}

func (s *Store) filePath(scanID string) string {
	return filepath.Join(s.dir, scanID+".json")
}

// Save seals the payload and persists it, file first, then row blob
func (s *Store) Save(p *Payload) error {
	if p.ScanID == "" {
		return fmt.Errorf("checkpoint.Save: payload needs a scan id")
	}
	if err := p.Seal(); err != nil {
		return fmt.Errorf("checkpoint.Save: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint.Save: %w", err)
	}

	path := s.filePath(p.ScanID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("checkpoint.Save: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint.Save: %w", err)
	}

	if s.rows != nil {
		if err := s.rows.SaveCheckpointBlob(p.ScanID, data); err != nil {
			return err
		}
	}

	s.log.Debug("checkpoint saved",
		zap.String("scan_id", p.ScanID),
		zap.String("last_completed", p.LastCompleted()),
		zap.Int("pending", len(p.PendingModules)))
	return nil
}

// Load restores the latest checkpoint for a scan. The file is
// authoritative when present; the row blob is the fallback when it is
// not. A payload that fails to parse or whose recomputed digest does not
// match is rejected with a CheckpointCorrupt error; the caller discards
// it and restarts from stage zero. (nil, nil) means no checkpoint exists.
func (s *Store) Load(scanID string) (*Payload, error) {
	data, err := os.ReadFile(s.filePath(scanID))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, faults.New(faults.CheckpointCorrupt, "checkpoint.Load", err)
		}
		if s.rows == nil {
			return nil, nil
		}
		data, err = s.rows.GetCheckpointBlob(scanID)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, nil
		}
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, faults.New(faults.CheckpointCorrupt, "checkpoint.Load", err)
	}
	if err := p.Verify(); err != nil {
		return nil, faults.New(faults.CheckpointCorrupt, "checkpoint.Load", err)
	}
	if p.ScanID != scanID {
		return nil, faults.Errorf(faults.CheckpointCorrupt, "checkpoint.Load",
			"payload belongs to scan %s", p.ScanID)
	}
	return &p, nil
}

// Clear removes both backings. Called on successful completion and when
// a corrupt checkpoint is discarded.
func (s *Store) Clear(scanID string) error {
	if err := os.Remove(s.filePath(scanID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint.Clear: %w", err)
	}
	if s.rows != nil {
		return s.rows.ClearCheckpointBlob(scanID)
	}
	return nil
}
