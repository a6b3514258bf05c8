package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

// SaveScan persists a new scan row and registers it in the target index
func (s *Store) SaveScan(scan *models.Scan) error {
	if scan.ID == "" || scan.TargetID == "" {
		return fmt.Errorf("storage.SaveScan: scan needs an id and a target id")
	}
	if !scan.Status.IsValid() {
		return fmt.Errorf("storage.SaveScan: invalid status %q", scan.Status)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(scan)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketScans)).Put([]byte(scan.ID), data); err != nil {
			return err
		}

		// Update scan index (target -> []scan_id mapping)
		index := tx.Bucket([]byte(bucketScanIndex))
		targetKey := []byte(scan.TargetID)

		var scanIDs []string
		if existing := index.Get(targetKey); existing != nil {
			if err := json.Unmarshal(existing, &scanIDs); err != nil {
				return err
			}
		}

		found := false
		for _, id := range scanIDs {
			if id == scan.ID {
				found = true
				break
			}
		}
		if !found {
			scanIDs = append(scanIDs, scan.ID)
		}

		indexData, err := json.Marshal(scanIDs)
		if err != nil {
			return err
		}
		return index.Put(targetKey, indexData)
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SaveScan", err)
	}
	return nil
}

// GetScan retrieves a scan row by ID, nil when absent
func (s *Store) GetScan(id string) (*models.Scan, error) {
	var scan *models.Scan

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketScans)).Get([]byte(id))
		if data == nil {
			return nil
		}
		scan = &models.Scan{}
		return json.Unmarshal(data, scan)
	})

	return scan, err
}

// ListScans returns every scan row, newest first
func (s *Store) ListScans() ([]*models.Scan, error) {
	var scans []*models.Scan

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketScans)).ForEach(func(_, v []byte) error {
			var scan models.Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			scans = append(scans, &scan)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortScansNewestFirst(scans)
	return scans, nil
}

// ListScansForTarget returns a target's scans, newest first
func (s *Store) ListScansForTarget(targetID string) ([]*models.Scan, error) {
	var scans []*models.Scan

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketScanIndex)).Get([]byte(targetID))
		if data == nil {
			return nil
		}

		var scanIDs []string
		if err := json.Unmarshal(data, &scanIDs); err != nil {
			return err
		}

		scansBucket := tx.Bucket([]byte(bucketScans))
		for _, id := range scanIDs {
			if raw := scansBucket.Get([]byte(id)); raw != nil {
				var scan models.Scan
				if err := json.Unmarshal(raw, &scan); err != nil {
					return err
				}
				scans = append(scans, &scan)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortScansNewestFirst(scans)
	return scans, nil
}

func sortScansNewestFirst(scans []*models.Scan) {
	sort.Slice(scans, func(i, j int) bool {
		return scans[i].CreatedAt.After(scans[j].CreatedAt)
	})
}

// ErrScanFrozen is returned when a mutation reaches a scan already in a
// terminal state. completed and failed are absorbing.
var ErrScanFrozen = errors.New("scan is in a terminal state")

// UpdateScan applies fn to the stored row inside one write transaction.
// Rows in a terminal state reject the update.
func (s *Store) UpdateScan(id string, fn func(*models.Scan) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketScans))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scan %s not found", id)
		}

		var scan models.Scan
		if err := json.Unmarshal(data, &scan); err != nil {
			return err
		}
		if scan.Status.IsTerminal() {
			return ErrScanFrozen
		}

		if err := fn(&scan); err != nil {
			return err
		}
		if !scan.Status.IsValid() {
			return fmt.Errorf("invalid status %q", scan.Status)
		}

		updated, err := json.Marshal(&scan)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
	if err == nil || errors.Is(err, ErrScanFrozen) {
		return err
	}
	return faults.New(faults.StoreWriteFailure, "storage.UpdateScan", err)
}

// SetScanStatus moves a scan to the given status, stamping StartedAt on
// the first transition to running and CompletedAt on terminal entry.
func (s *Store) SetScanStatus(id string, status models.ScanStatus, errorMessage string) error {
	return s.UpdateScan(id, func(scan *models.Scan) error {
		scan.Status = status
		if errorMessage != "" {
			scan.ErrorMessage = errorMessage
		}

		now := time.Now()
		if status == models.StatusRunning && scan.StartedAt == nil {
			scan.StartedAt = &now
		}
		if status.IsTerminal() && scan.CompletedAt == nil {
			scan.CompletedAt = &now
		}
		return nil
	})
}

// SetStageProgress records the engine's position: the named stage and its
// 0-100 completion figure.
func (s *Store) SetStageProgress(id, stage string, percent int) error {
	return s.UpdateScan(id, func(scan *models.Scan) error {
		if scan.Progress == nil {
			scan.Progress = make(map[string]int)
		}
		scan.CurrentStage = stage
		scan.Progress[stage] = percent
		return nil
	})
}

// SaveCheckpointBlob stores the serialized checkpoint beside the scan row
func (s *Store) SaveCheckpointBlob(scanID string, blob []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketCheckpoints)).Put([]byte(scanID), blob)
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SaveCheckpointBlob", err)
	}
	return nil
}

// GetCheckpointBlob returns the stored checkpoint, nil when absent
func (s *Store) GetCheckpointBlob(scanID string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketCheckpoints)).Get([]byte(scanID)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	return blob, err
}

// ClearCheckpointBlob removes the checkpoint blob. Legal on terminal rows:
// completion clears the checkpoint after the status is final.
func (s *Store) ClearCheckpointBlob(scanID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketCheckpoints)).Delete([]byte(scanID))
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.ClearCheckpointBlob", err)
	}
	return nil
}

// DeleteScan removes one scan row with its artifacts and checkpoint
func (s *Store) DeleteScan(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketScans)).Get([]byte(id))
		if data == nil {
			return nil
		}
		var scan models.Scan
		if err := json.Unmarshal(data, &scan); err != nil {
			return err
		}

		index := tx.Bucket([]byte(bucketScanIndex))
		if raw := index.Get([]byte(scan.TargetID)); raw != nil {
			var scanIDs []string
			if err := json.Unmarshal(raw, &scanIDs); err != nil {
				return err
			}
			kept := scanIDs[:0]
			for _, sid := range scanIDs {
				if sid != id {
					kept = append(kept, sid)
				}
			}
			updated, err := json.Marshal(kept)
			if err != nil {
				return err
			}
			if err := index.Put([]byte(scan.TargetID), updated); err != nil {
				return err
			}
		}

		return deleteScanInTx(tx, id)
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.DeleteScan", err)
	}
	return nil
}
