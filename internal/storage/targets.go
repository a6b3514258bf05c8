package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

// ErrDomainTaken is returned when a second target claims a domain already
// registered under a different ID.
var ErrDomainTaken = errors.New("domain already registered")

// SaveTarget persists a target and its domain index entry. The domain is
// the natural unique key: saving a new target over someone else's domain
// fails with ErrDomainTaken.
func (s *Store) SaveTarget(target *models.Target) error {
	if target.ID == "" || target.Domain == "" {
		return fmt.Errorf("storage.SaveTarget: target needs an id and a domain")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(bucketTargetIndex))
		if existing := index.Get([]byte(target.Domain)); existing != nil && string(existing) != target.ID {
			return ErrDomainTaken
		}

		data, err := json.Marshal(target)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketTargets)).Put([]byte(target.ID), data); err != nil {
			return err
		}
		return index.Put([]byte(target.Domain), []byte(target.ID))
	})
	if errors.Is(err, ErrDomainTaken) {
		return err
	}
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.SaveTarget", err)
	}
	return nil
}

// GetTarget retrieves a target by ID, nil when absent
func (s *Store) GetTarget(id string) (*models.Target, error) {
	var target *models.Target

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketTargets)).Get([]byte(id))
		if data == nil {
			return nil
		}
		target = &models.Target{}
		return json.Unmarshal(data, target)
	})

	return target, err
}

// GetTargetByDomain retrieves a target via the domain index, nil when absent
func (s *Store) GetTargetByDomain(domain string) (*models.Target, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketTargetIndex)).Get([]byte(domain)); v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetTarget(id)
}

// ListTargets returns all targets, newest first
func (s *Store) ListTargets() ([]*models.Target, error) {
	var targets []*models.Target

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketTargets)).ForEach(func(_, v []byte) error {
			var t models.Target
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			targets = append(targets, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].CreatedAt.After(targets[j].CreatedAt)
	})
	return targets, nil
}

// UpdateTargetScope replaces the scope patterns of an existing target
func (s *Store) UpdateTargetScope(id string, include, exclude []string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketTargets))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("target %s not found", id)
		}

		var target models.Target
		if err := json.Unmarshal(data, &target); err != nil {
			return err
		}
		target.ScopeInclude = include
		target.ScopeExclude = exclude

		updated, err := json.Marshal(&target)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.UpdateTargetScope", err)
	}
	return nil
}

// DeleteTarget removes a target, its index entry, and every scan that
// belongs to it, artifacts and checkpoint blobs included.
func (s *Store) DeleteTarget(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		targetsBucket := tx.Bucket([]byte(bucketTargets))
		data := targetsBucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var target models.Target
		if err := json.Unmarshal(data, &target); err != nil {
			return err
		}

		scanIndex := tx.Bucket([]byte(bucketScanIndex))
		if raw := scanIndex.Get([]byte(id)); raw != nil {
			var scanIDs []string
			if err := json.Unmarshal(raw, &scanIDs); err != nil {
				return err
			}
			for _, scanID := range scanIDs {
				if err := deleteScanInTx(tx, scanID); err != nil {
					return err
				}
			}
			if err := scanIndex.Delete([]byte(id)); err != nil {
				return err
			}
		}

		if err := tx.Bucket([]byte(bucketTargetIndex)).Delete([]byte(target.Domain)); err != nil {
			return err
		}
		return targetsBucket.Delete([]byte(id))
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.DeleteTarget", err)
	}
	return nil
}

// deleteScanInTx removes one scan row plus everything keyed under it
func deleteScanInTx(tx *bbolt.Tx, scanID string) error {
	prefix := scanPrefix(scanID)
	for _, bucket := range []string{bucketSubdomains, bucketEndpoints, bucketFindings, bucketPorts} {
		if err := deletePrefix(tx, bucket, prefix); err != nil {
			return err
		}
	}
	if err := tx.Bucket([]byte(bucketCheckpoints)).Delete([]byte(scanID)); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketScans)).Delete([]byte(scanID))
}
